package persistence

import (
	"hash/fnv"
	"sync"
)

// lockShards bounds the lock table; paths hash onto a fixed set of
// mutexes so the table never grows with the number of records.
const lockShards = 64

type pathLocks struct {
	shards [lockShards]sync.Mutex
}

// forPath returns the mutex guarding writes to the given final path
func (l *pathLocks) forPath(path string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(path))
	return &l.shards[h.Sum32()%lockShards]
}
