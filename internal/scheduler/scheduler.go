// Package scheduler runs background jobs on cron schedules: persistence
// backups, retention cleanup, database maintenance and the learning
// insight scan.
package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one schedulable unit of background work
type Job interface {
	Name() string
	Run() error
}

// Entry describes a registered job for the ops surface
type Entry struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRunAt time.Time `json:"last_run_at,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Runs      int64     `json:"runs"`
}

// Scheduler wraps a seconds-resolution cron runner. Job failures are
// logged and recorded, never fatal.
type Scheduler struct {
	cron *cron.Cron
	log  zerolog.Logger

	mu      sync.Mutex
	entries []*Entry
}

func New(log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithSeconds()),
		log:  log.With().Str("component", "scheduler").Logger(),
	}
}

// AddJob registers a job under a six-field cron schedule, e.g.
// "0 0 */6 * * *" for every six hours or "@every 30s".
func (s *Scheduler) AddJob(schedule string, job Job) error {
	entry := &Entry{Name: job.Name(), Schedule: schedule}

	_, err := s.cron.AddFunc(schedule, func() {
		s.runJob(entry, job)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.entries = append(s.entries, entry)
	s.mu.Unlock()

	s.log.Info().
		Str("job", job.Name()).
		Str("schedule", schedule).
		Msg("Job registered")
	return nil
}

// Start begins dispatching registered jobs
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.Entries())).Msg("Scheduler started")
}

// Stop halts dispatch and waits for running jobs to finish
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("Scheduler stopped")
}

// RunNow executes a job immediately, outside its schedule. Registered
// jobs run through the entry bookkeeping so on-demand runs show up in
// the ops surface.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job on demand")

	s.mu.Lock()
	var entry *Entry
	for _, e := range s.entries {
		if e.Name == job.Name() {
			entry = e
			break
		}
	}
	s.mu.Unlock()

	if entry == nil {
		return job.Run()
	}
	return s.runJob(entry, job)
}

// Entries returns a snapshot of the registered jobs and their last runs
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

func (s *Scheduler) runJob(entry *Entry, job Job) error {
	start := time.Now()
	s.log.Debug().Str("job", job.Name()).Msg("Running job")

	err := job.Run()

	s.mu.Lock()
	entry.LastRunAt = start.UTC()
	entry.Runs++
	if err != nil {
		entry.LastError = err.Error()
	} else {
		entry.LastError = ""
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Error().
			Err(err).
			Str("job", job.Name()).
			Dur("duration_ms", time.Since(start)).
			Msg("Job failed")
		return err
	}
	s.log.Debug().
		Str("job", job.Name()).
		Dur("duration_ms", time.Since(start)).
		Msg("Job completed")
	return nil
}
