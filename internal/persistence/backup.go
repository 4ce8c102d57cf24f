package persistence

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const partialSuffix = ".partial"

// BackupManifest describes one backup directory
type BackupManifest struct {
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source"`
	Files         int       `json:"files"`
	IncludesIndex bool      `json:"includes_index"`
}

// Backup copies the data directory, index included, into
// backup_path/backup_<ts>/ and writes a manifest. The copy lands in a
// .partial directory first; the final rename means an interrupted backup
// never looks complete. Returns the finished backup directory.
func (s *Store) Backup() (string, error) {
	start := time.Now()
	name := "backup_" + start.UTC().Format("20060102_150405")
	finalDir := filepath.Join(s.cfg.BackupPath, name)
	partialDir := finalDir + partialSuffix

	s.log.Info().Str("backup", name).Msg("Starting backup")

	if s.indexDB != nil {
		// Fold WAL pages into the main file so the copy is self-contained
		if err := s.indexDB.WALCheckpoint("TRUNCATE"); err != nil {
			s.log.Warn().Err(err).Msg("Index WAL checkpoint failed before backup")
		}
	}

	files, err := copyTree(s.cfg.BasePath, partialDir)
	if err != nil {
		os.RemoveAll(partialDir)
		s.countError()
		return "", fmt.Errorf("failed to copy data directory: %w", err)
	}

	manifest := BackupManifest{
		Timestamp:     start.UTC(),
		Source:        s.cfg.BasePath,
		Files:         files,
		IncludesIndex: s.index != nil,
	}
	if err := writeManifest(filepath.Join(partialDir, "manifest.json"), manifest); err != nil {
		os.RemoveAll(partialDir)
		s.countError()
		return "", fmt.Errorf("failed to write backup manifest: %w", err)
	}

	if err := os.Rename(partialDir, finalDir); err != nil {
		os.RemoveAll(partialDir)
		s.countError()
		return "", fmt.Errorf("failed to finalize backup: %w", err)
	}

	s.backupCount.Add(1)
	s.log.Info().
		Str("backup", name).
		Int("files", files).
		Dur("duration_ms", time.Since(start)).
		Msg("Backup completed")

	return finalDir, nil
}

// sweepPartialBackups removes backups interrupted by a crash or shutdown
func (s *Store) sweepPartialBackups() {
	entries, err := os.ReadDir(s.cfg.BackupPath)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() && strings.HasSuffix(entry.Name(), partialSuffix) {
			path := filepath.Join(s.cfg.BackupPath, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("Failed to remove partial backup")
				continue
			}
			s.log.Info().Str("path", path).Msg("Removed partial backup")
		}
	}
}

// ReadManifest loads the manifest of a backup directory
func ReadManifest(backupDir string) (*BackupManifest, error) {
	data, err := os.ReadFile(filepath.Join(backupDir, "manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup manifest: %w", err)
	}
	var manifest BackupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to decode backup manifest: %w", err)
	}
	return &manifest, nil
}

func writeManifest(path string, manifest BackupManifest) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(manifest)
}

// copyTree copies src into dst recursively and returns the file count.
// Temp files from in-flight writes are skipped.
func copyTree(src, dst string) (int, error) {
	files := 0
	err := filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		if strings.HasPrefix(d.Name(), tempPrefix) {
			return nil
		}
		if err := copyFile(path, target); err != nil {
			return err
		}
		files++
		return nil
	})
	return files, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
