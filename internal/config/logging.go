package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"
)

const (
	logFilePrefix     = "tollgate-"
	logFileTimeLayout = "2006-01-02T15-04-05"
)

// SetupLogFile opens a fresh timestamped log file in dir and prunes the
// directory down to the newest maxFiles files. The caller closes the file.
func SetupLogFile(dir string, maxFiles int) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	name := logFilePrefix + time.Now().UTC().Format(logFileTimeLayout) + ".log"
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	if err := pruneLogFiles(dir, maxFiles); err != nil {
		fmt.Fprintf(os.Stderr, "warning: prune log files: %v\n", err)
	}

	return f, nil
}

// pruneLogFiles deletes the oldest log files beyond keep.
// Names sort chronologically.
func pruneLogFiles(dir string, keep int) error {
	files, err := filepath.Glob(filepath.Join(dir, logFilePrefix+"*.log"))
	if err != nil {
		return err
	}
	if keep < 1 || len(files) <= keep {
		return nil
	}

	slices.Sort(files)
	for _, name := range files[:len(files)-keep] {
		if err := os.Remove(name); err != nil {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	return nil
}
