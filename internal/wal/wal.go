package wal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/signalworks/cascade/internal/api"
)

// Journal provides write-ahead logging for finalized observations. The
// observation store appends here before mutating its in-memory log, so the
// capped store has a durable tail that survives a crash.
type Journal struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// Entry is a single journal line.
type Entry struct {
	WrittenAt   time.Time       `json:"written_at"`
	Observation api.Observation `json:"observation"`
}

// NewJournal creates or opens a daily journal file under dirPath.
func NewJournal(dirPath string) (*Journal, error) {
	if err := os.MkdirAll(dirPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	path := filepath.Join(dirPath, fmt.Sprintf("observations-%s.wal", time.Now().Format("20060102")))

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Journal{file: file, path: path}, nil
}

// Append writes an observation to the journal with fsync.
func (j *Journal) Append(obs api.Observation) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	line, err := json.Marshal(Entry{WrittenAt: time.Now(), Observation: obs})
	if err != nil {
		return fmt.Errorf("failed to marshal journal entry: %w", err)
	}

	if _, err := j.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}

	// fsync to ensure durability
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	return nil
}

// Close flushes and closes the journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.file.Sync(); err != nil {
		return err
	}
	return j.file.Close()
}

// Replay reads all entries from a journal file, skipping malformed lines.
func Replay(path string) ([]Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue // skip malformed lines
		}
		entries = append(entries, e)
	}

	return entries, scanner.Err()
}

// Rotate closes the current journal and opens a fresh daily file, returning
// the new journal and the old file path.
func Rotate(dirPath string, current *Journal) (*Journal, string, error) {
	current.mu.Lock()
	oldPath := current.path
	current.mu.Unlock()

	if err := current.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close current journal: %w", err)
	}

	next, err := NewJournal(dirPath)
	if err != nil {
		return nil, "", err
	}

	return next, oldPath, nil
}
