package store

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
)

// The WAL is an append-only file where every document write is durably
// recorded before it is applied to the in-memory state. Writes are
// sequential, so they stay fast even on slow media; on restart the file is
// read top to bottom and every entry re-applied, leaving the store in the
// state it was in before the crash.
//
// Each entry is one newline-delimited JSON object (NDJSON), trivially read
// back line by line.

type walEntry struct {
	Collection string `json:"collection"`
	Change     Change `json:"change"`
}

// WAL is a simple append-only log backed by a single file.
type WAL struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func newWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{file: f, path: path}, nil
}

// append serialises the entry and fsyncs it. Without Sync a crash could lose
// the entry even though Write returned nil.
func (w *WAL) append(entry walEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := w.file.Write(data); err != nil {
		return err
	}
	return w.file.Sync()
}

// readAll scans the WAL file from the beginning and returns all entries.
// A corrupt trailing line (torn write at crash) is skipped.
func (w *WAL) readAll() ([]walEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, err
	}

	var entries []walEntry
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e walEntry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// truncate empties the WAL after a snapshot has been taken.
func (w *WAL) truncate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Truncate(0); err != nil {
		return err
	}
	_, err := w.file.Seek(0, 0)
	return err
}

func (w *WAL) close() error {
	return w.file.Close()
}
