// Package inbox manages per-session append-only inbox files. Each file is
// newline-delimited JSON, one message per line; the daemon appends on
// delivery and the session drains at natural break points. Appender and
// drainer live in different processes, so every access takes an advisory
// flock on the file itself; the in-process mutex only orders callers
// sharing one Store.
package inbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Entry is one inbox line.
type Entry struct {
	ThreadID  string `json:"thread_id"`
	FromAgent string `json:"from_agent"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Read      bool   `json:"read"`
}

// NewEntry builds an unread entry stamped with the current time.
func NewEntry(threadID, fromAgent, message string) Entry {
	return Entry{
		ThreadID:  threadID,
		FromAgent: fromAgent,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Message:   message,
	}
}

// Store serializes same-process access to inbox files. Cross-process
// exclusion comes from the flock taken per operation.
type Store struct {
	mu    sync.Mutex
	files map[string]*sync.Mutex
}

// NewStore returns an empty inbox store.
func NewStore() *Store {
	return &Store{files: make(map[string]*sync.Mutex)}
}

func (s *Store) lock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.files[path]
	if !ok {
		m = &sync.Mutex{}
		s.files[path] = m
	}
	return m
}

// flock takes an advisory lock on the open file, retrying on EINTR. The
// lock is released when the file is closed.
func flock(f *os.File, how int) error {
	for {
		err := syscall.Flock(int(f.Fd()), how)
		if err != syscall.EINTR {
			return err
		}
	}
}

// Append writes one entry as a single LF-terminated JSON line, creating
// the inbox directory if needed. fsync is deliberately skipped.
func (s *Store) Append(path string, e Entry) error {
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create inbox dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()
	if err := flock(f, syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock inbox: %w", err)
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode inbox entry: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append inbox entry: %w", err)
	}
	return nil
}

// Drain returns all unread entries and rewrites the file with them marked
// read. A second drain on an unchanged inbox returns nothing. Lines that
// fail to parse are preserved verbatim.
//
// The rewrite happens in place under the flock: replacing the file by
// rename would swap the inode out from under a concurrently blocked
// appender and lose its delivery.
func (s *Store) Drain(path string) ([]Entry, error) {
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()
	if err := flock(f, syscall.LOCK_EX); err != nil {
		return nil, fmt.Errorf("lock inbox: %w", err)
	}

	var unread []Entry
	var out [][]byte
	changed := false
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			keep := make([]byte, len(line))
			copy(keep, line)
			out = append(out, keep)
			continue
		}
		if !e.Read {
			unread = append(unread, e)
			e.Read = true
			changed = true
		}
		marked, _ := json.Marshal(e)
		out = append(out, marked)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	if !changed {
		return nil, nil
	}

	if _, err := f.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("rewrite inbox: %w", err)
	}
	if err := f.Truncate(0); err != nil {
		return nil, fmt.Errorf("rewrite inbox: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, line := range out {
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("rewrite inbox: %w", err)
	}
	return unread, nil
}

// Pending counts unread entries without mutating the file.
func (s *Store) Pending(path string) (int, error) {
	mu := s.lock(path)
	mu.Lock()
	defer mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()
	if err := flock(f, syscall.LOCK_SH); err != nil {
		return 0, fmt.Errorf("lock inbox: %w", err)
	}

	count := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if !e.Read {
			count++
		}
	}
	return count, sc.Err()
}

// DrainDir drains every inbox file in dir, returning all unread entries.
// Used by the check-inbox CLI verb which runs inside the session process.
func (s *Store) DrainDir(dir string) ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.jsonl"))
	if err != nil {
		return nil, err
	}
	var all []Entry
	for _, path := range matches {
		entries, err := s.Drain(path)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}
