package inbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestAppendAndDrain(t *testing.T) {
	store := NewStore()
	path := filepath.Join(t.TempDir(), "inbox", "s-20260824-abc123.jsonl")

	if err := store.Append(path, NewEntry("t-111111", "a/p", "hi")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := store.Append(path, NewEntry("t-111111", "a/p", "second")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	n, err := store.Pending(path)
	if err != nil || n != 2 {
		t.Fatalf("Pending = %d, %v; want 2", n, err)
	}

	unread, err := store.Drain(path)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(unread) != 2 {
		t.Fatalf("Drain returned %d entries, want 2", len(unread))
	}
	if unread[0].Message != "hi" || unread[1].Message != "second" {
		t.Errorf("drain order wrong: %v", unread)
	}
	if unread[0].Read {
		t.Error("returned entries should reflect pre-drain state")
	}

	// Exactly-once: a second drain on an unchanged inbox is empty.
	again, err := store.Drain(path)
	if err != nil {
		t.Fatalf("Drain again: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second drain returned %d entries, want 0", len(again))
	}

	n, _ = store.Pending(path)
	if n != 0 {
		t.Errorf("Pending after drain = %d, want 0", n)
	}
}

func TestAppendWritesOneLine(t *testing.T) {
	store := NewStore()
	path := filepath.Join(t.TempDir(), "s.jsonl")
	if err := store.Append(path, NewEntry("t-222222", "b/q", "hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() {
		lines++
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line not valid JSON: %v", err)
		}
		if e.Read {
			t.Error("fresh entry must be unread")
		}
		if e.FromAgent != "b/q" || e.ThreadID != "t-222222" {
			t.Errorf("entry = %+v", e)
		}
	}
	if lines != 1 {
		t.Errorf("file has %d lines, want 1", lines)
	}
}

func TestDrainPreservesUnparseableLines(t *testing.T) {
	store := NewStore()
	path := filepath.Join(t.TempDir(), "s.jsonl")
	if err := os.WriteFile(path, []byte("not-json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Append(path, NewEntry("t-333333", "a/p", "x")); err != nil {
		t.Fatal(err)
	}

	unread, err := store.Drain(path)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(unread) != 1 {
		t.Fatalf("unread = %d", len(unread))
	}

	data, _ := os.ReadFile(path)
	if want := "not-json\n"; string(data[:len(want)]) != want {
		t.Errorf("garbage line not preserved: %q", data)
	}
}

func TestDrainMissingFile(t *testing.T) {
	store := NewStore()
	entries, err := store.Drain(filepath.Join(t.TempDir(), "absent.jsonl"))
	if err != nil || entries != nil {
		t.Errorf("Drain(absent) = %v, %v", entries, err)
	}
}

// Appender and drainer normally live in different processes, each with
// its own Store. Two Stores here share no mutex, so only the per-file
// flock keeps a delivery landing mid-drain from being overwritten by the
// drain's rewrite.
func TestConcurrentAppendAndDrainLosesNothing(t *testing.T) {
	const total = 50
	path := filepath.Join(t.TempDir(), "s.jsonl")
	appender := NewStore()
	drainer := NewStore()

	done := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			if err := appender.Append(path, NewEntry("t-1", "a/p", fmt.Sprintf("msg-%d", i))); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	seen := make(map[string]bool)
	collect := func(entries []Entry) {
		for _, e := range entries {
			if seen[e.Message] {
				t.Errorf("message %q drained twice", e.Message)
			}
			seen[e.Message] = true
		}
	}

	for len(seen) < total {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Append: %v", err)
			}
			// Writer finished; one last drain picks up the remainder.
			entries, err := drainer.Drain(path)
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			collect(entries)
			if len(seen) != total {
				t.Fatalf("drained %d of %d messages", len(seen), total)
			}
			return
		default:
			entries, err := drainer.Drain(path)
			if err != nil {
				t.Fatalf("Drain: %v", err)
			}
			collect(entries)
		}
	}
}

func TestDrainDir(t *testing.T) {
	store := NewStore()
	dir := t.TempDir()
	store.Append(filepath.Join(dir, "a.jsonl"), NewEntry("t-1", "a/p", "one"))
	store.Append(filepath.Join(dir, "b.jsonl"), NewEntry("t-2", "b/p", "two"))

	all, err := store.DrainDir(dir)
	if err != nil {
		t.Fatalf("DrainDir: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("DrainDir = %d entries, want 2", len(all))
	}
}
