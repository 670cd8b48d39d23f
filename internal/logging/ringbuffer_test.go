package logging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestRingBufferBasicWrite(t *testing.T) {
	rb := NewRingBuffer(64)

	n, err := rb.Write([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected n=5, got %d", n)
	}
	if got := string(rb.Bytes()); got != "hello" {
		t.Errorf("expected 'hello', got %q", got)
	}
	if rb.Len() != 5 {
		t.Errorf("expected Len=5, got %d", rb.Len())
	}
}

func TestRingBufferExactFillThenWrap(t *testing.T) {
	rb := NewRingBuffer(10)

	_, _ = rb.Write([]byte("abcdefghij"))
	if got := string(rb.Bytes()); got != "abcdefghij" {
		t.Errorf("expected full buffer, got %q", got)
	}

	_, _ = rb.Write([]byte("12345"))
	if got := string(rb.Bytes()); got != "fghij12345" {
		t.Errorf("expected 'fghij12345', got %q", got)
	}
	if rb.Len() != 10 {
		t.Errorf("expected Len=10, got %d", rb.Len())
	}
}

func TestRingBufferLargerThanCapacity(t *testing.T) {
	rb := NewRingBuffer(5)

	_, _ = rb.Write([]byte("0123456789"))

	if got := string(rb.Bytes()); got != "56789" {
		t.Errorf("expected '56789', got %q", got)
	}
}

func TestRingBufferDumpToFile(t *testing.T) {
	rb := NewRingBuffer(16)
	_, _ = rb.Write([]byte("line one\n"))

	path := filepath.Join(t.TempDir(), "dump.jsonl")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "line one\n" {
		t.Errorf("unexpected dump contents %q", data)
	}
}

func TestRingBufferLinesDropsCutRecord(t *testing.T) {
	rb := NewRingBuffer(16)
	_, _ = rb.Write([]byte("{\"a\":1}\n{\"b\":2}\n{\"c\":3}\n"))

	// The oldest record was dropped whole, so nothing is cut
	if got := string(rb.Lines()); got != "{\"b\":2}\n{\"c\":3}\n" {
		t.Errorf("expected both whole records, got %q", got)
	}

	_, _ = rb.Write([]byte("{\"d\":44}\n"))
	if got := string(rb.Lines()); got != "{\"d\":44}\n" {
		t.Errorf("expected the cut record to be dropped, got %q", got)
	}

	path := filepath.Join(t.TempDir(), "crash-dump-1.jsonl")
	if err := rb.DumpToFile(path); err != nil {
		t.Fatalf("DumpToFile: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

func TestRingBufferManySmallWritesWrap(t *testing.T) {
	rb := NewRingBuffer(8)
	for _, s := range []string{"abc", "def", "ghi", "jk"} {
		_, _ = rb.Write([]byte(s))
	}
	if got := string(rb.Bytes()); got != "defghijk" {
		t.Errorf("expected 'defghijk', got %q", got)
	}
}
