package raft

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/aegis/pkg/errs"
	"github.com/cuemby/aegis/pkg/storage"
)

// Log is the durable, ordered sequence of log entries a replica holds,
// backed by the shared storage.Store collaborator rather than a bespoke
// binary log file. entries[0] is always a placeholder recording the
// index/term the log currently starts at (either 0/0 for a fresh log, or
// the last-included index/term of the most recent snapshot).
type Log struct {
	mu        sync.RWMutex
	store     storage.Store
	namespace string
	entries   []*LogEntry
}

// NewLog returns a Log persisting through store under namespace.
func NewLog(store storage.Store, namespace string) *Log {
	return &Log{store: store, namespace: namespace}
}

func logKey(index uint64) string {
	return fmt.Sprintf("%020d", index)
}

// Open loads any previously persisted entries, or writes the initial
// placeholder entry if the log is empty.
func (l *Log) Open() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var loaded []*LogEntry
	err := l.store.Scan(l.namespace, "", func(e storage.Entry) error {
		var entry LogEntry
		if err := json.Unmarshal(e.Value, &entry); err != nil {
			return fmt.Errorf("raft: decode log entry: %w", err)
		}
		loaded = append(loaded, &entry)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(loaded, func(i, j int) bool { return loaded[i].Index < loaded[j].Index })

	if len(loaded) == 0 {
		placeholder := &LogEntry{}
		if err := l.persist(placeholder); err != nil {
			return err
		}
		loaded = []*LogEntry{placeholder}
	}

	l.entries = loaded
	return nil
}

func (l *Log) persist(entry *LogEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("raft: encode log entry: %w", err)
	}
	return l.store.Put(l.namespace, logKey(entry.Index), data)
}

// GetEntry returns the entry at index.
func (l *Log) GetEntry(index uint64) (*LogEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getEntryLocked(index)
}

func (l *Log) getEntryLocked(index uint64) (*LogEntry, error) {
	offset := index - l.entries[0].Index
	if offset == 0 || offset >= uint64(len(l.entries)) {
		return nil, errs.New(errs.KindValidation, fmt.Sprintf("raft: no log entry at index %d", index))
	}
	return l.entries[offset], nil
}

// Contains reports whether index is present in the log.
func (l *Log) Contains(index uint64) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return false
	}
	offset := index - l.entries[0].Index
	return offset > 0 && offset < uint64(len(l.entries))
}

// AppendEntry appends a single entry.
func (l *Log) AppendEntry(entry *LogEntry) error {
	return l.AppendEntries([]*LogEntry{entry})
}

// AppendEntries appends entries in order, persisting them atomically.
func (l *Log) AppendEntries(entries []*LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	batch := make([]storage.Entry, 0, len(entries))
	for _, entry := range entries {
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("raft: encode log entry: %w", err)
		}
		batch = append(batch, storage.Entry{Key: logKey(entry.Index), Value: data})
	}
	if err := l.store.BatchPut(l.namespace, batch); err != nil {
		return fmt.Errorf("raft: persist log entries: %w", err)
	}

	l.entries = append(l.entries, entries...)
	return nil
}

// Truncate deletes every entry with index >= index.
func (l *Log) Truncate(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset := index - l.entries[0].Index
	if offset == 0 || offset >= uint64(len(l.entries)) {
		return errs.New(errs.KindValidation, fmt.Sprintf("raft: cannot truncate at index %d", index))
	}

	for _, e := range l.entries[offset:] {
		if err := l.store.Delete(l.namespace, logKey(e.Index)); err != nil {
			return err
		}
	}
	l.entries = l.entries[:offset]
	return nil
}

// Compact removes every entry with index <= index, used after a snapshot.
func (l *Log) Compact(index uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	offset := index - l.entries[0].Index
	if offset == 0 || offset >= uint64(len(l.entries)) {
		return errs.New(errs.KindValidation, fmt.Sprintf("raft: cannot compact at index %d", index))
	}

	for _, e := range l.entries[:offset] {
		if err := l.store.Delete(l.namespace, logKey(e.Index)); err != nil {
			return err
		}
	}
	l.entries = l.entries[offset:]
	return nil
}

// DiscardEntries drops every entry and replaces the log with a placeholder
// at the given index/term, used when installing a snapshot that is ahead
// of the local log.
func (l *Log) DiscardEntries(index, term uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if err := l.store.Delete(l.namespace, logKey(e.Index)); err != nil {
			return err
		}
	}

	placeholder := &LogEntry{Index: index, Term: term}
	if err := l.persist(placeholder); err != nil {
		return err
	}
	l.entries = []*LogEntry{placeholder}
	return nil
}

// LastIndex returns the index of the last entry in the log.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Index
}

// LastTerm returns the term of the last entry in the log.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Term
}

// NextIndex returns the index the next appended entry will receive.
func (l *Log) NextIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.entries[len(l.entries)-1].Index + 1
}

// Size returns the number of entries currently in the log, including the
// placeholder.
func (l *Log) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
