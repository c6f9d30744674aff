// Package eventstore is the partitioned, append-only event log:
// per-stream optimistic-concurrency appends, snapshotting,
// catch-up/live/persistent subscriptions, and projections, all layered
// over the shared storage.Store collaborator.
package eventstore

import (
	"encoding/json"
	"fmt"
	"time"
)

// Direction controls ReadAll's merge order.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// EventInput is what a caller supplies to Append; the store assigns ID,
// Version, Timestamp, and Checksum. CorrelationID ties an event back to
// the request or saga that produced it; CausationID names the specific
// event or command that directly caused it, letting a reader walk the
// causal chain across streams.
type EventInput struct {
	Type string
	Data []byte
	Metadata map[string]string
	CorrelationID string
	CausationID string
}

// Event is one committed, checksummed entry in a stream.
type Event struct {
	ID string `json:"id"`
	StreamID string `json:"streamId"`
	Version uint64 `json:"version"`
	Type string `json:"type"`
	Data []byte `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID string `json:"causationId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Checksum string `json:"checksum"`

	// Compressed/Encrypted record how Data must be unpacked before it is
	// handed to a caller; they are never both meaningful to an external
	// reader, only to the store itself.
	Compressed bool `json:"compressed,omitempty"`
	Encrypted bool `json:"encrypted,omitempty"`
}

// canonicalFields returns the byte sequence the checksum is computed
// over: every field except the checksum itself, in a fixed order so the
// same event always hashes the same way regardless of map iteration
// order in Metadata.
func (e *Event) canonicalFields() []byte {
	type canonical struct {
		ID string `json:"id"`
		StreamID string `json:"streamId"`
		Version uint64 `json:"version"`
		Type string `json:"type"`
		Data []byte `json:"data"`
		Metadata map[string]string `json:"metadata,omitempty"`
		CorrelationID string `json:"correlationId,omitempty"`
		CausationID string `json:"causationId,omitempty"`
		Timestamp int64 `json:"timestamp"`
	}
	data, _ := json.Marshal(canonical{
		ID: e.ID, StreamID: e.StreamID, Version: e.Version, Type: e.Type,
		Data: e.Data, Metadata: e.Metadata, CorrelationID: e.CorrelationID,
		CausationID: e.CausationID, Timestamp: e.Timestamp.UnixNano(),
	})
	return data
}

// streamMeta is the per-stream bookkeeping row: current version and
// partition assignment.
type streamMeta struct {
	StreamID string `json:"streamId"`
	CurrentVersion uint64 `json:"currentVersion"`
	Partition int `json:"partition"`
}

// Snapshot is a caller-supplied point-in-time state capture for a stream.
type Snapshot struct {
	StreamID string `json:"streamId"`
	Version uint64 `json:"version"`
	State []byte `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

func streamKey(version uint64) string {
	return fmt.Sprintf("%020d", version)
}

func streamPrefix(streamID string) string {
	return streamID + "/"
}

func eventStorageKey(streamID string, version uint64) string {
	return streamPrefix(streamID) + streamKey(version)
}
