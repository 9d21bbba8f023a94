// Package ledger persists per-task progress so bulk jobs resume where they stopped.
//
// Task keys follow three shapes:
//
//	<leaf>                   -> {done, attempts}
//	<leaf>|<term>            -> kept count for that term
//	fix-images:<platform>    -> {done, attempts, cursor}
//	audit-images:<platform>  -> {done, attempts, cursor}
//
// For the image sweeps, done means the last sweep reached the end; the next run
// starts a new sweep.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Entry is the completion state of one task key.
type Entry struct {
	Count    int
	Done     bool
	Attempts int
	Cursor   string
}

type entryObject struct {
	Done     bool   `json:"done"`
	Attempts int    `json:"attempts"`
	Cursor   string `json:"cursor,omitempty"`
	Count    int    `json:"count,omitempty"`
}

// MarshalJSON writes a bare number when only Count is set and an object otherwise.
func (e Entry) MarshalJSON() ([]byte, error) {
	if !e.Done && e.Attempts == 0 && e.Cursor == "" {
		return json.Marshal(e.Count)
	}
	return json.Marshal(entryObject{Done: e.Done, Attempts: e.Attempts, Cursor: e.Cursor, Count: e.Count})
}

// UnmarshalJSON accepts both encodings written by MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] != '{' {
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("ledger entry: %w", err)
		}
		*e = Entry{Count: int(n)}
		return nil
	}
	var obj entryObject
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("ledger entry: %w", err)
	}
	*e = Entry{Count: obj.Count, Done: obj.Done, Attempts: obj.Attempts, Cursor: obj.Cursor}
	return nil
}

// Ledger is a durable map from task key to Entry.
type Ledger interface {
	Get(key string) (Entry, bool)
	Put(ctx context.Context, key string, entry Entry) error
	Done(key string) bool
	Snapshot() map[string]Entry
	Close() error
}

// LeafKey is the ledger key of a taxonomy leaf.
func LeafKey(leaf string) string {
	return leaf
}

// TermKey is the ledger key of one search term within a leaf.
func TermKey(leaf, term string) string {
	return leaf + "|" + strings.ToLower(strings.TrimSpace(term))
}

// FixImagesKey is the ledger key of the image fix cursor for platform.
func FixImagesKey(platform string) string {
	return "fix-images:" + platform
}

// AuditKey is the ledger key of the image audit cursor for platform.
func AuditKey(platform string) string {
	return "audit-images:" + platform
}

// Pending returns the keys not yet marked done, preserving order.
func Pending(l Ledger, keys []string) []string {
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !l.Done(k) {
			out = append(out, k)
		}
	}
	return out
}
