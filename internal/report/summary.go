// Package report accumulates per-run counters and renders the end-of-run summary.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Counter names a summary counter.
type Counter int

// Counters, in display order.
const (
	Fetched Counter = iota
	Kept
	Rejected
	Duplicates
	Surplus
	Persisted
	Errors
	Skipped
	Escalated
	Fixed
	Failed
	NoImage
	Audited
	Nulled
	numCounters
)

var counterNames = [numCounters]string{
	Fetched:    "fetched",
	Kept:       "kept",
	Rejected:   "rejected",
	Duplicates: "duplicates",
	Surplus:    "surplus",
	Persisted:  "persisted",
	Errors:     "errors",
	Skipped:    "skipped",
	Escalated:  "escalated",
	Fixed:      "fixed",
	Failed:     "failed",
	NoImage:    "noImage",
	Audited:    "audited",
	Nulled:     "nulled",
}

// String returns the counter's display name.
func (c Counter) String() string {
	if c < 0 || c >= numCounters {
		return "counter(" + strconv.Itoa(int(c)) + ")"
	}
	return counterNames[c]
}

// LeafRow is the outcome of one leaf in an ingest run.
type LeafRow struct {
	Leaf     string
	Existing int
	Kept     int
	Target   int
	Attempts int
	State    string
}

// Summary is safe for concurrent use by workers.
type Summary struct {
	Title  string
	DryRun bool

	counters [numCounters]atomic.Int64
	mu       sync.Mutex
	leaves   []LeafRow
}

// New creates an empty summary.
func New(title string, dryRun bool) *Summary {
	return &Summary{Title: title, DryRun: dryRun}
}

// Add increments c by n.
func (s *Summary) Add(c Counter, n int) {
	if s == nil || n == 0 {
		return
	}
	s.counters[c].Add(int64(n))
}

// Inc increments c by one.
func (s *Summary) Inc(c Counter) {
	s.Add(c, 1)
}

// Get returns the current value of c.
func (s *Summary) Get(c Counter) int {
	return int(s.counters[c].Load())
}

// Counts returns a snapshot of every counter keyed by name.
func (s *Summary) Counts() map[string]int {
	out := make(map[string]int, numCounters)
	for c := Counter(0); c < numCounters; c++ {
		out[c.String()] = s.Get(c)
	}
	return out
}

// RecordLeaf appends a leaf row.
func (s *Summary) RecordLeaf(row LeafRow) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, row)
}

// Leaves returns the leaf rows sorted by leaf key.
func (s *Summary) Leaves() []LeafRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]LeafRow(nil), s.leaves...)
	sort.Slice(out, func(i, j int) bool { return out[i].Leaf < out[j].Leaf })
	return out
}

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// Render writes the counter table, followed by the leaf table when leaves were recorded.
// Zero counters are omitted.
func (s *Summary) Render(w io.Writer) error {
	title := s.Title
	if s.DryRun {
		title += " (dry run)"
	}
	counts := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(styleRows).
		Headers("counter", "value")
	for c := Counter(0); c < numCounters; c++ {
		if v := s.Get(c); v != 0 {
			counts.Row(c.String(), strconv.Itoa(v))
		}
	}
	if _, err := fmt.Fprintf(w, "%s\n%s\n", title, counts.Render()); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}

	leaves := s.Leaves()
	if len(leaves) == 0 {
		return nil
	}
	lt := table.New().
		Border(lipgloss.NormalBorder()).
		StyleFunc(styleRows).
		Headers("leaf", "existing", "kept", "target", "attempts", "state")
	for _, r := range leaves {
		lt.Row(r.Leaf, strconv.Itoa(r.Existing), strconv.Itoa(r.Kept), strconv.Itoa(r.Target), strconv.Itoa(r.Attempts), r.State)
	}
	if _, err := fmt.Fprintf(w, "%s\n", lt.Render()); err != nil {
		return fmt.Errorf("write leaf table: %w", err)
	}
	return nil
}

func styleRows(row, _ int) lipgloss.Style {
	if row == table.HeaderRow {
		return headerStyle
	}
	return cellStyle
}
