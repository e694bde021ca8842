package pipeline

import (
	"sort"
	"sync"
	"sync/atomic"

	"ticmrf/internal/stream"
)

// Tracker keeps live run totals and the stats of finished documents. It
// implements stream.Recorder and forwards every event to next. Engines
// running in parallel share one Tracker.
type Tracker struct {
	next stream.Recorder

	items      atomic.Int64
	candidates atomic.Int64
	written    atomic.Int64
	skipped    atomic.Int64

	mu       sync.Mutex
	inFlight map[string]struct{}
	finished []DocumentResult
}

// DocumentResult is the outcome of one document.
type DocumentResult struct {
	Stats *stream.Stats `json:"stats"`
	Error string        `json:"error,omitempty"`
}

// Snapshot is the JSON view served on /stats.
type Snapshot struct {
	Items      int64            `json:"items"`
	Candidates int64            `json:"candidates"`
	Written    int64            `json:"written"`
	Skipped    int64            `json:"skipped"`
	InFlight   []string         `json:"in_flight"`
	Finished   int              `json:"finished"`
	Failed     int              `json:"failed"`
	Recent     []DocumentResult `json:"recent"`
}

const recentDocuments = 20

// NewTracker returns a Tracker forwarding to next, which may be nil.
func NewTracker(next stream.Recorder) *Tracker {
	return &Tracker{next: next, inFlight: make(map[string]struct{})}
}

func (t *Tracker) ItemProcessed() {
	t.items.Add(1)
	if t.next != nil {
		t.next.ItemProcessed()
	}
}

func (t *Tracker) CandidateEmitted() {
	t.candidates.Add(1)
	if t.next != nil {
		t.next.CandidateEmitted()
	}
}

func (t *Tracker) RecordWritten() {
	t.written.Add(1)
	if t.next != nil {
		t.next.RecordWritten()
	}
}

func (t *Tracker) RecordSkipped(reason string) {
	t.skipped.Add(1)
	if t.next != nil {
		t.next.RecordSkipped(reason)
	}
}

// DocumentFinished stores st and clears the document from the in-flight set.
func (t *Tracker) DocumentFinished(st *stream.Stats, err error) {
	res := DocumentResult{Stats: st}
	if err != nil {
		res.Error = err.Error()
	}
	t.mu.Lock()
	delete(t.inFlight, st.Location)
	t.finished = append(t.finished, res)
	t.mu.Unlock()
	if t.next != nil {
		t.next.DocumentFinished(st, err)
	}
	if l, ok := t.next.(lifecycle); ok {
		l.DocumentDone()
	}
}

// lifecycle is implemented by recorders that track documents in flight.
type lifecycle interface {
	DocumentStarted()
	DocumentDone()
}

func (t *Tracker) started(location string) {
	t.mu.Lock()
	t.inFlight[location] = struct{}{}
	t.mu.Unlock()
	if l, ok := t.next.(lifecycle); ok {
		l.DocumentStarted()
	}
}

// abandoned drops a document that failed before traversal began.
func (t *Tracker) abandoned(location string, err error) {
	t.DocumentFinished(&stream.Stats{Location: location, StopReason: stream.StopComplete}, err)
}

// Results returns every finished document in completion order.
func (t *Tracker) Results() []DocumentResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DocumentResult(nil), t.finished...)
}

// Snapshot returns the current totals.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Items:      t.items.Load(),
		Candidates: t.candidates.Load(),
		Written:    t.written.Load(),
		Skipped:    t.skipped.Load(),
		Finished:   len(t.finished),
		InFlight:   make([]string, 0, len(t.inFlight)),
	}
	for loc := range t.inFlight {
		s.InFlight = append(s.InFlight, loc)
	}
	sort.Strings(s.InFlight)
	for _, r := range t.finished {
		if r.Error != "" {
			s.Failed++
		}
	}
	from := max(0, len(t.finished)-recentDocuments)
	s.Recent = append([]DocumentResult(nil), t.finished[from:]...)
	return s
}
