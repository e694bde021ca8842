// Package sink receives normalized records. Every sink is written from a
// single goroutine and must be closed exactly once.
package sink

import (
	"errors"

	"ticmrf/internal/mrf"
)

// Sink consumes normalized records.
type Sink interface {
	Write(rec mrf.Record) error
	Close() error
}

// Multi writes every record to each sink in order.
type Multi []Sink

// Write stops at the first failing sink.
func (m Multi) Write(rec mrf.Record) error {
	for _, s := range m {
		if err := s.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every sink and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops records. It backs dry runs.
type Discard struct{ count int64 }

func (d *Discard) Write(mrf.Record) error {
	d.count++
	return nil
}

func (d *Discard) Close() error { return nil }

// Count returns the number of records dropped.
func (d *Discard) Count() int64 { return d.count }

// Memory keeps records in memory. It is used by tests and by small
// previews.
type Memory struct {
	Records []mrf.Record
	Closed  int
}

func (m *Memory) Write(rec mrf.Record) error {
	m.Records = append(m.Records, rec)
	return nil
}

func (m *Memory) Close() error {
	m.Closed++
	return nil
}
