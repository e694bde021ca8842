package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"ticmrf/internal/mrf"
)

// spool holds in_network items read before provider_references. Items are
// written back to back as raw JSON values and read again with a fresh
// decoder, so the source itself is still read only once.
type spool struct {
	file  *os.File
	w     *bufio.Writer
	items int64
}

func newSpool(dir string) (*spool, error) {
	f, err := os.CreateTemp(dir, "ticmrf-in-network-*.json")
	if err != nil {
		return nil, fmt.Errorf("create spool file: %w", err)
	}
	return &spool{file: f, w: bufio.NewWriterSize(f, 1<<20)}, nil
}

func (s *spool) add(raw json.RawMessage) error {
	if _, err := s.w.Write(raw); err != nil {
		return fmt.Errorf("spool item: %w", err)
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("spool item: %w", err)
	}
	s.items++
	return nil
}

// rewind flushes pending writes and positions the file at its start.
func (s *spool) rewind() (*os.File, error) {
	if err := s.w.Flush(); err != nil {
		return nil, fmt.Errorf("flush spool: %w", err)
	}
	if _, err := s.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("rewind spool: %w", err)
	}
	return s.file, nil
}

func (s *spool) remove() {
	s.file.Close()
	os.Remove(s.file.Name())
}

// errSpoolTimeUp ends spooling once the time limit has passed.
var errSpoolTimeUp = errors.New("max duration reached while spooling")

// spoolInNetwork copies the in_network array to a spool file. Once the
// item limit is reached the rest of the array is skipped token by token.
// Cancellation and the time limit end spooling at once; nothing spooled is
// replayed after the time limit.
func (t *traversal) spoolInNetwork() error {
	sp, err := newSpool(t.spoolDir)
	if err != nil {
		return err
	}
	t.spool = sp
	t.stats.Spooled = true
	t.log.Info().Msg("in_network precedes provider_references, spooling items")

	err = mrf.StreamArray(t.dec, func() error {
		if err := t.ctx.Err(); err != nil {
			return err
		}
		if t.maxDuration > 0 && time.Since(t.start) >= t.maxDuration {
			return errSpoolTimeUp
		}
		if t.maxItems > 0 && sp.items >= t.maxItems {
			t.stats.StopReason = StopMaxItems
			return mrf.SkipValue(t.dec)
		}
		var raw json.RawMessage
		if err := t.dec.Decode(&raw); err != nil {
			return fmt.Errorf("decode in_network item %d: %w", sp.items, err)
		}
		return sp.add(raw)
	})
	if errors.Is(err, errSpoolTimeUp) {
		t.stats.StopReason = StopMaxDuration
		t.stopped = true
		t.log.Info().Int64("spooled", sp.items).Dur("elapsed", time.Since(t.start)).Msg("max duration reached while spooling")
		return nil
	}
	return err
}

// replay processes the spooled items once the whole document has been read.
func (t *traversal) replay() error {
	f, err := t.spool.rewind()
	if err != nil {
		return err
	}
	if err := t.prepare(); err != nil {
		return err
	}
	t.log.Info().Int64("items", t.spool.items).Msg("replaying spooled in_network items")
	return t.streamItems(json.NewDecoder(bufio.NewReaderSize(f, 1<<20)), false)
}
