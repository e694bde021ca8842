package normalize

import (
	"strconv"

	"github.com/cespare/xxhash/v2"

	"ticmrf/internal/mrf"
)

// Deduper remembers a 64-bit hash of every record it has seen. It is not
// safe for concurrent use and its memory grows with the number of distinct
// records, so it is off unless asked for.
type Deduper struct {
	seen map[uint64]struct{}
}

// NewDeduper returns an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[uint64]struct{})}
}

// SeenAndRecord reports whether rec was already seen and records it if not.
func (d *Deduper) SeenAndRecord(rec mrf.Record) bool {
	key := recordKey(rec)
	if _, ok := d.seen[key]; ok {
		return true
	}
	d.seen[key] = struct{}{}
	return false
}

// Size returns the number of distinct records seen.
func (d *Deduper) Size() int { return len(d.seen) }

func recordKey(rec mrf.Record) uint64 {
	h := xxhash.New()
	field := func(s string) {
		h.WriteString(s)
		h.Write([]byte{0})
	}
	ptr := func(p *string) {
		if p == nil {
			h.Write([]byte{1})
			return
		}
		field(*p)
	}

	field(rec.ServiceCode)
	field(rec.BillingCodeType)
	field(rec.Description)
	field(strconv.FormatFloat(rec.NegotiatedRate, 'g', -1, 64))
	for _, s := range rec.ServiceCodes {
		field(s)
	}
	h.Write([]byte{2})
	field(rec.BillingClass)
	field(rec.NegotiatedType)
	field(rec.ExpirationDate)
	ptr(rec.ProviderNPI)
	ptr(rec.ProviderName)
	ptr(rec.ProviderTIN)
	field(rec.Payer)
	return h.Sum64()
}
