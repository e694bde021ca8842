// Package normalize validates candidates and converts them into canonical
// records. Normalize is a pure function: the same candidate, whitelist and
// payer always give the same result.
package normalize

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"ticmrf/internal/mrf"
)

// Reason explains why a candidate was rejected. The empty Reason means the
// candidate was accepted.
type Reason string

const (
	Accepted           Reason = ""
	MissingBillingCode Reason = "missing_billing_code"
	NotWhitelisted     Reason = "not_whitelisted"
	InvalidRate        Reason = "invalid_rate"
	// Duplicate is only produced by a Normalizer with a Deduper.
	Duplicate Reason = "duplicate"
)

// Reasons lists every rejection reason in rule order.
var Reasons = []Reason{MissingBillingCode, NotWhitelisted, InvalidRate}

// Normalize applies the rules in order: reject a missing billing code,
// reject codes outside a non-empty whitelist, reject rates that are absent,
// non-numeric or not positive, then build the record with optional fields
// defaulted and payer stamped.
func Normalize(c mrf.Candidate, whitelist mrf.Set, payer string) (mrf.Record, Reason) {
	code := Clean(c.BillingCode)
	if code == "" {
		return mrf.Record{}, MissingBillingCode
	}
	if !whitelist.Allows(code) {
		return mrf.Record{}, NotWhitelisted
	}
	if !c.Rate.Valid() || c.Rate.Value <= 0 {
		return mrf.Record{}, InvalidRate
	}

	return mrf.Record{
		ServiceCode:     code,
		BillingCodeType: Clean(c.BillingCodeType),
		Description:     Clean(c.Description),
		NegotiatedRate:  c.Rate.Value,
		ServiceCodes:    cleanList(c.ServiceCodes),
		BillingClass:    Clean(c.BillingClass),
		NegotiatedType:  Clean(c.NegotiatedType),
		ExpirationDate:  Clean(c.ExpirationDate),
		ProviderNPI:     optStr(Clean(c.ProviderNPI)),
		ProviderName:    optStr(Clean(c.ProviderName)),
		ProviderTIN:     optStr(Clean(c.ProviderTIN)),
		Payer:           payer,
	}, Accepted
}

// Clean replaces invalid UTF-8, applies NFC and trims surrounding space.
func Clean(s string) string {
	if s == "" {
		return s
	}
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return strings.TrimSpace(norm.NFC.String(s))
}

// cleanList never returns nil so the column is an empty list rather than
// null.
func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = Clean(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func optStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Normalizer binds a whitelist and payer tag for a document and counts
// rejections.
type Normalizer struct {
	whitelist mrf.Set
	payer     string
	dedupe    *Deduper

	accepted int64
	rejected map[Reason]int64
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithDeduper drops records identical to one already accepted.
func WithDeduper(d *Deduper) Option {
	return func(n *Normalizer) { n.dedupe = d }
}

// New returns a Normalizer for payer.
func New(whitelist mrf.Set, payer string, opts ...Option) *Normalizer {
	n := &Normalizer{
		whitelist: whitelist,
		payer:     payer,
		rejected:  make(map[Reason]int64),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Apply normalizes c and records the outcome.
func (n *Normalizer) Apply(c mrf.Candidate) (mrf.Record, Reason) {
	rec, reason := Normalize(c, n.whitelist, n.payer)
	if reason == Accepted && n.dedupe != nil && n.dedupe.SeenAndRecord(rec) {
		reason = Duplicate
	}
	if reason != Accepted {
		n.rejected[reason]++
		return mrf.Record{}, reason
	}
	n.accepted++
	return rec, Accepted
}

// Accepted returns the number of accepted records.
func (n *Normalizer) Accepted() int64 { return n.accepted }

// Rejected returns a copy of the rejection counts by reason.
func (n *Normalizer) Rejected() map[Reason]int64 {
	out := make(map[Reason]int64, len(n.rejected))
	for k, v := range n.rejected {
		out[k] = v
	}
	return out
}

// Payer returns the payer tag stamped on records.
func (n *Normalizer) Payer() string { return n.payer }
