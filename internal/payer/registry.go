package payer

import (
	"sort"
	"strings"

	"ticmrf/internal/resolver"
)

// Registry maps lower-cased payer tags to handlers. It is filled at startup
// and read-only afterwards.
type Registry struct {
	handlers map[string]Handler
	fetcher  resolver.Fetcher
	filter   PlanFilter
}

// NewRegistry returns an empty registry. Handlers returned by Resolve for
// unregistered tags use fetcher and filter for listing.
func NewRegistry(fetcher resolver.Fetcher, filter PlanFilter) *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		fetcher:  fetcher,
		filter:   filter,
	}
}

// Register adds h under its own tag and every alias.
func (r *Registry) Register(h Handler, aliases ...string) {
	r.handlers[strings.ToLower(h.Tag())] = h
	for _, a := range aliases {
		r.handlers[strings.ToLower(a)] = h
	}
}

// Lookup returns the handler registered for tag.
func (r *Registry) Lookup(tag string) (Handler, bool) {
	h, ok := r.handlers[strings.ToLower(strings.TrimSpace(tag))]
	return h, ok
}

// Resolve returns the handler for tag, or the generic handler when none is
// registered.
func (r *Registry) Resolve(tag string) Handler {
	if h, ok := r.Lookup(tag); ok {
		return h
	}
	return NewBase(strings.ToLower(tag), r.fetcher, r.filter)
}

// Tags returns every registered tag and alias, sorted.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

// Default returns a registry with the built-in handlers.
func Default(fetcher resolver.Fetcher, filter PlanFilter) *Registry {
	r := NewRegistry(fetcher, filter)
	base := func(tag string) Base { return NewBase(tag, fetcher, filter) }

	r.Register(&Centene{Base: base("centene")}, "centene_fidelis", "fidelis", "centene_ambetter")
	r.Register(&BCBSIL{Base: base("bcbs_il")}, "bcbsil", "blue_cross_blue_shield_illinois", "bcbs_la")
	r.Register(&BCBSFL{Base: base("bcbs_fl")}, "florida_blue", "bcbs_mi", "bcbsm")
	r.Register(&UHC{Base: base("uhc_ga")}, "uhc")

	// These payers publish standard files and need only the generic
	// behaviour. They are registered so their aliases resolve to one tag.
	r.Register(base("aetna"), "aetna_florida", "aetna_health_inc")
	r.Register(base("horizon"), "horizon_bcbs", "horizon_healthcare")
	r.Register(base("bcbs_ks"))
	return r
}
