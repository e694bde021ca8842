package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"ticmrf/internal/mrf"
)

type mapIndex map[mrf.RefID][]mrf.ProviderGroup

func (m mapIndex) Resolve(id mrf.RefID) ([]mrf.ProviderGroup, error) {
	if g, ok := m[id]; ok {
		return g, nil
	}
	return nil, errors.New("unresolved")
}

func item(t *testing.T, data string) *mrf.InNetworkItem {
	t.Helper()
	var it mrf.InNetworkItem
	if err := json.Unmarshal([]byte(data), &it); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	return &it
}

func collect(t *testing.T, s Strategy, it *mrf.InNetworkItem, idx ProviderIndex, whitelist mrf.Set) ([]mrf.Candidate, Tally) {
	t.Helper()
	var out []mrf.Candidate
	tally, err := s.Extract(it, idx, whitelist, func(c mrf.Candidate) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return out, tally
}

func TestInlineGroupsSingleProvider(t *testing.T) {
	idx := mapIndex{"g1": {{NPI: mrf.NPIList{"111"}, TIN: mrf.TIN{Type: "ein", Value: "12-3"}}}}
	it := item(t, `{"billing_code":"99213","billing_code_type":"CPT","description":"Office visit",
		"negotiated_rates":[{"provider_references":["g1"],
		"negotiated_prices":[{"negotiated_type":"negotiated","negotiated_rate":85.50,"billing_class":"professional","service_code":["11"]}]}]}`)

	got, tally := collect(t, InlineGroups(), it, idx, mrf.NewSet("99213"))
	if len(got) != 1 {
		t.Fatalf("candidates = %d, want 1", len(got))
	}
	c := got[0]
	if c.ProviderNPI != "111" || c.ProviderTIN != "12-3" || c.ProviderTINType != "ein" {
		t.Errorf("provider = %q/%q/%q", c.ProviderNPI, c.ProviderTIN, c.ProviderTINType)
	}
	if c.Rate.Value != 85.5 || c.BillingCode != "99213" || c.ProviderReference != "g1" {
		t.Errorf("candidate = %+v", c)
	}
	if tally.Candidates != 1 {
		t.Errorf("tally = %+v", tally)
	}
}

func TestFanOut(t *testing.T) {
	idx := mapIndex{
		"a": {{NPI: mrf.NPIList{"1", "2", "3"}}},
		"b": {{NPI: mrf.NPIList{"4"}}, {NPI: mrf.NPIList{"5"}}},
	}
	it := item(t, `{"billing_code":"99214","negotiated_rates":[{"provider_references":[ "a", "b" ],
		"negotiated_prices":[{"negotiated_rate":10},{"negotiated_rate":20}]}]}`)

	got, _ := collect(t, URLReference(), it, idx, nil)
	if len(got) != 10 {
		t.Fatalf("candidates = %d, want 5 NPIs x 2 prices", len(got))
	}

	var order []string
	for _, c := range got {
		order = append(order, fmt.Sprintf("%g/%s", c.Rate.Value, c.ProviderNPI))
	}
	want := []string{"10/1", "10/2", "10/3", "10/4", "10/5", "20/1", "20/2", "20/3", "20/4", "20/5"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestRateGroupInlineProviderGroups(t *testing.T) {
	it := item(t, `{"billing_code":"A1","negotiated_rates":[{
		"provider_groups":[{"npi":[111,222],"tin":"99-1","name":"Clinic"}],
		"negotiated_prices":[{"negotiated_rate":"42.00"}]}]}`)

	got, _ := collect(t, ForSchema(mrf.SchemaUnknown), it, nil, nil)
	if len(got) != 2 {
		t.Fatalf("candidates = %d, want 2", len(got))
	}
	if got[0].ProviderName != "Clinic" || got[1].ProviderTIN != "99-1" {
		t.Errorf("candidates = %+v", got)
	}
	if got[0].ProviderReference != "" {
		t.Errorf("reference = %q, want empty for inline groups", got[0].ProviderReference)
	}
}

func TestAnomaliesAreCounted(t *testing.T) {
	idx := mapIndex{"ok": {{NPI: mrf.NPIList{"1"}}}}
	tests := []struct {
		name  string
		item  string
		count int
		check func(Tally) bool
	}{
		{
			name:  "unresolved reference yields nothing",
			item:  `{"billing_code":"1","negotiated_rates":[{"provider_references":["gone"],"negotiated_prices":[{"negotiated_rate":5}]}]}`,
			check: func(t Tally) bool { return t.UnresolvedRefs == 1 && t.ProviderlessGroups == 1 },
		},
		{
			name:  "price without rate is skipped",
			item:  `{"billing_code":"1","negotiated_rates":[{"provider_references":["ok"],"negotiated_prices":[{"negotiated_type":"fee"},{"negotiated_rate":"n/a"},{"negotiated_rate":7}]}]}`,
			count: 1,
			check: func(t Tally) bool { return t.MalformedPrices == 2 },
		},
		{
			name:  "rate group without prices",
			item:  `{"billing_code":"1","negotiated_rates":[{"provider_references":["ok"]},{"provider_references":["ok"],"negotiated_prices":[{"negotiated_rate":1}]}]}`,
			count: 1,
			check: func(t Tally) bool { return t.EmptyRateGroups == 1 },
		},
		{
			name:  "partial resolution keeps resolved providers",
			item:  `{"billing_code":"1","negotiated_rates":[{"provider_references":["gone","ok"],"negotiated_prices":[{"negotiated_rate":1}]}]}`,
			count: 1,
			check: func(t Tally) bool { return t.UnresolvedRefs == 1 && t.ProviderlessGroups == 0 },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, tally := collect(t, URLReference(), item(t, tt.item), idx, nil)
			if len(got) != tt.count {
				t.Errorf("candidates = %d, want %d", len(got), tt.count)
			}
			if !tt.check(tally) {
				t.Errorf("tally = %+v", tally)
			}
		})
	}
}

func TestWhitelistSkipsItem(t *testing.T) {
	idx := mapIndex{"ok": {{NPI: mrf.NPIList{"1"}}}}
	it := item(t, `{"billing_code":"70450","negotiated_rates":[{"provider_references":["ok"],"negotiated_prices":[{"negotiated_rate":1}]}]}`)

	got, tally := collect(t, InlineGroups(), it, idx, mrf.NewSet("99213"))
	if len(got) != 0 || tally.NotWhitelisted != 1 {
		t.Errorf("candidates = %d, tally = %+v", len(got), tally)
	}
}

func TestNPIFilter(t *testing.T) {
	idx := mapIndex{"ok": {{NPI: mrf.NPIList{"1", "2", "3"}}}}
	it := item(t, `{"billing_code":"1","negotiated_rates":[{"provider_references":["ok"],"negotiated_prices":[{"negotiated_rate":1}]}]}`)

	got, tally := collect(t, InlineGroups(WithNPIFilter(mrf.NewSet("2"))), it, idx, nil)
	if len(got) != 1 || got[0].ProviderNPI != "2" {
		t.Errorf("candidates = %+v", got)
	}
	if tally.FilteredNPIs != 2 {
		t.Errorf("filtered = %d, want 2", tally.FilteredNPIs)
	}
}

func TestEmitErrorStops(t *testing.T) {
	idx := mapIndex{"ok": {{NPI: mrf.NPIList{"1", "2"}}}}
	it := item(t, `{"billing_code":"1","negotiated_rates":[{"provider_references":["ok"],"negotiated_prices":[{"negotiated_rate":1}]}]}`)

	boom := errors.New("sink full")
	calls := 0
	_, err := InlineGroups().Extract(it, idx, nil, func(mrf.Candidate) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Errorf("err = %v, calls = %d", err, calls)
	}
}

func TestForSchema(t *testing.T) {
	for _, s := range []mrf.Schema{mrf.SchemaInlineGroups, mrf.SchemaURLReference, mrf.SchemaUnknown} {
		if got := ForSchema(s).Schema(); got != s {
			t.Errorf("ForSchema(%s).Schema() = %s", s, got)
		}
	}
}

func TestMalformedRateGroupKeepsSiblings(t *testing.T) {
	idx := mapIndex{"g1": {{NPI: mrf.NPIList{"111"}}}}
	it := item(t, `{"billing_code":"99213","negotiated_rates":[
		{"provider_references":[{"bogus":true}],"negotiated_prices":[{"negotiated_rate":1}]},
		{"provider_references":["g1"],"negotiated_prices":[{"negotiated_rate":85.50}]}]}`)

	got, tally := collect(t, InlineGroups(), it, idx, nil)
	if len(got) != 1 || got[0].Rate.Value != 85.5 {
		t.Fatalf("candidates = %+v, want one at 85.5", got)
	}
	if tally.MalformedRateGroups != 1 || tally.Candidates != 1 {
		t.Errorf("tally = %+v", tally)
	}

	_, tally = collect(t, InlineGroups(), it, idx, mrf.NewSet("00000"))
	if tally.MalformedRateGroups != 0 || tally.NotWhitelisted != 1 {
		t.Errorf("whitelisted-out tally = %+v", tally)
	}
}
