package mrf

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestRefIDShapes(t *testing.T) {
	tests := []struct {
		in   string
		want RefID
	}{
		{`"g1"`, "g1"},
		{`12`, "12"},
		{`12.0`, "12"},
		{`1.5`, "1.5"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var id RefID
		if err := json.Unmarshal([]byte(tt.in), &id); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if id != tt.want {
			t.Errorf("RefID(%s) = %q, want %q", tt.in, id, tt.want)
		}
	}

	var id RefID
	if err := json.Unmarshal([]byte(`{"provider_groups":[]}`), &id); err == nil {
		t.Error("expected error for object id")
	}
}

func TestNPIListShapes(t *testing.T) {
	tests := []struct {
		in   string
		want NPIList
	}{
		{`[1234567890, 1098765432]`, NPIList{"1234567890", "1098765432"}},
		{`["111","222"]`, NPIList{"111", "222"}},
		{`1234567890`, NPIList{"1234567890"}},
		{`"111"`, NPIList{"111"}},
		{`[1.23456789e9]`, NPIList{"1234567890"}},
		{`["", null, "333"]`, NPIList{"333"}},
		{`null`, nil},
	}
	for _, tt := range tests {
		var got NPIList
		if err := json.Unmarshal([]byte(tt.in), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("NPIList(%s) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestServiceCodeString(t *testing.T) {
	var p NegotiatedPrice
	if err := json.Unmarshal([]byte(`{"negotiated_rate":10,"service_code":"11"}`), &p); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual([]string(p.ServiceCode), []string{"11"}) {
		t.Errorf("service_code = %v, want [11]", p.ServiceCode)
	}
}

func TestTINShapes(t *testing.T) {
	var g ProviderGroup
	if err := json.Unmarshal([]byte(`{"npi":[1],"tin":{"type":"ein","value":123456789,"business_name":"ACME"}}`), &g); err != nil {
		t.Fatal(err)
	}
	if g.TIN.Type != "ein" || g.TIN.Value != "123456789" || g.TIN.BusinessName != "ACME" {
		t.Errorf("tin = %+v", g.TIN)
	}
	if g.DisplayName() != "ACME" {
		t.Errorf("DisplayName = %q, want ACME", g.DisplayName())
	}

	if err := json.Unmarshal([]byte(`{"npi":[1],"tin":"98-765","provider_group_name":"Group B"}`), &g); err != nil {
		t.Fatal(err)
	}
	if g.TIN.Value != "98-765" || g.TIN.Type != "" {
		t.Errorf("tin = %+v, want bare value", g.TIN)
	}
	if g.DisplayName() != "Group B" {
		t.Errorf("DisplayName = %q, want Group B", g.DisplayName())
	}
}

func TestRateShapes(t *testing.T) {
	tests := []struct {
		in      string
		present bool
		numeric bool
		value   float64
	}{
		{`85.5`, true, true, 85.5},
		{`"85.50"`, true, true, 85.5},
		{`"$12"`, true, true, 12},
		{`0`, true, true, 0},
		{`-5`, true, true, -5},
		{`"n/a"`, true, false, 0},
		{`"NaN"`, true, false, 0},
		{`{}`, true, false, 0},
		{`null`, false, false, 0},
	}
	for _, tt := range tests {
		var r Rate
		if err := json.Unmarshal([]byte(tt.in), &r); err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if r.Present != tt.present || r.Numeric != tt.numeric || r.Value != tt.value {
			t.Errorf("Rate(%s) = %+v, want present=%v numeric=%v value=%v",
				tt.in, r, tt.present, tt.numeric, tt.value)
		}
	}

	var p NegotiatedPrice
	if err := json.Unmarshal([]byte(`{"negotiated_type":"negotiated"}`), &p); err != nil {
		t.Fatal(err)
	}
	if p.NegotiatedRate.Present {
		t.Error("absent rate reported present")
	}
}

func TestBillingCodeNumber(t *testing.T) {
	var item InNetworkItem
	if err := json.Unmarshal([]byte(`{"billing_code":99213,"billing_code_type_version":2024}`), &item); err != nil {
		t.Fatal(err)
	}
	if item.BillingCode != "99213" || item.BillingCodeTypeVersion != "2024" {
		t.Errorf("item = %+v", item)
	}
}
