package mrf

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeRefs(t *testing.T, data string) []ProviderReference {
	t.Helper()
	var refs []ProviderReference
	if err := json.Unmarshal([]byte(data), &refs); err != nil {
		t.Fatalf("decode refs: %v", err)
	}
	return refs
}

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		refs string
		want Schema
	}{
		{"absent", `null`, SchemaUnknown},
		{"empty", `[]`, SchemaUnknown},
		{
			"inline groups",
			`[{"provider_group_id":"g1","provider_groups":[{"npi":["111"],"tin":{"type":"ein","value":"12-3"}}]}]`,
			SchemaInlineGroups,
		},
		{
			"location",
			`[{"provider_group_id":"g2","location":"http://x/g2.json"}]`,
			SchemaURLReference,
		},
		{
			"groups without npis fall through to location",
			`[{"provider_group_id":1,"provider_groups":[{"npi":[]}],"location":"http://x/1.json"}]`,
			SchemaURLReference,
		},
		{"neither", `[{"provider_group_id":3}]`, SchemaUnknown},
		{
			"only first entry counts",
			`[{"provider_group_id":1,"location":"http://x"},{"provider_group_id":2,"provider_groups":[{"npi":[1]}]}]`,
			SchemaURLReference,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Detect(decodeRefs(t, tt.refs))
			if got != tt.want {
				t.Errorf("Detect = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	inline := `{"provider_group_id":1,"provider_groups":[{"npi":[111]}]}`
	url := `{"provider_group_id":2,"location":"http://x/2.json"}`
	bare := `{"provider_group_id":3}`

	t.Run("consistent", func(t *testing.T) {
		refs := decodeRefs(t, "["+inline+","+inline+"]")
		if err := Validate(refs, SchemaInlineGroups, 0); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})

	t.Run("mixed", func(t *testing.T) {
		refs := decodeRefs(t, "["+inline+","+url+"]")
		err := Validate(refs, SchemaInlineGroups, 0)
		if !errors.Is(err, ErrMixedSchema) {
			t.Fatalf("err = %v, want ErrMixedSchema", err)
		}
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %T, want *ValidationError", err)
		}
		if got := verr.Mismatched[SchemaURLReference]; len(got) != 1 || got[0] != 1 {
			t.Errorf("mismatched = %v, want [1]", got)
		}
	})

	t.Run("anomaly is not mixed", func(t *testing.T) {
		refs := decodeRefs(t, "["+url+","+bare+"]")
		err := Validate(refs, SchemaURLReference, 0)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("err = %v, want *ValidationError", err)
		}
		if errors.Is(err, ErrMixedSchema) {
			t.Error("anomaly reported as mixed")
		}
		if got := verr.Anomalies(); len(got) != 1 || got[0] != 1 {
			t.Errorf("anomalies = %v, want [1]", got)
		}
		if !strings.Contains(err.Error(), "1 of 2") {
			t.Errorf("message = %q", err.Error())
		}
	})

	t.Run("sample bounds the check", func(t *testing.T) {
		refs := decodeRefs(t, "["+inline+","+url+"]")
		if err := Validate(refs, SchemaInlineGroups, 1); err != nil {
			t.Fatalf("Validate with sample 1: %v", err)
		}
	})

	t.Run("unknown schema", func(t *testing.T) {
		if err := Validate(nil, SchemaUnknown, 0); !errors.Is(err, ErrUnknownSchema) {
			t.Fatalf("err = %v, want ErrUnknownSchema", err)
		}
	})
}

func TestPeek(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want Schema
	}{
		{
			"references first",
			`{"reporting_entity_name":"x","provider_references":[{"provider_group_id":1,"location":"http://x"}],"in_network":[]}`,
			SchemaURLReference,
		},
		{
			"in_network first is skipped",
			`{"in_network":[{"billing_code":"1","negotiated_rates":[{"provider_references":[1]}]}],"provider_references":[{"provider_group_id":1,"provider_groups":[{"npi":[1]}]}]}`,
			SchemaInlineGroups,
		},
		{"no references", `{"in_network":[]}`, SchemaUnknown},
		{"empty references", `{"provider_references":[]}`, SchemaUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Peek(strings.NewReader(tt.doc))
			if err != nil {
				t.Fatalf("Peek: %v", err)
			}
			if got != tt.want {
				t.Errorf("Peek = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPeekRejectsNonObject(t *testing.T) {
	if _, err := Peek(strings.NewReader(`[1,2]`)); err == nil {
		t.Fatal("expected error for array root")
	}
}
