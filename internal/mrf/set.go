package mrf

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Set is a string set used for billing-code whitelists and NPI allowlists.
// An empty set filters nothing.
type Set map[string]struct{}

// NewSet builds a set from values, ignoring blanks.
func NewSet(values ...string) Set {
	s := make(Set, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			s[v] = struct{}{}
		}
	}
	return s
}

// Contains reports membership.
func (s Set) Contains(v string) bool {
	_, ok := s[v]
	return ok
}

// Allows reports whether v passes the filter: always true for an empty set.
func (s Set) Allows(v string) bool {
	return len(s) == 0 || s.Contains(v)
}

// LoadSet reads a set from path. Two formats are accepted: plain text with
// one value per line (blank lines and # comments ignored), or a JSON array
// whose elements are scalars or objects carrying the value under key.
func LoadSet(path, key string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read set file: %w", err)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return parseJSONSet(trimmed, key)
	}

	s := make(Set)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		s[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan set file: %w", err)
	}
	return s, nil
}

func parseJSONSet(data []byte, key string) (Set, error) {
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse set file: %w", err)
	}

	s := make(Set, len(entries))
	for i, e := range entries {
		e = bytes.TrimSpace(e)
		if len(e) > 0 && e[0] == '{' {
			var obj map[string]json.RawMessage
			if err := json.Unmarshal(e, &obj); err != nil {
				return nil, fmt.Errorf("parse set entry %d: %w", i, err)
			}
			raw, ok := obj[key]
			if !ok {
				return nil, fmt.Errorf("set entry %d: missing %q", i, key)
			}
			e = raw
		}
		v, err := scalarString(e)
		if err != nil {
			return nil, fmt.Errorf("set entry %d: %w", i, err)
		}
		if v != "" {
			s[v] = struct{}{}
		}
	}
	return s, nil
}
