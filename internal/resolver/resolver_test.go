package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ticmrf/internal/mrf"
	"ticmrf/internal/source"
)

// mapFetcher serves fixed bodies and counts calls per location.
type mapFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	calls  map[string]int
	delay  time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func newMapFetcher(bodies map[string]string) *mapFetcher {
	return &mapFetcher{bodies: bodies, calls: make(map[string]int)}
}

func (f *mapFetcher) Open(ctx context.Context, loc string) (io.ReadCloser, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls[loc]++
	body, ok := f.bodies[loc]
	f.mu.Unlock()
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func refs(t *testing.T, data string) []mrf.ProviderReference {
	t.Helper()
	var out []mrf.ProviderReference
	if err := json.Unmarshal([]byte(data), &out); err != nil {
		t.Fatalf("decode refs: %v", err)
	}
	return out
}

func npis(groups []mrf.ProviderGroup) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g.NPI...)
	}
	return out
}

func TestBuildInline(t *testing.T) {
	r := New(nil)
	err := r.Build(context.Background(), refs(t,
		`[{"provider_group_id":"g1","provider_groups":[{"npi":["111"],"tin":{"type":"ein","value":"12-3"}}]}]`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	groups, err := r.Resolve("g1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := npis(groups); len(got) != 1 || got[0] != "111" {
		t.Errorf("npis = %v, want [111]", got)
	}
	if groups[0].TIN.Value != "12-3" {
		t.Errorf("tin = %q, want 12-3", groups[0].TIN.Value)
	}

	if _, err := r.Resolve("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Resolve(missing) err = %v, want ErrNotFound", err)
	}
}

func TestBuildFetchesLocations(t *testing.T) {
	f := newMapFetcher(map[string]string{
		"http://x/g2.json":     `{"provider_groups":[{"npi":["222","333"]}]}`,
		"http://x/shared.json": `{"provider_groups":[{"npi":[444]}]}`,
		"http://x/bad.json":    `{"provider_groups":`,
		"http://x/empty.json":  `{}`,
	})
	r := New(f)
	err := r.Build(context.Background(), refs(t, `[
		{"provider_group_id":"g2","location":"http://x/g2.json"},
		{"provider_group_id":"s1","location":"http://x/shared.json"},
		{"provider_group_id":"s2","location":"http://x/shared.json"},
		{"provider_group_id":"b","location":"http://x/bad.json"},
		{"provider_group_id":"e","location":"http://x/empty.json"},
		{"provider_group_id":"gone","location":"http://x/404.json"},
		{"provider_group_id":"bare"}
	]`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	groups, err := r.Resolve("g2")
	if err != nil {
		t.Fatalf("Resolve(g2): %v", err)
	}
	if got := npis(groups); len(got) != 2 || got[0] != "222" || got[1] != "333" {
		t.Errorf("g2 npis = %v, want [222 333]", got)
	}

	for _, id := range []mrf.RefID{"s1", "s2"} {
		groups, err := r.Resolve(id)
		if err != nil || len(groups) != 1 {
			t.Errorf("Resolve(%s) = %v, %v", id, groups, err)
		}
	}
	if f.calls["http://x/shared.json"] != 1 {
		t.Errorf("shared location fetched %d times, want 1", f.calls["http://x/shared.json"])
	}

	for _, id := range []mrf.RefID{"b", "e", "gone", "bare"} {
		_, err := r.Resolve(id)
		var uerr *UnresolvedError
		if !errors.As(err, &uerr) {
			t.Errorf("Resolve(%s) err = %v, want *UnresolvedError", id, err)
		}
	}
	if _, err := r.Resolve("gone"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Resolve(gone) err = %v, want wrapped fetch error", err)
	}
	if _, err := r.Resolve("bare"); !errors.Is(err, ErrNoProviderData) {
		t.Errorf("Resolve(bare) err = %v, want ErrNoProviderData", err)
	}

	st := r.Stats()
	if st.Locations != 5 || st.Fetched != 2 || st.FetchFailed != 3 || st.Anomalies != 1 {
		t.Errorf("stats = %+v", st)
	}
	if got := r.Unresolved(); len(got) != 4 {
		t.Errorf("unresolved = %v, want 4 ids", got)
	}
}

func TestFetchedReferencesMatchByID(t *testing.T) {
	f := newMapFetcher(map[string]string{
		"http://x/many.json": `{"provider_references":[
			{"provider_group_id":1,"provider_groups":[{"npi":[111]}]},
			{"provider_group_id":2,"provider_groups":[{"npi":[222]}]}]}`,
		"http://x/one.json": `{"provider_references":[{"provider_group_id":77,"provider_groups":[{"npi":[777]}]}]}`,
	})
	r := New(f)
	err := r.Build(context.Background(), refs(t, `[
		{"provider_group_id":1,"location":"http://x/many.json"},
		{"provider_group_id":9,"location":"http://x/many.json"},
		{"provider_group_id":"s","location":"http://x/one.json"}
	]`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	groups, err := r.Resolve("1")
	if got := npis(groups); err != nil || len(got) != 1 || got[0] != "111" {
		t.Errorf("Resolve(1) = %v, %v, want [111]", got, err)
	}
	if _, err := r.Resolve("9"); !errors.Is(err, ErrNoProviderData) {
		t.Errorf("Resolve(9) err = %v, want ErrNoProviderData", err)
	}
	groups, err = r.Resolve("s")
	if got := npis(groups); err != nil || len(got) != 1 || got[0] != "777" {
		t.Errorf("Resolve(s) = %v, %v, want [777]", got, err)
	}
}

func TestBuildBoundsConcurrency(t *testing.T) {
	bodies := make(map[string]string)
	var list []string
	for i := 0; i < 12; i++ {
		loc := "http://x/" + string(rune('a'+i)) + ".json"
		bodies[loc] = `{"provider_groups":[{"npi":[1]}]}`
		list = append(list, `{"provider_group_id":"`+string(rune('a'+i))+`","location":"`+loc+`"}`)
	}
	f := newMapFetcher(bodies)
	f.delay = 20 * time.Millisecond

	r := New(f, WithConcurrency(3))
	if err := r.Build(context.Background(), refs(t, "["+strings.Join(list, ",")+"]")); err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got := f.maxActive.Load(); got > 3 {
		t.Errorf("max concurrent fetches = %d, want <= 3", got)
	}
	if st := r.Stats(); st.Fetched != 12 {
		t.Errorf("fetched = %d, want 12", st.Fetched)
	}
}

func TestFetchTimeoutLeavesOtherEntries(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/slow.json" {
			select {
			case <-release:
			case <-req.Context().Done():
			}
			return
		}
		w.Write([]byte(`{"provider_groups":[{"npi":["222"]}]}`))
	}))
	defer srv.Close()
	defer close(release)

	r := New(source.New(source.WithRetries(1)), WithFetchTimeout(100*time.Millisecond))
	err := r.Build(context.Background(), refs(t, `[
		{"provider_group_id":1,"provider_groups":[{"npi":[111]}]},
		{"provider_group_id":2,"location":"`+srv.URL+`/fast.json"},
		{"provider_group_id":3,"location":"`+srv.URL+`/slow.json"}
	]`))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if _, err := r.Resolve("1"); err != nil {
		t.Errorf("inline entry lost: %v", err)
	}
	if _, err := r.Resolve("2"); err != nil {
		t.Errorf("fast entry lost: %v", err)
	}
	if _, err := r.Resolve("3"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Resolve(3) err = %v, want deadline exceeded", err)
	}
}

func TestMergeExternal(t *testing.T) {
	f := newMapFetcher(map[string]string{
		"http://x/refs.json": `{"version":"1.0","provider_references":[
			{"provider_group_id":7,"provider_groups":[{"npi":[700]}]},
			{"provider_group_id":8,"provider_groups":[{"npi":[800]}]}
		]}`,
		"http://x/array.json": `[{"provider_group_id":9,"provider_groups":[{"npi":[900]}]}]`,
	})
	r := New(f)
	ctx := context.Background()
	if err := r.MergeExternal(ctx, "http://x/refs.json"); err != nil {
		t.Fatalf("MergeExternal: %v", err)
	}
	if err := r.MergeExternal(ctx, "http://x/array.json"); err != nil {
		t.Fatalf("MergeExternal array: %v", err)
	}
	if err := r.Build(ctx, refs(t, `[{"provider_group_id":8,"provider_groups":[{"npi":[801]}]}]`)); err != nil {
		t.Fatalf("Build: %v", err)
	}

	tests := []struct {
		id   mrf.RefID
		want string
	}{
		{"7", "700"},
		{"8", "801"},
		{"9", "900"},
	}
	for _, tt := range tests {
		groups, err := r.Resolve(tt.id)
		if err != nil {
			t.Fatalf("Resolve(%s): %v", tt.id, err)
		}
		if got := npis(groups); len(got) != 1 || got[0] != tt.want {
			t.Errorf("Resolve(%s) npis = %v, want [%s]", tt.id, got, tt.want)
		}
	}
	if st := r.Stats(); st.External != 3 {
		t.Errorf("external = %d, want 3", st.External)
	}

	if err := r.MergeExternal(ctx, "http://x/missing.json"); err == nil {
		t.Error("expected error for missing external document")
	}
}

func TestResolversDoNotShareState(t *testing.T) {
	ctx := context.Background()
	first := New(nil)
	if err := first.Build(ctx, refs(t, `[{"provider_group_id":1,"provider_groups":[{"npi":[111]}]}]`)); err != nil {
		t.Fatal(err)
	}
	second := New(nil)
	if err := second.Build(ctx, refs(t, `[{"provider_group_id":1,"provider_groups":[{"npi":[999]}]}]`)); err != nil {
		t.Fatal(err)
	}

	a, _ := first.Resolve("1")
	b, _ := second.Resolve("1")
	if npis(a)[0] != "111" || npis(b)[0] != "999" {
		t.Errorf("first = %v, second = %v", npis(a), npis(b))
	}
}
