package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"ticmrf/internal/config"
	"ticmrf/internal/sink"
	"ticmrf/internal/stream"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func document(code, npi string) string {
	return `{"reporting_entity_name":"Example","provider_references":[{"provider_group_id":1,"provider_groups":[{"npi":[` + npi + `]}]}],
		"in_network":[{"billing_code":"` + code + `","billing_code_type":"CPT","negotiated_rates":[
			{"provider_references":[1],"negotiated_prices":[{"negotiated_rate":12.5,"negotiated_type":"negotiated"}]}]}]}`
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Payer = "aetna"
	cfg.Sink.Dir = filepath.Join(t.TempDir(), "out")
	return cfg
}

func readRows(t *testing.T, dir string) []sink.Row {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "aetna", "*.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	var rows []sink.Row
	for _, f := range files {
		r, err := parquet.ReadFile[sink.Row](f)
		if err != nil {
			t.Fatalf("read %s: %v", f, err)
		}
		rows = append(rows, r...)
	}
	return rows
}

func TestExtractSingleDocument(t *testing.T) {
	dir := t.TempDir()
	doc := writeFile(t, dir, "rates.json", document("99213", "111"))
	codes := writeFile(t, dir, "codes.txt", "# office visits\n99213\n")

	cfg := testConfig(t)
	cfg.Whitelist = codes
	p, err := New(context.Background(), cfg, WithRunID("run-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	st, err := p.Extract(context.Background(), Document{Location: doc})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if st.Written != 1 || st.Payer != "aetna" {
		t.Errorf("stats = %+v", st)
	}

	rows := readRows(t, cfg.Sink.Dir)
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1", len(rows))
	}
	if rows[0].RunID != "run-1" || rows[0].ServiceCode != "99213" || *rows[0].ProviderNPI != "111" {
		t.Errorf("row = %+v", rows[0])
	}
	if _, err := os.Stat(filepath.Join(cfg.Sink.Dir, "aetna", "batch_0001_run-1.parquet")); err != nil {
		t.Errorf("batch file: %v", err)
	}

	snap := p.Tracker().Snapshot()
	if snap.Finished != 1 || snap.Written != 1 || len(snap.InFlight) != 0 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRunTableOfContents(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.json", document("1", "10"))
	b := writeFile(t, dir, "b.json", document("2", "20"))
	missing := filepath.Join(dir, "missing.json")
	toc := writeFile(t, dir, "toc.json", `{"reporting_entity_name":"Example","reporting_structure":[
		{"reporting_plans":[{"plan_name":"Gold Plan","plan_id_type":"ein","plan_id":"1","plan_market_type":"group"}],
		 "in_network_files":[{"description":"a","location":"`+a+`"},{"description":"missing","location":"`+missing+`"}],
		 "allowed_amount_file":{"description":"oon","location":"`+filepath.Join(dir, "allowed.json")+`"}},
		{"reporting_plans":[{"plan_name":"Silver","plan_id_type":"ein","plan_id":"2","plan_market_type":"group"}],
		 "in_network_files":[{"description":"a again","location":"`+a+`"},{"description":"b","location":"`+b+`"}]}
	]}`)

	cfg := testConfig(t)
	p, err := New(context.Background(), cfg, WithRunID("r"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	sum, err := p.Run(context.Background(), toc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Listed != 5 || sum.Duplicates != 1 || sum.Documents != 3 || sum.Failed != 1 || sum.Written != 2 {
		t.Errorf("summary = %+v", sum)
	}

	var codes []string
	for _, r := range readRows(t, cfg.Sink.Dir) {
		codes = append(codes, r.ServiceCode)
	}
	sort.Strings(codes)
	if strings.Join(codes, ",") != "1,2" {
		t.Errorf("codes = %v", codes)
	}

	var errs int
	for _, res := range p.Tracker().Results() {
		if res.Error != "" {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("failed results = %d, want 1", errs)
	}
}

func TestRunMaxFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.json", document("1", "10"))
	b := writeFile(t, dir, "b.json", document("2", "20"))
	toc := writeFile(t, dir, "toc.json", `{"blobs":[{"url":"`+a+`","name":"a"},{"url":"`+b+`","name":"b"}]}`)

	cfg := testConfig(t)
	cfg.MaxFiles = 1
	cfg.Sink.Output = config.OutputDiscard
	p, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	sum, err := p.Run(context.Background(), toc)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Documents != 1 || sum.Written != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestNewRejectsMissingWhitelist(t *testing.T) {
	cfg := testConfig(t)
	cfg.Whitelist = filepath.Join(t.TempDir(), "nope.txt")
	if _, err := New(context.Background(), cfg); err == nil {
		t.Error("expected error for missing whitelist")
	}
}

type countingRecorder struct {
	stream.Recorder
	started, done, finished int
}

func (c *countingRecorder) DocumentStarted() { c.started++ }
func (c *countingRecorder) DocumentDone()    { c.done++ }

func (c *countingRecorder) DocumentFinished(*stream.Stats, error) { c.finished++ }

func TestTrackerForwardsLifecycle(t *testing.T) {
	rec := &countingRecorder{}
	tr := NewTracker(rec)

	tr.started("a")
	tr.started("b")
	if snap := tr.Snapshot(); len(snap.InFlight) != 2 || snap.InFlight[0] != "a" {
		t.Errorf("in flight = %v", snap.InFlight)
	}
	tr.DocumentFinished(&stream.Stats{Location: "a", Written: 3}, nil)
	tr.abandoned("b", errors.New("boom"))

	snap := tr.Snapshot()
	if len(snap.InFlight) != 0 || snap.Finished != 2 || snap.Failed != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if rec.started != 2 || rec.done != 2 || rec.finished != 2 {
		t.Errorf("recorder = %+v", rec)
	}
}
