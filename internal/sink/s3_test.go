package sink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestS3UploaderPutsObject(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		method, path = r.Method, r.URL.Path
		mu.Unlock()
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	local := filepath.Join(t.TempDir(), "batch_0001_r.parquet")
	if err := os.WriteFile(local, []byte("PAR1"), 0o644); err != nil {
		t.Fatal(err)
	}

	u, err := NewS3Uploader(context.Background(), S3Config{
		Bucket:          "rates",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("NewS3Uploader: %v", err)
	}
	if err := u.Upload(context.Background(), local, "mrf/batch_0001_r.parquet"); err != nil {
		t.Fatalf("Upload: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if method != http.MethodPut || path != "/rates/mrf/batch_0001_r.parquet" {
		t.Errorf("request = %s %s", method, path)
	}
}

func TestS3UploaderRequiresBucket(t *testing.T) {
	if _, err := NewS3Uploader(context.Background(), S3Config{}); err == nil {
		t.Error("expected error without bucket")
	}
}
