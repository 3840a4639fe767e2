package objectstore

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	valid := Config{
		Endpoint:        "localhost:9000",
		AccessKey:       "a",
		SecretKey:       "b",
		Region:          "us-east-1",
		BucketResults:   "results",
		BucketPublished: "published",
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() err=%v", err)
	}

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for scheme in endpoint")
	}
	invalid = valid
	invalid.BucketPublished = " "
	if err := invalid.Validate(); err == nil {
		t.Fatalf("Validate() expected error for empty bucket")
	}
}

func TestPutFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "map.kml")
	if err := os.WriteFile(path, []byte("<kml/>"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	store := NewMemoryStore()
	if err := PutFile(context.Background(), store, "published", "repo/map.kml", path, map[string]string{"job-id": "j1"}); err != nil {
		t.Fatalf("put: %v", err)
	}
	obj, ok := store.Stat("published", "repo/map.kml")
	if !ok || obj.ContentType != "application/vnd.google-earth.kml+xml" || obj.Size != 6 || obj.Metadata["job-id"] != "j1" {
		t.Fatalf("unexpected object %+v", obj)
	}
	rc, err := store.Get(context.Background(), "published", "repo/map.kml")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if string(data) != "<kml/>" {
		t.Fatalf("unexpected content %q", data)
	}
	if _, err := store.Get(context.Background(), "published", "missing"); !errors.Is(err, ErrObjectNotFound) {
		t.Fatalf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestContentTypeAndKeys(t *testing.T) {
	cases := map[string]string{
		"grid.nc":       "application/x-netcdf",
		"TABLE.CSV":     "text/csv; charset=utf-8",
		"overlay.kmz":   "application/vnd.google-earth.kmz",
		"run.log":       "text/plain; charset=utf-8",
		"plot.png":      "image/png",
		"core.unknownx": "application/octet-stream",
	}
	for name, want := range cases {
		if got := ContentType(name); got != want {
			t.Fatalf("ContentType(%q) = %q, want %q", name, got, want)
		}
	}
	if got := ResultKey("3c1f0e2d", "grid.nc"); got != "3c1f0e2d/grid.nc" {
		t.Fatalf("ResultKey = %q", got)
	}
	if got := PublishedKey("plaice", "../grid.nc"); got != "plaice/grid.nc" {
		t.Fatalf("PublishedKey = %q", got)
	}
}

func TestNilMinioStore(t *testing.T) {
	var s *MinioStore
	if err := s.EnsureBuckets(context.Background()); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := s.Put(context.Background(), Object{Bucket: "results", Key: "k"}, nil); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}
