package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flowcore/datastream/model"
)

func TestLoadDatastreams_ParsesDefinitionsWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datastreams.yml")
	body := []byte(`schema_version: v1
datastreams:
  - name: mirror-orders
    connector_name: kafka-mirror
    source: kafka://src:9092/
    destination: kafka://dst:9092/mirror.%s
    metadata:
      identityPartitioning: "true"
  - name: paused-stream
    connector_name: kafka-mirror
    source: kafka://src:9092/
    destination: kafka://dst:9092/fixed
    status: PAUSED
`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write datastreams.yml: %v", err)
	}

	ds, err := LoadDatastreams(path)
	if err != nil {
		t.Fatalf("LoadDatastreams: %v", err)
	}
	if len(ds) != 2 {
		t.Fatalf("want 2 datastreams, got %d", len(ds))
	}
	if ds[0].Status != model.StatusReady {
		t.Fatalf("want default status READY, got %s", ds[0].Status)
	}
	if !ds[0].IdentityPartitioning() {
		t.Fatal("want identityPartitioning true")
	}
	if ds[1].Status != model.StatusPaused {
		t.Fatalf("want explicit status PAUSED, got %s", ds[1].Status)
	}
}

func TestLoadDatastreams_InvalidSchema(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "datastreams.yml")
	if err := os.WriteFile(path, []byte("schema_version: v2\ndatastreams: []\n"), 0o644); err != nil {
		t.Fatalf("write datastreams.yml: %v", err)
	}
	if _, err := LoadDatastreams(path); err == nil {
		t.Fatal("expected error for invalid schema_version")
	}
}
