package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/inferd/modelpool"
)

const sampleCatalog = `
models:
  - registry_key: "llama-7b"
    capability: "text-generation"
    est_memory_mb: 8000
    quantization: "q4_0"
    labels:
      family: "llama"
  - registry_key: "clip-vit-b32"
    capability: "image-embedding"
    est_memory_mb: 600
`

func TestRegistry_LoadAndGet(t *testing.T) {
	r := New()
	if err := r.Load([]byte(sampleCatalog)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info, ok := r.Get(modelpool.CapabilityKind("text-generation"), "llama-7b")
	if !ok {
		t.Fatal("expected llama-7b to be found")
	}
	if info.EstMemoryMB != 8000 {
		t.Fatalf("expected est_memory_mb=8000, got %d", info.EstMemoryMB)
	}
	if info.Labels["family"] != "llama" {
		t.Fatalf("expected label family=llama, got %q", info.Labels["family"])
	}
}

func TestRegistry_GetUnknownKeyReturnsFalse(t *testing.T) {
	r := New()
	if err := r.Load([]byte(sampleCatalog)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Get(modelpool.CapabilityKind("text-generation"), "ghost"); ok {
		t.Fatal("expected an unknown key to return false")
	}
}

func TestRegistry_AllFiltersByCapability(t *testing.T) {
	r := New()
	if err := r.Load([]byte(sampleCatalog)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	models := r.All(modelpool.CapabilityKind("image-embedding"))
	if len(models) != 1 {
		t.Fatalf("expected 1 image-embedding model, got %d", len(models))
	}
	if models[0].RegistryKey != "clip-vit-b32" {
		t.Fatalf("expected clip-vit-b32, got %q", models[0].RegistryKey)
	}
}

func TestRegistry_LoadInvalidYAMLReturnsError(t *testing.T) {
	r := New()
	if err := r.Load([]byte("not: [valid yaml")); err == nil {
		t.Fatal("expected an error for malformed YAML")
	}
}

func TestRegistry_LoadReplacesPreviousSnapshotAtomically(t *testing.T) {
	r := New()
	if err := r.Load([]byte(sampleCatalog)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := r.Load([]byte(`models: []`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Get(modelpool.CapabilityKind("text-generation"), "llama-7b"); ok {
		t.Fatal("expected the empty catalog to fully replace the previous one")
	}
}

func TestRegistry_LoadFileAndWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog.yaml")
	if err := os.WriteFile(path, []byte(sampleCatalog), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := New()
	if err := r.LoadFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := r.Get(modelpool.CapabilityKind("text-generation"), "llama-7b"); !ok {
		t.Fatal("expected llama-7b to be loaded from file")
	}

	if err := r.WatchReload(); err != nil {
		t.Fatalf("unexpected error starting watch: %v", err)
	}
	defer r.Close()

	updated := sampleCatalog + `
  - registry_key: "sdxl"
    capability: "text-to-image"
    est_memory_mb: 12000
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get(modelpool.CapabilityKind("text-to-image"), "sdxl"); ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the catalog to hot-reload the newly written model within the deadline")
}

func TestRegistry_WatchReloadWithoutLoadFileErrors(t *testing.T) {
	r := New()
	if err := r.WatchReload(); err == nil {
		t.Fatal("expected WatchReload to require a prior LoadFile")
	}
}
