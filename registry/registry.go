// Package registry implements the process-wide model catalog described in
// SPEC_FULL.md §4.7: a static (capability_kind, registry_key) -> ModelInfo
// table populated at process start from a YAML file, with typed accessors
// and optional fsnotify-driven hot reload for adding newly-published models
// without a restart.
package registry

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/zoobzio/capitan"
	"gopkg.in/yaml.v3"

	"github.com/inferd/modelpool"
)

// Signal and field keys for registry events, following modelpool's own
// <component>.<event> capitan convention (see signals.go).
const (
	SignalCatalogLoaded  capitan.Signal = "registry.catalog-loaded"
	SignalCatalogReload  capitan.Signal = "registry.catalog-reloaded"
	SignalCatalogInvalid capitan.Signal = "registry.catalog-invalid"
)

var fieldPath = capitan.NewStringKey("path")
var fieldModels = capitan.NewIntKey("model_count")

// catalogEntry is the on-disk shape of one model entry in the YAML catalog.
type catalogEntry struct {
	RegistryKey  string            `yaml:"registry_key"`
	Capability   string            `yaml:"capability"`
	EstMemoryMB  int               `yaml:"est_memory_mb"`
	Quantization string            `yaml:"quantization"`
	Labels       map[string]string `yaml:"labels"`
}

type catalogFile struct {
	Models []catalogEntry `yaml:"models"`
}

// Registry is the process-wide model catalog. Lookups are lock-free reads
// against an atomically-swapped snapshot map, so a hot reload never blocks
// a concurrent Get.
type Registry struct {
	snapshot atomic.Pointer[map[string]modelpool.ModelInfo]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	path    string
}

// New creates an empty registry. Use Load or LoadFile to populate it.
func New() *Registry {
	r := &Registry{}
	empty := map[string]modelpool.ModelInfo{}
	r.snapshot.Store(&empty)
	return r
}

func key(kind modelpool.CapabilityKind, registryKey string) string {
	return string(kind) + "\x00" + registryKey
}

// LoadFile parses a YAML catalog file and atomically replaces the
// registry's contents.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: read catalog: %w", err)
	}
	if err := r.Load(data); err != nil {
		return err
	}
	r.path = path
	capitan.Info(context.TODO(), SignalCatalogLoaded, fieldPath.Field(path))
	return nil
}

// Load parses YAML catalog bytes and atomically replaces the registry's
// contents.
func (r *Registry) Load(data []byte) error {
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		capitan.Warn(context.TODO(), SignalCatalogInvalid, fieldModels.Field(0))
		return fmt.Errorf("registry: parse catalog: %w", err)
	}
	next := make(map[string]modelpool.ModelInfo, len(cf.Models))
	for _, e := range cf.Models {
		info := modelpool.ModelInfo{
			RegistryKey:  e.RegistryKey,
			Capability:   modelpool.CapabilityKind(e.Capability),
			EstMemoryMB:  e.EstMemoryMB,
			Quantization: e.Quantization,
			Labels:       e.Labels,
		}
		next[key(info.Capability, info.RegistryKey)] = info
	}
	r.snapshot.Store(&next)
	return nil
}

// Get looks up a model by capability kind and registry key. It returns
// (info, false) for an unknown key.
func (r *Registry) Get(kind modelpool.CapabilityKind, registryKey string) (modelpool.ModelInfo, bool) {
	snap := *r.snapshot.Load()
	info, ok := snap[key(kind, registryKey)]
	return info, ok
}

// All returns every registered model for a capability kind.
func (r *Registry) All(kind modelpool.CapabilityKind) []modelpool.ModelInfo {
	snap := *r.snapshot.Load()
	out := make([]modelpool.ModelInfo, 0, len(snap))
	for _, info := range snap {
		if info.Capability == kind {
			out = append(out, info)
		}
	}
	return out
}

// WatchReload starts an fsnotify watch on the catalog file most recently
// loaded via LoadFile, reloading the registry whenever the file is
// rewritten. Callers must call Close to stop watching.
func (r *Registry) WatchReload() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.path == "" {
		return fmt.Errorf("registry: WatchReload requires a prior LoadFile")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("registry: create watcher: %w", err)
	}
	if err := w.Add(r.path); err != nil {
		w.Close()
		return fmt.Errorf("registry: watch catalog: %w", err)
	}
	r.watcher = w
	go r.watchLoop(w)
	return nil
}

func (r *Registry) watchLoop(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := r.LoadFile(r.path); err == nil {
				capitan.Info(context.TODO(), SignalCatalogReload, fieldPath.Field(r.path))
			}
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// Close stops any active file watch.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}
