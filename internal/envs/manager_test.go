package envs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingBuilder struct {
	builds atomic.Int64
	delay  time.Duration
	fail   bool
}

func (b *countingBuilder) Build(ctx context.Context, desc Descriptor, prefix string) error {
	b.builds.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fail {
		return &ResolveError{Hash: desc.Hash(), Diagnostic: "no candidates for pigz =99", Err: ErrUnresolvable}
	}
	return os.MkdirAll(filepath.Join(prefix, "bin"), 0o755)
}

func testDescriptor() Descriptor {
	return Descriptor{
		Channels: []string{"conda-forge"},
		Packages: []Package{{Name: "pigz", Constraint: "=2.3.4"}},
	}
}

func TestResolveReusesMaterializedEnvironment(t *testing.T) {
	builder := &countingBuilder{}
	manager := NewManager(t.TempDir(), builder)
	desc := testDescriptor()

	first, err := manager.Resolve(context.Background(), desc)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	second, err := manager.Resolve(context.Background(), desc)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical handles, got %v and %v", first, second)
	}
	if got := builder.builds.Load(); got != 1 {
		t.Fatalf("expected 1 materialization, got %d", got)
	}
}

func TestResolveSerializesConcurrentMaterialization(t *testing.T) {
	builder := &countingBuilder{delay: 50 * time.Millisecond}
	manager := NewManager(t.TempDir(), builder)
	desc := testDescriptor()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = manager.Resolve(context.Background(), desc)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("resolve %d: %v", i, err)
		}
	}
	if got := builder.builds.Load(); got != 1 {
		t.Fatalf("expected a single materialization across concurrent resolves, got %d", got)
	}
}

func TestResolveEmptyDescriptorUsesHost(t *testing.T) {
	builder := &countingBuilder{}
	manager := NewManager(t.TempDir(), builder)

	handle, err := manager.Resolve(context.Background(), Descriptor{})
	if err != nil {
		t.Fatalf("resolve empty descriptor: %v", err)
	}
	if !handle.Host() {
		t.Fatalf("expected the host handle, got %v", handle)
	}
	if got := builder.builds.Load(); got != 0 {
		t.Fatalf("expected no materialization for the host environment, got %d", got)
	}
}

func TestResolveSurfacesBuilderDiagnostic(t *testing.T) {
	builder := &countingBuilder{fail: true}
	manager := NewManager(t.TempDir(), builder)

	_, err := manager.Resolve(context.Background(), testDescriptor())
	if !errors.Is(err, ErrUnresolvable) {
		t.Fatalf("expected ErrUnresolvable, got %v", err)
	}
	var resolveErr *ResolveError
	if !errors.As(err, &resolveErr) {
		t.Fatalf("expected a ResolveError, got %T", err)
	}
	if resolveErr.Diagnostic == "" {
		t.Fatalf("expected the builder diagnostic to be attached")
	}
}

func TestResolveRebuildsOnManifestMismatch(t *testing.T) {
	builder := &countingBuilder{}
	store := t.TempDir()
	manager := NewManager(store, builder)
	desc := testDescriptor()

	if _, err := manager.Resolve(context.Background(), desc); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	// Corrupt the manifest; the next resolve must re-materialize.
	prefix := manager.prefixDir(desc.Hash())
	if err := os.WriteFile(manifestPath(prefix), []byte(`{"hash":"bogus"}`), 0o644); err != nil {
		t.Fatalf("corrupt manifest: %v", err)
	}
	if _, err := manager.Resolve(context.Background(), desc); err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if got := builder.builds.Load(); got != 2 {
		t.Fatalf("expected a rebuild after manifest mismatch, got %d builds", got)
	}
}

func TestPruneRemovesUnusedEntries(t *testing.T) {
	builder := &countingBuilder{}
	manager := NewManager(t.TempDir(), builder)
	keep := testDescriptor()
	drop := Descriptor{Packages: []Package{{Name: "bwa", Constraint: "=0.7.17"}}}

	if _, err := manager.Resolve(context.Background(), keep); err != nil {
		t.Fatalf("resolve keep: %v", err)
	}
	if _, err := manager.Resolve(context.Background(), drop); err != nil {
		t.Fatalf("resolve drop: %v", err)
	}

	removed, err := manager.Prune(map[string]bool{keep.Hash(): true})
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if len(removed) != 1 || removed[0] != drop.Hash() {
		t.Fatalf("expected only the unused entry to be pruned, got %v", removed)
	}
	entries, err := manager.Entries()
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Hash != keep.Hash() {
		t.Fatalf("expected one remaining entry, got %v", entries)
	}
}
