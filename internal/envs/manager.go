package envs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/singleflight"
)

var ErrUnresolvable = errors.New("environment unresolvable")

// ResolveError carries the underlying tool's diagnostic when an environment
// cannot be materialized. It matches ErrUnresolvable under errors.Is.
type ResolveError struct {
	Hash       string
	Diagnostic string
	Err        error
}

func (e *ResolveError) Error() string {
	msg := fmt.Sprintf("resolve environment %s: %v", shortHash(e.Hash), e.Err)
	if strings.TrimSpace(e.Diagnostic) != "" {
		msg += "\n" + strings.TrimSpace(e.Diagnostic)
	}
	return msg
}

func (e *ResolveError) Unwrap() error { return e.Err }

func (e *ResolveError) Is(target error) bool { return target == ErrUnresolvable }

// Handle identifies a resolved environment. A zero Dir means the host
// environment.
type Handle struct {
	Hash string
	Dir  string
}

func (h Handle) Host() bool {
	return h.Dir == ""
}

// Environ builds the process environment for a command running inside the
// handle. Isolated environments get their bin directory prepended to PATH.
func (h Handle) Environ() []string {
	env := os.Environ()
	if h.Host() {
		return env
	}
	bin := filepath.Join(h.Dir, "bin")
	out := make([]string, 0, len(env)+2)
	found := false
	for _, kv := range env {
		if strings.HasPrefix(kv, "PATH=") {
			out = append(out, "PATH="+bin+string(os.PathListSeparator)+strings.TrimPrefix(kv, "PATH="))
			found = true
			continue
		}
		out = append(out, kv)
	}
	if !found {
		out = append(out, "PATH="+bin)
	}
	out = append(out, "WRAPBENCH_ENV="+h.Dir)
	return out
}

// Resolver materializes an environment from a descriptor.
type Resolver interface {
	Resolve(ctx context.Context, desc Descriptor) (Handle, error)
}

// Builder materializes one environment prefix from a descriptor. It is the
// only part of the resolver that talks to a package manager.
type Builder interface {
	Build(ctx context.Context, desc Descriptor, prefix string) error
}

// Manager is a content-addressed environment store. Two descriptors with the
// same hash share one prefix under <store>/envs/<hash>; at most one
// materialization runs per distinct hash at a time.
type Manager struct {
	store   string
	builder Builder
	group   singleflight.Group
}

type manifest struct {
	Hash      string   `json:"hash"`
	Channels  []string `json:"channels,omitempty"`
	Packages  []string `json:"packages"`
	CreatedAt string   `json:"created_at"`
}

// Entry describes one materialized environment in the store.
type Entry struct {
	Hash      string
	Dir       string
	Packages  []string
	CreatedAt string
}

func NewManager(store string, builder Builder) *Manager {
	return &Manager{store: store, builder: builder}
}

func (m *Manager) Resolve(ctx context.Context, desc Descriptor) (Handle, error) {
	if desc.Empty() {
		return Handle{}, nil
	}
	hash := desc.Hash()
	result, err, _ := m.group.Do(hash, func() (any, error) {
		return m.materialize(ctx, desc, hash)
	})
	if err != nil {
		return Handle{}, err
	}
	return result.(Handle), nil
}

func (m *Manager) materialize(ctx context.Context, desc Descriptor, hash string) (Handle, error) {
	prefix := m.prefixDir(hash)
	handle := Handle{Hash: hash, Dir: prefix}
	logger := log.FromContext(ctx)

	existing, err := readManifest(prefix)
	if err != nil {
		return Handle{}, err
	}
	if existing != nil && existing.Hash == hash {
		logger.Debug("environment reused", "hash", shortHash(hash))
		return handle, nil
	}

	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	// A stale prefix (interrupted build, manifest mismatch) is rebuilt from
	// scratch rather than repaired.
	if err := os.RemoveAll(prefix); err != nil {
		return Handle{}, err
	}
	if err := os.MkdirAll(prefix, 0o755); err != nil {
		return Handle{}, err
	}

	logger.Debug("materializing environment", "hash", shortHash(hash), "packages", len(desc.Packages))
	if err := m.builder.Build(ctx, desc, prefix); err != nil {
		_ = os.RemoveAll(prefix)
		return Handle{}, err
	}

	if err := writeManifest(prefix, desc, hash); err != nil {
		return Handle{}, err
	}
	return handle, nil
}

// Entries lists materialized environments in hash order.
func (m *Manager) Entries() ([]Entry, error) {
	envsDir := filepath.Join(m.store, "envs")
	dirs, err := os.ReadDir(envsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		prefix := filepath.Join(envsDir, dir.Name())
		mf, err := readManifest(prefix)
		if err != nil || mf == nil {
			continue
		}
		entries = append(entries, Entry{
			Hash:      mf.Hash,
			Dir:       prefix,
			Packages:  mf.Packages,
			CreatedAt: mf.CreatedAt,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Hash < entries[j].Hash })
	return entries, nil
}

// Prune removes store entries whose hash is not in used. It returns the
// removed hashes.
func (m *Manager) Prune(used map[string]bool) ([]string, error) {
	entries, err := m.Entries()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, entry := range entries {
		if used[entry.Hash] {
			continue
		}
		if err := os.RemoveAll(entry.Dir); err != nil {
			return removed, err
		}
		removed = append(removed, entry.Hash)
	}
	return removed, nil
}

func (m *Manager) prefixDir(hash string) string {
	return filepath.Join(m.store, "envs", hash)
}

func manifestPath(prefix string) string {
	return filepath.Join(prefix, "env.json")
}

func readManifest(prefix string) (*manifest, error) {
	data, err := os.ReadFile(manifestPath(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, nil
	}
	return &mf, nil
}

func writeManifest(prefix string, desc Descriptor, hash string) error {
	mf := manifest{
		Hash:      hash,
		Channels:  desc.Channels,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
	for _, pkg := range desc.Packages {
		mf.Packages = append(mf.Packages, pkg.String())
	}
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(manifestPath(prefix), data, 0o644)
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
