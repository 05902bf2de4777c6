package catalog

import (
	"errors"
	"fmt"
	"iter"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	ErrDuplicate = errors.New("duplicate wrapper identity")
	ErrNotFound  = errors.New("wrapper not found")
)

// Catalog indexes wrapper specs by identity. Registration happens during
// load on a single goroutine; afterwards the catalog is read-only and safe
// for concurrent lookups without coordination.
type Catalog struct {
	root       string
	specs      map[string]Spec
	identities []string
}

func New() *Catalog {
	return &Catalog{specs: map[string]Spec{}}
}

func (c *Catalog) Root() string {
	return c.root
}

func (c *Catalog) Len() int {
	return len(c.identities)
}

func (c *Catalog) Register(spec Spec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}
	if _, exists := c.specs[spec.Identity]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, spec.Identity)
	}
	c.specs[spec.Identity] = spec
	idx := sort.SearchStrings(c.identities, spec.Identity)
	c.identities = append(c.identities, "")
	copy(c.identities[idx+1:], c.identities[idx:])
	c.identities[idx] = spec.Identity
	return nil
}

func (c *Catalog) Lookup(identity string) (Spec, error) {
	spec, ok := c.specs[identity]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrNotFound, identity)
	}
	return spec, nil
}

// Identities yields registered identities matching the prefix in
// lexicographic order. The sequence is lazy and restartable.
func (c *Catalog) Identities(prefix string) iter.Seq[string] {
	return func(yield func(string) bool) {
		start := sort.SearchStrings(c.identities, prefix)
		for _, identity := range c.identities[start:] {
			if !strings.HasPrefix(identity, prefix) {
				return
			}
			if !yield(identity) {
				return
			}
		}
	}
}

// Load discovers every wrapper.toml under root and registers the parsed
// specs. A spec's identity must match its directory path relative to root.
func Load(root string) (*Catalog, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	matches, err := doublestar.Glob(os.DirFS(rootAbs), "**/"+SpecFileName)
	if err != nil {
		return nil, fmt.Errorf("discover wrappers: %w", err)
	}
	sort.Strings(matches)

	cat := New()
	cat.root = rootAbs
	for _, match := range matches {
		// Hidden directories hold the environment store and editor state,
		// never wrappers.
		if inHiddenDir(match) {
			continue
		}
		spec, err := LoadSpec(filepath.Join(rootAbs, filepath.FromSlash(match)))
		if err != nil {
			return nil, err
		}
		wantIdentity := path.Dir(match)
		if wantIdentity == "." {
			return nil, fmt.Errorf("%s at catalogue root: wrappers must live in a subdirectory", SpecFileName)
		}
		if spec.Identity != wantIdentity {
			return nil, fmt.Errorf("%s: identity %q does not match directory %q", match, spec.Identity, wantIdentity)
		}
		if err := cat.Register(spec); err != nil {
			return nil, err
		}
	}
	return cat, nil
}

func inHiddenDir(match string) bool {
	for _, part := range strings.Split(path.Dir(match), "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}
	return false
}
