// Package harness exercises registered wrappers against fixed fixtures and
// verifies their outputs. A harness run always completes and produces a
// report; failures become rows, never panics.
package harness

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/wrapbench/wrapbench/internal/catalog"
)

// CasesFileName sits next to wrapper.toml and declares the wrapper's test
// cases. Fixture paths are relative to the wrapper directory; output paths
// are relative to the per-case work directory.
const CasesFileName = "tests.toml"

type Case struct {
	Name    string              `toml:"name"`
	Inputs  map[string][]string `toml:"inputs"`
	Outputs map[string][]string `toml:"outputs,omitempty"`
	Extra   string              `toml:"extra,omitempty"`
	Threads int                 `toml:"threads,omitempty"`
	Expect  map[string]string   `toml:"expect"`
	Compare map[string]string   `toml:"compare,omitempty"`
}

type casesFile struct {
	Cases []Case `toml:"case"`
}

// LoadCases reads the wrapper's declared test cases. A wrapper without a
// cases file has zero cases; the runner flags it untested.
func LoadCases(spec catalog.Spec) ([]Case, error) {
	data, err := os.ReadFile(filepath.Join(spec.Dir, CasesFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var file casesFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", spec.Identity, CasesFileName, err)
	}
	for i := range file.Cases {
		if strings.TrimSpace(file.Cases[i].Name) == "" {
			file.Cases[i].Name = fmt.Sprintf("case-%d", i+1)
		}
	}
	return file.Cases, nil
}

// EncodeCases serializes cases back to the on-disk form.
func EncodeCases(cases []Case) ([]byte, error) {
	return toml.Marshal(casesFile{Cases: cases})
}
