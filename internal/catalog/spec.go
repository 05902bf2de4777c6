package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// SpecFileName is the per-wrapper metadata file discovered at catalogue load.
const SpecFileName = "wrapper.toml"

// ParamSpec declares one named input or output of a wrapper. Flag, when set,
// is emitted before each bound value; a trailing "=" attaches the value to
// the flag as a single token. Stdout marks an output the wrapped tool writes
// to its standard output instead of taking as an argument.
type ParamSpec struct {
	Name     string `toml:"name"`
	Required bool   `toml:"required,omitempty"`
	Multiple bool   `toml:"multiple,omitempty"`
	Flag     string `toml:"flag,omitempty"`
	Stdout   bool   `toml:"stdout,omitempty"`
}

// Spec is one wrapper's declared interface. Immutable once registered.
type Spec struct {
	Identity    string      `toml:"identity"`
	Description string      `toml:"description,omitempty"`
	Authors     []string    `toml:"authors,omitempty"`
	URL         string      `toml:"url,omitempty"`
	Program     []string    `toml:"program"`
	ThreadsFlag string      `toml:"threads_flag,omitempty"`
	AllowExtra  bool        `toml:"allow_extra,omitempty"`
	Environment string      `toml:"environment,omitempty"`
	Inputs      []ParamSpec `toml:"input,omitempty"`
	Outputs     []ParamSpec `toml:"output,omitempty"`

	// Dir is the absolute wrapper directory, set during discovery.
	Dir string `toml:"-"`
}

// EnvironmentPath returns the absolute path of the wrapper's environment
// descriptor, or "" when the wrapper runs in the host environment.
func (s Spec) EnvironmentPath() string {
	if strings.TrimSpace(s.Environment) == "" {
		return ""
	}
	return filepath.Join(s.Dir, s.Environment)
}

func ParseSpec(data []byte) (Spec, error) {
	var spec Spec
	if err := toml.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("parse wrapper spec: %w", err)
	}
	if err := validateSpec(spec); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

func EncodeSpec(spec Spec) ([]byte, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}
	return toml.Marshal(spec)
}

func LoadSpec(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, err
	}
	spec, err := ParseSpec(data)
	if err != nil {
		return Spec{}, fmt.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return Spec{}, err
	}
	spec.Dir = abs
	return spec, nil
}

func validateSpec(spec Spec) error {
	identity := strings.TrimSpace(spec.Identity)
	if identity == "" {
		return errors.New("wrapper spec missing identity")
	}
	if strings.HasPrefix(identity, "/") || strings.HasSuffix(identity, "/") {
		return fmt.Errorf("identity %q must not start or end with /", identity)
	}
	if len(spec.Program) == 0 {
		return fmt.Errorf("wrapper %s declares no program", identity)
	}

	seen := map[string]bool{}
	for _, in := range spec.Inputs {
		if err := checkParamName(identity, "input", in.Name, seen); err != nil {
			return err
		}
		if in.Stdout {
			return fmt.Errorf("wrapper %s: input %s cannot declare stdout", identity, in.Name)
		}
	}
	stdoutCount := 0
	for _, out := range spec.Outputs {
		if err := checkParamName(identity, "output", out.Name, seen); err != nil {
			return err
		}
		if out.Stdout {
			stdoutCount++
			if out.Multiple {
				return fmt.Errorf("wrapper %s: stdout output %s cannot be multiple", identity, out.Name)
			}
		}
	}
	if stdoutCount > 1 {
		return fmt.Errorf("wrapper %s declares more than one stdout output", identity)
	}
	return nil
}

func checkParamName(identity, kind, name string, seen map[string]bool) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("wrapper %s has an unnamed %s", identity, kind)
	}
	if seen[name] {
		return fmt.Errorf("wrapper %s declares %s %s twice", identity, kind, name)
	}
	seen[name] = true
	return nil
}
