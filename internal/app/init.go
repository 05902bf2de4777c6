package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/wrapbench/wrapbench/internal/catalog"
	"github.com/wrapbench/wrapbench/internal/harness"
)

type InitOptions struct {
	Identity string
	Reporter Reporter
}

// Init scaffolds a new wrapper directory: wrapper.toml, environment.yaml,
// tests.toml, and a fixtures directory. The generated files load cleanly so
// `wrapbench test` immediately reports the wrapper's state.
func Init(root string, opts InitOptions) error {
	reporter := ensureReporter(opts.Reporter)

	identity := strings.Trim(strings.TrimSpace(opts.Identity), "/")
	if identity == "" {
		return fmt.Errorf("init requires a wrapper identity like category/tool/action")
	}
	for _, part := range strings.Split(identity, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("invalid identity %q", opts.Identity)
		}
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	dir := filepath.Join(rootAbs, filepath.FromSlash(identity))
	specPath := filepath.Join(dir, catalog.SpecFileName)
	if _, err := os.Stat(specPath); err == nil {
		return fmt.Errorf("wrapper %s already exists", identity)
	} else if !os.IsNotExist(err) {
		return err
	}

	// A wrapper directory cannot nest inside another wrapper: the identity
	// is the directory path, so nesting would make discovery ambiguous.
	if err := checkNesting(rootAbs, identity); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(dir, "fixtures"), 0o755); err != nil {
		return err
	}

	spec := catalog.Spec{
		Identity:    identity,
		Description: "Describe what the wrapped tool does.",
		Program:     []string{"cat"},
		AllowExtra:  true,
		Environment: "environment.yaml",
		Inputs:      []catalog.ParamSpec{{Name: "text", Required: true}},
		Outputs:     []catalog.ParamSpec{{Name: "copy", Required: true, Stdout: true}},
	}
	encoded, err := catalog.EncodeSpec(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(specPath, encoded, 0o644); err != nil {
		return err
	}
	reporter.Info("created " + filepath.Join(identity, catalog.SpecFileName))

	envBody := "channels:\n  - conda-forge\ndependencies: []\n"
	if err := os.WriteFile(filepath.Join(dir, "environment.yaml"), []byte(envBody), 0o644); err != nil {
		return err
	}
	reporter.Info("created " + filepath.Join(identity, "environment.yaml"))

	cases, err := harness.EncodeCases([]harness.Case{{
		Name:    "copies bytes",
		Inputs:  map[string][]string{"text": {"fixtures/hello.txt"}},
		Expect:  map[string]string{"copy": "fixtures/expected.txt"},
		Compare: map[string]string{"copy": "bytes"},
	}})
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, harness.CasesFileName), cases, 0o644); err != nil {
		return err
	}
	reporter.Info("created " + filepath.Join(identity, harness.CasesFileName))

	for name, body := range map[string]string{
		"hello.txt":    "hello",
		"expected.txt": "hello",
	} {
		if err := os.WriteFile(filepath.Join(dir, "fixtures", name), []byte(body), 0o644); err != nil {
			return err
		}
	}
	reporter.Info("created " + filepath.Join(identity, "fixtures"))

	reporter.Info("next steps:")
	reporter.Info("1. Set program and the declared inputs/outputs in wrapper.toml.")
	reporter.Info("2. Pin the tool's packages in environment.yaml.")
	reporter.Info("3. Replace the fixtures and run `wrapbench test " + identity + "`.")
	return nil
}

func checkNesting(rootAbs, identity string) error {
	matches, err := doublestar.Glob(os.DirFS(rootAbs), "**/"+catalog.SpecFileName)
	if err != nil {
		return err
	}
	for _, match := range matches {
		existing := strings.TrimSuffix(match, "/"+catalog.SpecFileName)
		if strings.HasPrefix(identity+"/", existing+"/") || strings.HasPrefix(existing+"/", identity+"/") {
			return fmt.Errorf("identity %s collides with existing wrapper %s", identity, existing)
		}
	}
	return nil
}
