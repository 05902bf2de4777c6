package harness

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wrapbench/wrapbench/internal/bind"
	"github.com/wrapbench/wrapbench/internal/catalog"
	"github.com/wrapbench/wrapbench/internal/envs"
	"github.com/wrapbench/wrapbench/internal/invoke"
)

const echoWrapper = `identity = "demo/echo"
description = "Copy a text file byte for byte."
program = ["cat"]

[[input]]
name = "text"
required = true

[[output]]
name = "copy"
required = true
stdout = true
`

func writeCatalogueFile(t *testing.T, root, rel, body string) {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", rel, err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func echoCatalogue(t *testing.T, expected string) *catalog.Catalog {
	t.Helper()
	root := t.TempDir()
	writeCatalogueFile(t, root, "demo/echo/wrapper.toml", echoWrapper)
	writeCatalogueFile(t, root, "demo/echo/fixtures/hello.txt", "hello")
	writeCatalogueFile(t, root, "demo/echo/fixtures/expected.txt", expected)
	writeCatalogueFile(t, root, "demo/echo/tests.toml", `[[case]]
name = "copies bytes"

[case.inputs]
text = ["fixtures/hello.txt"]

[case.expect]
copy = "fixtures/expected.txt"

[case.compare]
copy = "bytes"
`)
	cat, err := catalog.Load(root)
	if err != nil {
		t.Fatalf("load catalogue: %v", err)
	}
	return cat
}

func newRunner(t *testing.T, cat *catalog.Catalog) *Runner {
	t.Helper()
	return &Runner{
		Catalog:  cat,
		Resolver: envs.NewManager(t.TempDir(), envs.CommandBuilder{}),
		Engine:   &invoke.Engine{},
	}
}

func TestRunnerPassesMatchingFixture(t *testing.T) {
	runner := newRunner(t, echoCatalogue(t, "hello"))
	report, err := runner.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("run harness: %v", err)
	}
	if len(report.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(report.Results))
	}
	result := report.Results[0]
	if result.Status != StatusPass {
		t.Fatalf("expected pass, got %s (%s)", result.Status, result.Detail)
	}
	if !report.Ok() {
		t.Fatalf("expected the report to be ok")
	}
}

func TestRunnerReportsMismatchWithDiff(t *testing.T) {
	runner := newRunner(t, echoCatalogue(t, "HELLO"))
	report, err := runner.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("run harness: %v", err)
	}
	result := report.Results[0]
	if result.Status != StatusMismatch {
		t.Fatalf("expected mismatch, got %s (%s)", result.Status, result.Detail)
	}
	if result.Diff == "" {
		t.Fatalf("expected a diff preview")
	}
	if report.Ok() {
		t.Fatalf("expected a mismatch to fail the report")
	}
}

func TestRunnerFlagsUntestedWrappers(t *testing.T) {
	root := t.TempDir()
	writeCatalogueFile(t, root, "demo/echo/wrapper.toml", echoWrapper)
	cat, err := catalog.Load(root)
	if err != nil {
		t.Fatalf("load catalogue: %v", err)
	}

	runner := newRunner(t, cat)
	report, err := runner.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("run harness: %v", err)
	}
	if len(report.Results) != 1 || report.Results[0].Status != StatusUntested {
		t.Fatalf("expected an untested row, got %+v", report.Results)
	}
	if !report.Ok() {
		t.Fatalf("untested wrappers are reported, not failed")
	}
}

type spyEngine struct {
	calls int
}

func (s *spyEngine) Invoke(ctx context.Context, cmd bind.Command) (invoke.Result, error) {
	s.calls++
	return invoke.Result{Class: invoke.Succeeded}, nil
}

func TestRunnerRejectsInvalidCaseBeforeSpawning(t *testing.T) {
	root := t.TempDir()
	writeCatalogueFile(t, root, "demo/echo/wrapper.toml", echoWrapper)
	// The case never binds the required text input.
	writeCatalogueFile(t, root, "demo/echo/tests.toml", `[[case]]
name = "missing input"

[case.expect]
copy = "fixtures/expected.txt"
`)
	cat, err := catalog.Load(root)
	if err != nil {
		t.Fatalf("load catalogue: %v", err)
	}

	spy := &spyEngine{}
	runner := &Runner{
		Catalog:  cat,
		Resolver: envs.NewManager(t.TempDir(), envs.CommandBuilder{}),
		Engine:   spy,
	}
	report, err := runner.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("run harness: %v", err)
	}
	result := report.Results[0]
	if result.Status != StatusFailed {
		t.Fatalf("expected an invalid request to fail the case, got %s", result.Status)
	}
	if spy.calls != 0 {
		t.Fatalf("expected no process to be spawned, engine was called %d times", spy.calls)
	}
}

func TestRunnerRejectsMultiValuedExpectedOutput(t *testing.T) {
	root := t.TempDir()
	writeCatalogueFile(t, root, "demo/split/wrapper.toml", `identity = "demo/split"
program = ["cat"]

[[input]]
name = "text"
required = true

[[output]]
name = "copies"
required = true
multiple = true
`)
	writeCatalogueFile(t, root, "demo/split/fixtures/hello.txt", "hello")
	writeCatalogueFile(t, root, "demo/split/fixtures/expected.txt", "hello")
	writeCatalogueFile(t, root, "demo/split/tests.toml", `[[case]]
name = "two copies"

[case.inputs]
text = ["fixtures/hello.txt"]

[case.outputs]
copies = ["a.txt", "b.txt"]

[case.expect]
copies = "fixtures/expected.txt"
`)
	cat, err := catalog.Load(root)
	if err != nil {
		t.Fatalf("load catalogue: %v", err)
	}

	runner := &Runner{
		Catalog:  cat,
		Resolver: envs.NewManager(t.TempDir(), envs.CommandBuilder{}),
		Engine:   &spyEngine{},
	}
	report, err := runner.Run(context.Background(), "")
	if err != nil {
		t.Fatalf("run harness: %v", err)
	}
	result := report.Results[0]
	if result.Status != StatusError {
		t.Fatalf("expected a multi-valued compared output to error, got %s (%s)", result.Status, result.Detail)
	}
	if !strings.Contains(result.Detail, "exactly one") {
		t.Fatalf("expected the detail to explain the single-path rule, got %q", result.Detail)
	}
}

func TestRunnerPrefixSelectsWrappers(t *testing.T) {
	cat := echoCatalogue(t, "hello")
	runner := newRunner(t, cat)
	report, err := runner.Run(context.Background(), "bio/")
	if err != nil {
		t.Fatalf("run harness: %v", err)
	}
	if len(report.Results) != 0 {
		t.Fatalf("expected no results outside the prefix, got %d", len(report.Results))
	}
}

func TestRunnerObserverSeesEveryRow(t *testing.T) {
	runner := newRunner(t, echoCatalogue(t, "hello"))
	var seen []CaseResult
	runner.Observe = func(result CaseResult) { seen = append(seen, result) }
	if _, err := runner.Run(context.Background(), ""); err != nil {
		t.Fatalf("run harness: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("expected the observer to see 1 row, got %d", len(seen))
	}
}

func TestLoadCasesRoundTrip(t *testing.T) {
	cases := []Case{{
		Name:    "copies bytes",
		Inputs:  map[string][]string{"text": {"fixtures/hello.txt"}},
		Expect:  map[string]string{"copy": "fixtures/expected.txt"},
		Compare: map[string]string{"copy": "bytes"},
	}}
	encoded, err := EncodeCases(cases)
	if err != nil {
		t.Fatalf("encode cases: %v", err)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, CasesFileName), encoded, 0o644); err != nil {
		t.Fatalf("write cases: %v", err)
	}
	loaded, err := LoadCases(catalog.Spec{Identity: "demo/echo", Program: []string{"cat"}, Dir: dir})
	if err != nil {
		t.Fatalf("load cases: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Name != "copies bytes" {
		t.Fatalf("unexpected cases: %+v", loaded)
	}
	if loaded[0].Inputs["text"][0] != "fixtures/hello.txt" {
		t.Fatalf("unexpected input binding: %+v", loaded[0].Inputs)
	}
}
