package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wrapbench/wrapbench/internal/bind"
	"github.com/wrapbench/wrapbench/internal/catalog"
	"github.com/wrapbench/wrapbench/internal/envs"
	"github.com/wrapbench/wrapbench/internal/harness"
	"github.com/wrapbench/wrapbench/internal/invoke"
)

// DefaultStoreDir holds resolved environments under the catalogue root so a
// checkout stays self-contained.
const DefaultStoreDir = ".wrapbench"

type ListOptions struct {
	Prefix   string
	Reporter Reporter
}

type ShowOptions struct {
	Identity string
	Reporter Reporter
}

type RunOptions struct {
	Identity string
	Inputs   map[string][]string
	Outputs  map[string][]string
	Extra    string
	Threads  int
	Log      string
	Timeout  time.Duration
	Store    string
	Builder  string
	Audit    string
	Reporter Reporter
}

type TestOptions struct {
	Prefix   string
	Jobs     int
	KeepWork bool
	Watch    bool
	Timeout  time.Duration
	Store    string
	Builder  string
	Audit    string
	Reporter Reporter
}

type EnvsOptions struct {
	Prune    bool
	Store    string
	Reporter Reporter
}

func List(root string, opts ListOptions) error {
	cat, err := catalog.Load(root)
	if err != nil {
		return err
	}
	reporter := ensureReporter(opts.Reporter)
	count := 0
	for identity := range cat.Identities(opts.Prefix) {
		reporter.Identity(identity)
		count++
	}
	if count == 0 {
		reporter.Info("no wrappers found")
	}
	return nil
}

func Show(root string, opts ShowOptions) error {
	cat, err := catalog.Load(root)
	if err != nil {
		return err
	}
	spec, err := cat.Lookup(opts.Identity)
	if err != nil {
		return err
	}
	reporter := ensureReporter(opts.Reporter)

	reporter.Identity(spec.Identity)
	if spec.Description != "" {
		reporter.Info(spec.Description)
	}
	if spec.URL != "" {
		reporter.Info("url: " + spec.URL)
	}
	if len(spec.Authors) > 0 {
		reporter.Info("authors: " + strings.Join(spec.Authors, ", "))
	}
	reporter.Info("program: " + strings.Join(spec.Program, " "))
	for _, in := range spec.Inputs {
		reporter.Info("input " + in.Name + paramNotes(in))
	}
	for _, out := range spec.Outputs {
		notes := paramNotes(out)
		if out.Stdout {
			notes += " (stdout)"
		}
		reporter.Info("output " + out.Name + notes)
	}
	if spec.ThreadsFlag != "" {
		reporter.Info("threads flag: " + spec.ThreadsFlag)
	}
	if spec.AllowExtra {
		reporter.Info("accepts free-form options")
	}

	if path := spec.EnvironmentPath(); path != "" {
		desc, err := envs.LoadDescriptor(path)
		if err != nil {
			return err
		}
		for _, pkg := range desc.Packages {
			reporter.Info("requires " + pkg.String())
		}
		reporter.Info("environment hash: " + desc.Hash())
	}

	cases, err := harness.LoadCases(spec)
	if err != nil {
		return err
	}
	reporter.Info(fmt.Sprintf("test cases: %d", len(cases)))
	return nil
}

// Run drives a single invocation through the full pipeline: lookup, bind,
// resolve, invoke. Binding failures reject the call before any process or
// environment work happens.
func Run(ctx context.Context, root string, opts RunOptions) error {
	cat, err := catalog.Load(root)
	if err != nil {
		return err
	}
	spec, err := cat.Lookup(opts.Identity)
	if err != nil {
		return err
	}
	reporter := ensureReporter(opts.Reporter)

	cmd, err := bind.Bind(spec, bind.Request{
		Wrapper: spec.Identity,
		Inputs:  opts.Inputs,
		Outputs: opts.Outputs,
		Extra:   opts.Extra,
		Threads: opts.Threads,
		Log:     opts.Log,
	})
	if err != nil {
		return err
	}

	resolver := newResolver(root, opts.Store, opts.Builder)
	handle, err := resolveEnvironment(ctx, resolver, spec)
	if err != nil {
		reporter.Result(invoke.Result{Class: invoke.EnvironmentFailed, Err: err})
		return err
	}
	cmd.Env = handle

	audit, closeAudit, err := openAudit(opts.Audit)
	if err != nil {
		return err
	}
	defer closeAudit()

	engine := &invoke.Engine{Timeout: opts.Timeout, Audit: audit}
	result, err := engine.Invoke(ctx, cmd)
	if err != nil {
		return err
	}
	reporter.Result(result)
	if !result.Succeeded() {
		return fmt.Errorf("invocation %s", result.Class)
	}
	return nil
}

// Test runs the conformance harness over every wrapper matching the prefix.
// The run always completes; failures surface in the report and the returned
// error only reflects the overall verdict.
func Test(ctx context.Context, root string, opts TestOptions) error {
	reporter := ensureReporter(opts.Reporter)
	audit, closeAudit, err := openAudit(opts.Audit)
	if err != nil {
		return err
	}
	defer closeAudit()

	runOnce := func(prefix string) error {
		cat, err := catalog.Load(root)
		if err != nil {
			return err
		}
		total, err := countUnits(cat, prefix)
		if err != nil {
			return err
		}
		progress := reporter.Progress("cases", total)
		runner := &harness.Runner{
			Catalog:  cat,
			Resolver: newResolver(root, opts.Store, opts.Builder),
			Engine:   &invoke.Engine{Timeout: opts.Timeout, Audit: audit},
			Jobs:     opts.Jobs,
			KeepWork: opts.KeepWork,
			Observe: func(result harness.CaseResult) {
				reporter.Case(result)
				progress.Increment(result.Wrapper)
			},
		}
		report, err := runner.Run(ctx, prefix)
		progress.Done()
		if err != nil {
			return err
		}
		reporter.TestSummary(report.Counts())
		if !report.Ok() {
			return errors.New("conformance failures")
		}
		return nil
	}

	if !opts.Watch {
		return runOnce(opts.Prefix)
	}

	if err := runOnce(opts.Prefix); err != nil && !errors.Is(err, context.Canceled) {
		reporter.Info(err.Error())
	}
	return watchCatalogue(ctx, root, resolveStore(root, opts.Store), func(prefix string) {
		if prefix == "" || strings.HasPrefix(prefix, opts.Prefix) {
			if prefix == "" {
				prefix = opts.Prefix
			}
			if err := runOnce(prefix); err != nil && !errors.Is(err, context.Canceled) {
				reporter.Info(err.Error())
			}
		}
	})
}

func Envs(root string, opts EnvsOptions) error {
	cat, err := catalog.Load(root)
	if err != nil {
		return err
	}
	reporter := ensureReporter(opts.Reporter)
	manager := envs.NewManager(resolveStore(root, opts.Store), envs.CommandBuilder{})

	used := map[string]bool{}
	for identity := range cat.Identities("") {
		spec, err := cat.Lookup(identity)
		if err != nil {
			return err
		}
		path := spec.EnvironmentPath()
		if path == "" {
			continue
		}
		desc, err := envs.LoadDescriptor(path)
		if err != nil {
			return err
		}
		used[desc.Hash()] = true
	}

	entries, err := manager.Entries()
	if err != nil {
		return err
	}
	for _, entry := range entries {
		state := "unused"
		if used[entry.Hash] {
			state = "in use"
		}
		reporter.Info(fmt.Sprintf("%s %s (%d packages, %s)", entry.Hash[:12], state, len(entry.Packages), entry.CreatedAt))
	}
	if len(entries) == 0 {
		reporter.Info("environment store is empty")
	}

	if opts.Prune {
		removed, err := manager.Prune(used)
		if err != nil {
			return err
		}
		reporter.Info(fmt.Sprintf("pruned %d environments", len(removed)))
	}
	return nil
}

// countUnits mirrors the runner's unit expansion so progress totals match
// the report: one unit per declared case, one untested unit per caseless
// wrapper.
func countUnits(cat *catalog.Catalog, prefix string) (int, error) {
	total := 0
	for identity := range cat.Identities(prefix) {
		spec, err := cat.Lookup(identity)
		if err != nil {
			return 0, err
		}
		cases, err := harness.LoadCases(spec)
		if err != nil {
			return 0, err
		}
		if len(cases) == 0 {
			total++
		} else {
			total += len(cases)
		}
	}
	return total, nil
}

// openAudit opens the NDJSON audit target for appending. An empty path
// disables auditing.
func openAudit(path string) (*invoke.Audit, func(), error) {
	if path == "" {
		return nil, func() {}, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit target: %w", err)
	}
	return invoke.NewAudit(file), func() { _ = file.Close() }, nil
}

func resolveStore(root, store string) string {
	if strings.TrimSpace(store) != "" {
		return store
	}
	return filepath.Join(root, DefaultStoreDir)
}

func newResolver(root, store, builder string) envs.Resolver {
	return envs.NewManager(resolveStore(root, store), envs.CommandBuilder{Binary: builder})
}

func resolveEnvironment(ctx context.Context, resolver envs.Resolver, spec catalog.Spec) (envs.Handle, error) {
	path := spec.EnvironmentPath()
	if path == "" {
		return envs.Handle{}, nil
	}
	desc, err := envs.LoadDescriptor(path)
	if err != nil {
		return envs.Handle{}, err
	}
	return resolver.Resolve(ctx, desc)
}

func paramNotes(param catalog.ParamSpec) string {
	var notes []string
	if param.Required {
		notes = append(notes, "required")
	} else {
		notes = append(notes, "optional")
	}
	if param.Multiple {
		notes = append(notes, "multiple")
	}
	if param.Flag != "" {
		notes = append(notes, "flag "+param.Flag)
	}
	return " (" + strings.Join(notes, ", ") + ")"
}
