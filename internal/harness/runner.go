package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wrapbench/wrapbench/internal/bind"
	"github.com/wrapbench/wrapbench/internal/catalog"
	"github.com/wrapbench/wrapbench/internal/envs"
	"github.com/wrapbench/wrapbench/internal/invoke"
)

type Status string

const (
	StatusPass     Status = "pass"
	StatusMismatch Status = "mismatch"
	StatusFailed   Status = "failed"
	StatusUntested Status = "untested"
	StatusError    Status = "error"
)

// CaseResult is one row of a verification report.
type CaseResult struct {
	Wrapper  string
	Case     string
	Status   Status
	Detail   string
	Diff     string
	Duration time.Duration
}

// Report is the complete outcome of one harness run. It always covers every
// matching wrapper; coverage gaps appear as untested rows.
type Report struct {
	Results []CaseResult
}

// Ok reports whether no case mismatched, failed, or errored. Untested
// wrappers are visible in the report but do not fail the run.
func (r Report) Ok() bool {
	for _, result := range r.Results {
		switch result.Status {
		case StatusMismatch, StatusFailed, StatusError:
			return false
		}
	}
	return true
}

func (r Report) Counts() (pass, mismatch, failed, untested, errored int) {
	for _, result := range r.Results {
		switch result.Status {
		case StatusPass:
			pass++
		case StatusMismatch:
			mismatch++
		case StatusFailed:
			failed++
		case StatusUntested:
			untested++
		case StatusError:
			errored++
		}
	}
	return
}

// Invoker is what the runner needs from the invocation engine.
type Invoker interface {
	Invoke(ctx context.Context, cmd bind.Command) (invoke.Result, error)
}

// Runner drives every registered wrapper's cases through the full pipeline.
// Cases run in parallel, each in its own work directory and environment
// handle; the report order is deterministic regardless of scheduling.
type Runner struct {
	Catalog  *catalog.Catalog
	Resolver envs.Resolver
	Engine   Invoker
	Jobs     int
	WorkRoot string
	KeepWork bool

	// Observe, when set, receives each finished row as it lands.
	Observe func(CaseResult)
}

type unit struct {
	spec catalog.Spec
	tc   *Case
	name string
}

func (r *Runner) Run(ctx context.Context, prefix string) (Report, error) {
	units, err := r.collect(prefix)
	if err != nil {
		return Report{}, err
	}

	workRoot := r.WorkRoot
	if workRoot == "" {
		workRoot, err = os.MkdirTemp("", "wrapbench-*")
		if err != nil {
			return Report{}, err
		}
		if !r.KeepWork {
			defer os.RemoveAll(workRoot)
		}
	}

	results := make([]CaseResult, len(units))
	var mu sync.Mutex
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(r.jobs())

	for i, u := range units {
		group.Go(func() error {
			result := r.runUnit(groupCtx, u, workRoot)
			mu.Lock()
			results[i] = result
			if r.Observe != nil {
				r.Observe(result)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Report{}, err
	}
	return Report{Results: results}, nil
}

func (r *Runner) collect(prefix string) ([]unit, error) {
	var units []unit
	for identity := range r.Catalog.Identities(prefix) {
		spec, err := r.Catalog.Lookup(identity)
		if err != nil {
			return nil, err
		}
		cases, err := LoadCases(spec)
		if err != nil {
			return nil, err
		}
		if len(cases) == 0 {
			units = append(units, unit{spec: spec, name: "-"})
			continue
		}
		for i := range cases {
			units = append(units, unit{spec: spec, tc: &cases[i], name: cases[i].Name})
		}
	}
	return units, nil
}

func (r *Runner) runUnit(ctx context.Context, u unit, workRoot string) (result CaseResult) {
	result = CaseResult{Wrapper: u.spec.Identity, Case: u.name}
	if u.tc == nil {
		result.Status = StatusUntested
		result.Detail = "no test cases declared"
		return result
	}

	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	work, err := os.MkdirTemp(workRoot, sanitize(u.spec.Identity)+"-*")
	if err != nil {
		result.Status = StatusError
		result.Detail = err.Error()
		return result
	}
	if !r.KeepWork {
		defer os.RemoveAll(work)
	}

	req, err := r.buildRequest(u.spec, *u.tc, work)
	if err != nil {
		result.Status = StatusError
		result.Detail = err.Error()
		return result
	}

	// Validation failures must reject the case before anything is spawned.
	cmd, err := bind.Bind(u.spec, req)
	if err != nil {
		result.Status = StatusFailed
		result.Detail = err.Error()
		return result
	}

	desc, err := loadEnvironment(u.spec)
	if err != nil {
		result.Status = StatusError
		result.Detail = err.Error()
		return result
	}
	handle, err := r.Resolver.Resolve(ctx, desc)
	if err != nil {
		result.Status = StatusFailed
		result.Detail = fmt.Sprintf("%s: %v", invoke.EnvironmentFailed, err)
		return result
	}
	cmd.Env = handle

	res, err := r.Engine.Invoke(ctx, cmd)
	if err != nil {
		result.Status = StatusError
		result.Detail = err.Error()
		return result
	}
	if !res.Succeeded() {
		result.Status = StatusFailed
		result.Detail = string(res.Class)
		if res.Err != nil {
			result.Detail += ": " + res.Err.Error()
		} else if strings.TrimSpace(res.Stderr) != "" {
			result.Detail += ": " + strings.TrimSpace(res.Stderr)
		}
		return result
	}

	for _, name := range sortedKeys(u.tc.Expect) {
		values := req.Outputs[name]
		if len(values) == 0 {
			result.Status = StatusError
			result.Detail = fmt.Sprintf("expected output %s is not bound by the case", name)
			return result
		}
		// A fixture verifies exactly one produced file; extra bound paths
		// would go unchecked.
		if len(values) > 1 {
			result.Status = StatusError
			result.Detail = fmt.Sprintf("expected output %s is bound to %d paths; compared outputs take exactly one", name, len(values))
			return result
		}
		mode := u.tc.Compare[name]
		wantPath := filepath.Join(u.spec.Dir, u.tc.Expect[name])
		gotPath := values[0]
		if !filepath.IsAbs(gotPath) {
			gotPath = filepath.Join(work, gotPath)
		}
		ok, diff, err := Compare(mode, gotPath, wantPath)
		if err != nil {
			result.Status = StatusError
			result.Detail = fmt.Sprintf("compare %s: %v", name, err)
			return result
		}
		if !ok {
			result.Status = StatusMismatch
			result.Detail = fmt.Sprintf("output %s differs from fixture", name)
			result.Diff = diff
			return result
		}
	}

	result.Status = StatusPass
	return result
}

func (r *Runner) buildRequest(spec catalog.Spec, tc Case, work string) (bind.Request, error) {
	req := bind.Request{
		Wrapper: spec.Identity,
		Inputs:  map[string][]string{},
		Outputs: map[string][]string{},
		Extra:   tc.Extra,
		Threads: tc.Threads,
		Dir:     work,
	}
	for name, values := range tc.Inputs {
		for _, value := range values {
			req.Inputs[name] = append(req.Inputs[name], filepath.Join(spec.Dir, value))
		}
	}
	for name, values := range tc.Outputs {
		req.Outputs[name] = append([]string(nil), values...)
	}
	// Outputs the case leaves unbound default to <name>.out in the work
	// directory, so minimal cases only declare fixtures.
	for _, out := range spec.Outputs {
		if len(req.Outputs[out.Name]) > 0 || out.Multiple {
			continue
		}
		if out.Required || tc.Expect[out.Name] != "" {
			req.Outputs[out.Name] = []string{out.Name + ".out"}
		}
	}
	return req, nil
}

func loadEnvironment(spec catalog.Spec) (envs.Descriptor, error) {
	path := spec.EnvironmentPath()
	if path == "" {
		return envs.Descriptor{}, nil
	}
	return envs.LoadDescriptor(path)
}

func (r *Runner) jobs() int {
	if r.Jobs > 0 {
		return r.Jobs
	}
	return 4
}

func sanitize(identity string) string {
	return strings.ReplaceAll(identity, "/", "-")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
