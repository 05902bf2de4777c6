package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"

	"github.com/wrapbench/wrapbench/internal/app"
	"github.com/wrapbench/wrapbench/internal/ui"
)

type CLI struct {
	Catalog string  `help:"Catalogue root directory." default:"."`
	Store   string  `help:"Environment store directory (default <catalog>/.wrapbench)."`
	NoColor bool    `help:"Disable color output."`
	Verbose bool    `help:"Enable debug logging."`
	List    ListCmd `cmd:"" help:"List wrapper identities."`
	Show    ShowCmd `cmd:"" help:"Show a wrapper's declared interface."`
	Run     RunCmd  `cmd:"" help:"Invoke a wrapper once."`
	Test    TestCmd `cmd:"" help:"Run the conformance harness."`
	Init    InitCmd `cmd:"" help:"Scaffold a new wrapper."`
	Envs    EnvsCmd `cmd:"" help:"Inspect the environment store."`
}

type ListCmd struct {
	Prefix string `arg:"" optional:"" help:"Identity prefix filter."`
}

type ShowCmd struct {
	Identity string `arg:"" help:"Wrapper identity, e.g. bio/trimmomatic/pe."`
}

type RunCmd struct {
	Identity string        `arg:"" help:"Wrapper identity."`
	Input    []string      `help:"Bind an input as name=path (repeatable)." placeholder:"name=path"`
	Output   []string      `help:"Bind an output as name=path (repeatable)." placeholder:"name=path"`
	Extra    string        `help:"Free-form options passed through to the tool."`
	Threads  int           `help:"Thread hint for tools with a threads flag."`
	Log      string        `help:"Write the tool's output to this log file."`
	Timeout  time.Duration `help:"Bound the subprocess step."`
	Builder  string        `help:"Environment builder binary (default micromamba)."`
	Audit    string        `help:"Append one NDJSON record per invocation to this file." placeholder:"FILE"`
}

type TestCmd struct {
	Prefix   string        `arg:"" optional:"" help:"Only test wrappers under this prefix."`
	Jobs     int           `help:"Parallel test cases." default:"4"`
	KeepWork bool          `help:"Keep per-case work directories."`
	Watch    bool          `help:"Rerun affected wrappers on file change."`
	Timeout  time.Duration `help:"Bound each subprocess step."`
	Builder  string        `help:"Environment builder binary (default micromamba)."`
	Audit    string        `help:"Append one NDJSON record per invocation to this file." placeholder:"FILE"`
}

type InitCmd struct {
	Identity string `arg:"" help:"Identity for the new wrapper."`
}

type EnvsCmd struct {
	Prune bool `help:"Remove environments no wrapper references."`
}

type Context struct {
	Ctx      context.Context
	Root     string
	Store    string
	Reporter app.Reporter
}

func (c *ListCmd) Run(ctx *Context) error {
	return app.List(ctx.Root, app.ListOptions{Prefix: c.Prefix, Reporter: ctx.Reporter})
}

func (c *ShowCmd) Run(ctx *Context) error {
	return app.Show(ctx.Root, app.ShowOptions{Identity: c.Identity, Reporter: ctx.Reporter})
}

func (c *RunCmd) Run(ctx *Context) error {
	inputs, err := parseBindings(c.Input)
	if err != nil {
		return err
	}
	outputs, err := parseBindings(c.Output)
	if err != nil {
		return err
	}
	return app.Run(ctx.Ctx, ctx.Root, app.RunOptions{
		Identity: c.Identity,
		Inputs:   inputs,
		Outputs:  outputs,
		Extra:    c.Extra,
		Threads:  c.Threads,
		Log:      c.Log,
		Timeout:  c.Timeout,
		Store:    ctx.Store,
		Builder:  c.Builder,
		Audit:    c.Audit,
		Reporter: ctx.Reporter,
	})
}

func (c *TestCmd) Run(ctx *Context) error {
	return app.Test(ctx.Ctx, ctx.Root, app.TestOptions{
		Prefix:   c.Prefix,
		Jobs:     c.Jobs,
		KeepWork: c.KeepWork,
		Watch:    c.Watch,
		Timeout:  c.Timeout,
		Store:    ctx.Store,
		Builder:  c.Builder,
		Audit:    c.Audit,
		Reporter: ctx.Reporter,
	})
}

func (c *InitCmd) Run(ctx *Context) error {
	return app.Init(ctx.Root, app.InitOptions{Identity: c.Identity, Reporter: ctx.Reporter})
}

func (c *EnvsCmd) Run(ctx *Context) error {
	return app.Envs(ctx.Root, app.EnvsOptions{Prune: c.Prune, Store: ctx.Store, Reporter: ctx.Reporter})
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Name("wrapbench"),
		kong.Description("A catalogue of command-line tool wrappers and its conformance harness."),
		kong.UsageOnError(),
	)
	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	root, err := filepath.Abs(cli.Catalog)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	level := log.WarnLevel
	if cli.Verbose {
		level = log.DebugLevel
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: level})
	ctx := log.WithContext(context.Background(), logger)

	noColor := cli.NoColor || os.Getenv("NO_COLOR") != ""
	reporter := ui.NewRenderer(ui.Options{NoColor: noColor, Out: os.Stdout})

	if err := kctx.Run(&Context{Ctx: ctx, Root: root, Store: cli.Store, Reporter: reporter}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseBindings(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := map[string][]string{}
	for _, pair := range pairs {
		name, path, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("binding %q must be name=path", pair)
		}
		out[name] = append(out[name], path)
	}
	return out, nil
}
