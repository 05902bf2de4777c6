package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/wrapbench/wrapbench/internal/app"
	"github.com/wrapbench/wrapbench/internal/harness"
	"github.com/wrapbench/wrapbench/internal/invoke"
)

type Options struct {
	NoColor bool
	Out     io.Writer
}

type Renderer struct {
	out     io.Writer
	isTTY   bool
	noColor bool
	styles  styles
}

type styles struct {
	info     lipgloss.Style
	ok       lipgloss.Style
	warn     lipgloss.Style
	error    lipgloss.Style
	label    lipgloss.Style
	identity lipgloss.Style
	summary  lipgloss.Style
}

func NewRenderer(opts Options) *Renderer {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	profile := termenv.EnvColorProfile()
	if opts.NoColor || !isTTY {
		profile = termenv.Ascii
	}
	lipgloss.SetColorProfile(profile)

	return &Renderer{
		out:     out,
		isTTY:   isTTY,
		noColor: opts.NoColor || profile == termenv.Ascii,
		styles: styles{
			info:     lipgloss.NewStyle().Foreground(lipgloss.Color("69")),
			ok:       lipgloss.NewStyle().Foreground(lipgloss.Color("34")).Bold(true),
			warn:     lipgloss.NewStyle().Foreground(lipgloss.Color("208")).Bold(true),
			error:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
			label:    lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
			identity: lipgloss.NewStyle().Foreground(lipgloss.Color("105")).Bold(true),
			summary:  lipgloss.NewStyle().Bold(true),
		},
	}
}

func (r *Renderer) Info(message string) {
	r.println(r.styles.info.Render(message))
}

func (r *Renderer) Identity(name string) {
	r.println(r.styles.identity.Render(name))
}

func (r *Renderer) Case(result harness.CaseResult) {
	style := r.styles.label
	switch result.Status {
	case harness.StatusPass:
		style = r.styles.ok
	case harness.StatusMismatch, harness.StatusFailed, harness.StatusError:
		style = r.styles.error
	case harness.StatusUntested:
		style = r.styles.warn
	}
	msg := fmt.Sprintf("%s %s %s", style.Render(string(result.Status)), result.Wrapper, result.Case)
	if strings.TrimSpace(result.Detail) != "" {
		msg += ": " + result.Detail
	}
	r.println(msg)
	if strings.TrimSpace(result.Diff) != "" {
		for _, line := range strings.Split(result.Diff, "\n") {
			r.println("  " + r.styles.label.Render(line))
		}
	}
}

func (r *Renderer) TestSummary(pass, mismatch, failed, untested, errored int) {
	msg := fmt.Sprintf("summary: %d pass, %d mismatch, %d failed, %d untested, %d error",
		pass, mismatch, failed, untested, errored)
	r.println(r.styles.summary.Render(msg))
}

func (r *Renderer) Result(result invoke.Result) {
	style := r.styles.error
	if result.Succeeded() {
		style = r.styles.ok
	}
	msg := fmt.Sprintf("%s exit %d in %s", style.Render(string(result.Class)), result.ExitCode, result.Duration.Round(time.Millisecond))
	r.println(msg)
	if result.Err != nil {
		r.println(r.styles.error.Render(result.Err.Error()))
	}
	if strings.TrimSpace(result.Stderr) != "" {
		r.println(r.styles.label.Render(strings.TrimSpace(result.Stderr)))
	}
	if strings.TrimSpace(result.Stdout) != "" {
		r.println(strings.TrimSpace(result.Stdout))
	}
	if result.LogPath != "" {
		r.println(r.styles.label.Render("log: " + result.LogPath))
	}
}

func (r *Renderer) Progress(label string, total int) app.ProgressReporter {
	if total <= 0 {
		return noopProgress{}
	}
	return &progressReporter{
		out:     r.out,
		render:  r,
		total:   total,
		label:   label,
		enabled: r.isTTY,
		model: progress.New(
			progress.WithWidth(28),
			progress.WithDefaultGradient(),
		),
	}
}

func (r *Renderer) println(message string) {
	if strings.TrimSpace(message) == "" {
		return
	}
	fmt.Fprintln(r.out, message)
}

type progressReporter struct {
	out     io.Writer
	render  *Renderer
	model   progress.Model
	total   int
	current int
	label   string
	enabled bool
}

func (p *progressReporter) Increment(label string) {
	if label != "" {
		p.label = label
	}
	p.current++
	p.renderLine()
}

func (p *progressReporter) Done() {
	if !p.enabled {
		return
	}
	p.current = p.total
	p.renderLine()
}

func (p *progressReporter) renderLine() {
	if !p.enabled {
		line := fmt.Sprintf("%d/%d %s", p.current, p.total, p.label)
		p.render.Info(line)
		return
	}
	percent := float64(p.current) / float64(p.total)
	bar := p.model.ViewAs(percent)
	line := fmt.Sprintf("%s %d/%d %s", bar, p.current, p.total, truncate(p.label, 64))
	fmt.Fprintln(p.out, line)
}

type noopProgress struct{}

func (n noopProgress) Increment(string) {}
func (n noopProgress) Done()            {}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	if max <= 3 {
		return value[:max]
	}
	return value[:max-3] + "..."
}
