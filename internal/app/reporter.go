package app

import (
	"github.com/wrapbench/wrapbench/internal/harness"
	"github.com/wrapbench/wrapbench/internal/invoke"
)

type ProgressReporter interface {
	Increment(label string)
	Done()
}

type Reporter interface {
	Info(message string)
	Identity(name string)
	Case(result harness.CaseResult)
	TestSummary(pass, mismatch, failed, untested, errored int)
	Result(result invoke.Result)
	Progress(label string, total int) ProgressReporter
}

type noopReporter struct{}

func (n noopReporter) Info(string)                           {}
func (n noopReporter) Identity(string)                       {}
func (n noopReporter) Case(harness.CaseResult)               {}
func (n noopReporter) TestSummary(int, int, int, int, int)   {}
func (n noopReporter) Result(invoke.Result)                  {}
func (n noopReporter) Progress(string, int) ProgressReporter { return noopProgress{} }

type noopProgress struct{}

func (n noopProgress) Increment(string) {}
func (n noopProgress) Done()            {}

func ensureReporter(reporter Reporter) Reporter {
	if reporter == nil {
		return noopReporter{}
	}
	return reporter
}
