// Package bind turns a structured invocation request into the command-line
// form a wrapped tool expects. Binding is a pure transformation: it never
// touches the filesystem or the network.
package bind

import (
	"errors"
	"fmt"
	"strings"

	"github.com/wrapbench/wrapbench/internal/catalog"
	"github.com/wrapbench/wrapbench/internal/envs"
)

var ErrInvalidRequest = errors.New("invalid request")

// RequestError names the keys that made a request unbindable. It matches
// ErrInvalidRequest under errors.Is.
type RequestError struct {
	Wrapper string
	Missing []string
	Unknown []string
	TooMany []string
	Empty   []string
	Reason  string
}

func (e *RequestError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Unknown) > 0 {
		parts = append(parts, "unknown: "+strings.Join(e.Unknown, ", "))
	}
	if len(e.TooMany) > 0 {
		parts = append(parts, "multiple values for single-valued: "+strings.Join(e.TooMany, ", "))
	}
	if len(e.Empty) > 0 {
		parts = append(parts, "bound with no values: "+strings.Join(e.Empty, ", "))
	}
	if e.Reason != "" {
		parts = append(parts, e.Reason)
	}
	return fmt.Sprintf("invalid request for %s: %s", e.Wrapper, strings.Join(parts, "; "))
}

func (e *RequestError) Is(target error) bool { return target == ErrInvalidRequest }

// Request is one caller-constructed invocation. Values for a multi-valued
// name keep the caller's order; many wrapped tools are positionally
// sensitive.
type Request struct {
	Wrapper string
	Inputs  map[string][]string
	Outputs map[string][]string
	Extra   string
	Threads int
	Log     string
	Dir     string
}

// Command is a bound invocation, consumed exactly once by the engine. Env is
// attached by the pipeline after environment resolution.
type Command struct {
	Wrapper         string
	Argv            []string
	Env             envs.Handle
	Dir             string
	StdoutPath      string
	LogPath         string
	RequiredOutputs []string
}

// Bind validates the request against the spec and produces the token vector:
// program, inputs in declared order, outputs in declared order, free-form
// options, then the threads flag.
func Bind(spec catalog.Spec, req Request) (Command, error) {
	reqErr := &RequestError{Wrapper: spec.Identity}
	validateKeys(reqErr, "input", spec.Inputs, req.Inputs)
	validateKeys(reqErr, "output", spec.Outputs, req.Outputs)
	if req.Extra != "" && !spec.AllowExtra {
		reqErr.Reason = "wrapper does not accept free-form options"
	}
	if reqErr.failed() {
		return Command{}, reqErr
	}

	extraTokens, err := SplitOptions(req.Extra)
	if err != nil {
		reqErr.Reason = err.Error()
		return Command{}, reqErr
	}

	cmd := Command{
		Wrapper: spec.Identity,
		Argv:    append([]string(nil), spec.Program...),
		Dir:     req.Dir,
		LogPath: req.Log,
	}

	for _, in := range spec.Inputs {
		cmd.Argv = appendValues(cmd.Argv, in, req.Inputs[in.Name])
	}
	for _, out := range spec.Outputs {
		values := req.Outputs[out.Name]
		if out.Stdout {
			if len(values) == 1 {
				cmd.StdoutPath = values[0]
			}
			if out.Required {
				cmd.RequiredOutputs = append(cmd.RequiredOutputs, values...)
			}
			continue
		}
		cmd.Argv = appendValues(cmd.Argv, out, values)
		if out.Required {
			cmd.RequiredOutputs = append(cmd.RequiredOutputs, values...)
		}
	}

	cmd.Argv = append(cmd.Argv, extraTokens...)

	if spec.ThreadsFlag != "" && req.Threads > 0 {
		if strings.HasSuffix(spec.ThreadsFlag, "=") {
			cmd.Argv = append(cmd.Argv, fmt.Sprintf("%s%d", spec.ThreadsFlag, req.Threads))
		} else {
			cmd.Argv = append(cmd.Argv, spec.ThreadsFlag, fmt.Sprintf("%d", req.Threads))
		}
	}

	return cmd, nil
}

func (e *RequestError) failed() bool {
	return len(e.Missing) > 0 || len(e.Unknown) > 0 || len(e.TooMany) > 0 || len(e.Empty) > 0 || e.Reason != ""
}

func validateKeys(reqErr *RequestError, kind string, declared []catalog.ParamSpec, supplied map[string][]string) {
	known := map[string]catalog.ParamSpec{}
	for _, param := range declared {
		known[param.Name] = param
		values := supplied[param.Name]
		if param.Required && len(values) == 0 {
			reqErr.Missing = append(reqErr.Missing, kind+" "+param.Name)
		}
		if !param.Multiple && len(values) > 1 {
			reqErr.TooMany = append(reqErr.TooMany, kind+" "+param.Name)
		}
	}
	for name, values := range supplied {
		param, ok := known[name]
		if !ok {
			reqErr.Unknown = append(reqErr.Unknown, kind+" "+name)
			continue
		}
		if len(values) == 0 && !param.Required {
			reqErr.Empty = append(reqErr.Empty, kind+" "+name)
		}
	}
}

func appendValues(argv []string, param catalog.ParamSpec, values []string) []string {
	for _, value := range values {
		switch {
		case param.Flag == "":
			argv = append(argv, value)
		case strings.HasSuffix(param.Flag, "="):
			argv = append(argv, param.Flag+value)
		default:
			argv = append(argv, param.Flag, value)
		}
	}
	return argv
}

// SplitOptions tokenizes a free-form option string: whitespace separates
// tokens and double-quoted segments stay intact with the quotes stripped.
func SplitOptions(options string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inToken := false
	inQuote := false

	for _, r := range options {
		switch {
		case r == '"':
			inQuote = !inQuote
			inToken = true
		case !inQuote && (r == ' ' || r == '\t' || r == '\n'):
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if inQuote {
		return nil, errors.New("unterminated quote in options")
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
