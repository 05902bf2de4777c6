package invoke

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/wrapbench/wrapbench/internal/bind"
)

// Audit appends one NDJSON record per invocation to a writer. Safe for
// concurrent use; a nil Audit records nothing.
type Audit struct {
	mu  sync.Mutex
	out io.Writer
}

func NewAudit(out io.Writer) *Audit {
	return &Audit{out: out}
}

type auditRecord struct {
	ID          string   `json:"id"`
	Time        string   `json:"ts"`
	Wrapper     string   `json:"wrapper"`
	Argv        []string `json:"argv"`
	Class       string   `json:"class"`
	ExitCode    int      `json:"exit"`
	DurationMS  int64    `json:"ms"`
	StdoutBytes int      `json:"stdout_bytes"`
	StderrBytes int      `json:"stderr_bytes"`
}

func (a *Audit) Record(cmd bind.Command, result Result) {
	if a == nil || a.out == nil {
		return
	}
	record := auditRecord{
		ID:          result.ID,
		Time:        time.Now().UTC().Format(time.RFC3339),
		Wrapper:     cmd.Wrapper,
		Argv:        cmd.Argv,
		Class:       string(result.Class),
		ExitCode:    result.ExitCode,
		DurationMS:  result.Duration.Milliseconds(),
		StdoutBytes: len(result.Stdout),
		StderrBytes: len(result.Stderr),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.out.Write(append(line, '\n'))
}
