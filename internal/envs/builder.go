package envs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const diagnosticTail = 2048

// CommandBuilder materializes environments by shelling out to a
// conda-compatible package manager (micromamba by default).
type CommandBuilder struct {
	Binary string
}

func (b CommandBuilder) Build(ctx context.Context, desc Descriptor, prefix string) error {
	binary := b.Binary
	if binary == "" {
		binary = "micromamba"
	}

	encoded, err := desc.Encode()
	if err != nil {
		return err
	}
	specPath := filepath.Join(filepath.Dir(prefix), filepath.Base(prefix)+".yaml")
	if err := os.WriteFile(specPath, encoded, 0o644); err != nil {
		return err
	}
	defer os.Remove(specPath)

	cmd := exec.CommandContext(ctx, binary, "create", "--yes", "--prefix", prefix, "--file", specPath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return &ResolveError{
			Hash:       desc.Hash(),
			Diagnostic: tail(string(output), diagnosticTail),
			Err:        ErrUnresolvable,
		}
	}
	return nil
}

func tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
