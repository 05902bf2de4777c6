package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"

	"github.com/wrapbench/wrapbench/internal/digest"
)

// diffPreviewLines bounds mismatch previews so reports stay readable.
const diffPreviewLines = 8

// Compare checks a produced output against its expected fixture using the
// declared mode. It returns ok=false with a bounded diff on mismatch and an
// error only when the comparison itself cannot run.
func Compare(mode, gotPath, wantPath string) (ok bool, diff string, err error) {
	if mode == "" || mode == "bytes" {
		// Digest first so large matching outputs never load into memory.
		gotSum, err := digest.File(gotPath)
		if err != nil {
			return false, "", fmt.Errorf("read produced output: %w", err)
		}
		wantSum, err := digest.File(wantPath)
		if err != nil {
			return false, "", fmt.Errorf("read expected fixture: %w", err)
		}
		if gotSum == wantSum {
			return true, "", nil
		}
	}

	got, err := os.ReadFile(gotPath)
	if err != nil {
		return false, "", fmt.Errorf("read produced output: %w", err)
	}
	want, err := os.ReadFile(wantPath)
	if err != nil {
		return false, "", fmt.Errorf("read expected fixture: %w", err)
	}

	switch mode {
	case "", "bytes":
		return false, previewDiff(string(want), string(got)), nil
	case "text":
		gotText := normalizeText(string(got))
		wantText := normalizeText(string(want))
		if gotText == wantText {
			return true, "", nil
		}
		return false, previewDiff(wantText, gotText), nil
	case "json":
		return compareStructured(got, want, json.Unmarshal)
	case "yaml":
		return compareStructured(got, want, yaml.Unmarshal)
	case "lines":
		gotLines := sortedLines(string(got))
		wantLines := sortedLines(string(want))
		if d := cmp.Diff(wantLines, gotLines); d != "" {
			return false, bound(d), nil
		}
		return true, "", nil
	default:
		return false, "", fmt.Errorf("unknown comparison mode %q", mode)
	}
}

func compareStructured(got, want []byte, unmarshal func([]byte, any) error) (bool, string, error) {
	var gotValue, wantValue any
	if err := unmarshal(got, &gotValue); err != nil {
		return false, "", fmt.Errorf("parse produced output: %w", err)
	}
	if err := unmarshal(want, &wantValue); err != nil {
		return false, "", fmt.Errorf("parse expected fixture: %w", err)
	}
	if d := cmp.Diff(wantValue, gotValue); d != "" {
		return false, bound(d), nil
	}
	return true, "", nil
}

func normalizeText(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

func sortedLines(s string) []string {
	lines := strings.Split(strings.TrimRight(normalizeText(s), "\n"), "\n")
	sort.Strings(lines)
	return lines
}

// previewDiff renders the first differing lines as a -want/+got preview.
func previewDiff(want, got string) string {
	wantLines := strings.Split(want, "\n")
	gotLines := strings.Split(got, "\n")
	var out []string
	shown := 0
	for i := 0; i < len(wantLines) || i < len(gotLines); i++ {
		wantLine, gotLine := "", ""
		if i < len(wantLines) {
			wantLine = wantLines[i]
		}
		if i < len(gotLines) {
			gotLine = gotLines[i]
		}
		if wantLine == gotLine {
			continue
		}
		out = append(out, fmt.Sprintf("line %d:", i+1))
		if i < len(wantLines) {
			out = append(out, "- "+wantLine)
		}
		if i < len(gotLines) {
			out = append(out, "+ "+gotLine)
		}
		shown++
		if shown >= diffPreviewLines/2 {
			out = append(out, "...")
			break
		}
	}
	return strings.Join(out, "\n")
}

func bound(diff string) string {
	lines := strings.Split(strings.TrimRight(diff, "\n"), "\n")
	if len(lines) <= diffPreviewLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(append(lines[:diffPreviewLines], "..."), "\n")
}
