package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestCompareBytes(t *testing.T) {
	dir := t.TempDir()
	got := writeFixture(t, dir, "got.txt", "hello\n")
	want := writeFixture(t, dir, "want.txt", "hello\n")

	ok, diff, err := Compare("bytes", got, want)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !ok || diff != "" {
		t.Fatalf("expected identical bytes to pass, diff %q", diff)
	}
}

func TestCompareBytesMismatchHasBoundedDiff(t *testing.T) {
	dir := t.TempDir()
	got := writeFixture(t, dir, "got.txt", "hello\n")
	want := writeFixture(t, dir, "want.txt", "HELLO\n")

	ok, diff, err := Compare("bytes", got, want)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if ok {
		t.Fatalf("expected a mismatch")
	}
	if !strings.Contains(diff, "- HELLO") || !strings.Contains(diff, "+ hello") {
		t.Fatalf("expected a want/got preview, got %q", diff)
	}
}

func TestCompareTextNormalizesLineEndings(t *testing.T) {
	dir := t.TempDir()
	got := writeFixture(t, dir, "got.txt", "a\r\nb\r\n")
	want := writeFixture(t, dir, "want.txt", "a\nb\n")

	ok, _, err := Compare("text", got, want)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !ok {
		t.Fatalf("expected CRLF and LF to compare equal in text mode")
	}
}

func TestCompareJSONIgnoresKeyOrder(t *testing.T) {
	dir := t.TempDir()
	got := writeFixture(t, dir, "got.json", `{"b": 2, "a": 1}`)
	want := writeFixture(t, dir, "want.json", `{"a": 1, "b": 2}`)

	ok, _, err := Compare("json", got, want)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !ok {
		t.Fatalf("expected key order to be ignored in json mode")
	}
}

func TestCompareYAMLMismatch(t *testing.T) {
	dir := t.TempDir()
	got := writeFixture(t, dir, "got.yaml", "count: 2\n")
	want := writeFixture(t, dir, "want.yaml", "count: 3\n")

	ok, diff, err := Compare("yaml", got, want)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if ok || diff == "" {
		t.Fatalf("expected a yaml mismatch with a diff")
	}
}

func TestCompareLinesIgnoresOrder(t *testing.T) {
	dir := t.TempDir()
	got := writeFixture(t, dir, "got.txt", "b\na\nc\n")
	want := writeFixture(t, dir, "want.txt", "a\nb\nc\n")

	ok, _, err := Compare("lines", got, want)
	if err != nil {
		t.Fatalf("compare: %v", err)
	}
	if !ok {
		t.Fatalf("expected line order to be ignored in lines mode")
	}
}

func TestCompareUnknownMode(t *testing.T) {
	dir := t.TempDir()
	got := writeFixture(t, dir, "got.txt", "x")
	want := writeFixture(t, dir, "want.txt", "x")

	if _, _, err := Compare("fuzzy", got, want); err == nil {
		t.Fatalf("expected an unknown mode to error")
	}
}
