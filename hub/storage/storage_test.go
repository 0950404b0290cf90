package storage

import (
	"archive/zip"
	"bytes"
	"io"
	"sort"
	"strings"
	"testing"
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	return NewSharedDisk(t.TempDir())
}

func readAll(t *testing.T, s Storage, path string) string {
	t.Helper()

	r, err := s.Read(path)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestWriteReadAppend(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Write("a/b/file.txt", strings.NewReader("hello")); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s, "a/b/file.txt"); got != "hello" {
		t.Fatalf("read back %q", got)
	}

	if err := s.Append("a/b/file.txt", strings.NewReader(" world")); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s, "a/b/file.txt"); got != "hello world" {
		t.Fatalf("read back %q", got)
	}

	// Write truncates.
	if err := s.Write("a/b/file.txt", strings.NewReader("reset")); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s, "a/b/file.txt"); got != "reset" {
		t.Fatalf("read back %q", got)
	}

	data, err := s.ReadRange("a/b/file.txt", 3)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "res" {
		t.Fatalf("read range %q", data)
	}
}

func TestExistsDeleteList(t *testing.T) {
	s := newTestStorage(t)

	exists, err := s.Exists("dir/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("file should not exist yet")
	}

	if err := s.Write("dir/file.txt", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := s.Write("dir/other.txt", strings.NewReader("y")); err != nil {
		t.Fatal(err)
	}

	exists, err = s.Exists("dir/file.txt")
	if err != nil {
		t.Fatal(err)
	}
	if !exists {
		t.Fatal("file should exist")
	}

	entries, err := s.List("dir")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(entries)
	if len(entries) != 2 || entries[0] != "file.txt" || entries[1] != "other.txt" {
		t.Fatalf("unexpected listing %v", entries)
	}

	if err := s.Delete("dir"); err != nil {
		t.Fatal(err)
	}
	exists, err = s.Exists("dir")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("dir should be deleted")
	}

	// Deleting a missing path is not an error.
	if err := s.Delete("dir"); err != nil {
		t.Fatal(err)
	}
}

func TestMoveAndRename(t *testing.T) {
	s := newTestStorage(t)

	if err := s.Write("src/file.txt", strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}

	if err := s.Move("src", "dst/nested"); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s, "dst/nested/file.txt"); got != "x" {
		t.Fatalf("read back %q", got)
	}

	if err := s.Move("dst", "dst/inner"); err == nil {
		t.Fatal("moving a directory into itself should fail")
	}

	if err := s.Rename("dst/nested", "renamed"); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s, "dst/renamed/file.txt"); got != "x" {
		t.Fatalf("read back %q", got)
	}
}

func TestIsSubpath(t *testing.T) {
	cases := []struct {
		base, sub string
		strict    bool
		expected  bool
	}{
		{"a/b", "a/b/c", true, true},
		{"a/b", "a/b", true, false},
		{"a/b", "a/b", false, true},
		{"a/b", "a/bc", true, false},
		{"a/b", "a", true, false},
		{"a", "a/b/../c", true, true},
		{"a", "a/../b", true, false},
	}

	for _, c := range cases {
		if got := IsSubpath(c.base, c.sub, c.strict); got != c.expected {
			t.Fatalf("IsSubpath(%q, %q, %v) = %v", c.base, c.sub, c.strict, got)
		}
	}
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := f.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestUnzip(t *testing.T) {
	s := newTestStorage(t)

	archive := makeZip(t, map[string]string{
		"cats/a.png": "aaa",
		"dogs/b.png": "bbb",
	})
	if err := s.Write("upload.zip", bytes.NewReader(archive)); err != nil {
		t.Fatal(err)
	}

	entries, err := s.Unzip("upload.zip", "repo")
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(entries)
	if len(entries) != 2 || entries[0] != "cats/a.png" || entries[1] != "dogs/b.png" {
		t.Fatalf("unexpected entries %v", entries)
	}

	if got := readAll(t, s, "repo/cats/a.png"); got != "aaa" {
		t.Fatalf("read back %q", got)
	}
}

func TestUnzipRejectsEscapingEntries(t *testing.T) {
	s := newTestStorage(t)

	archive := makeZip(t, map[string]string{"../evil.txt": "x"})
	if err := s.Write("upload.zip", bytes.NewReader(archive)); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Unzip("upload.zip", "repo"); err == nil {
		t.Fatal("archive escaping the destination should be rejected")
	}

	exists, err := s.Exists("evil.txt")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("escaping entry was extracted")
	}
}

func TestSaveModel(t *testing.T) {
	s := newTestStorage(t)

	if err := s.SaveModel("models/m.pt", strings.NewReader("weights")); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, s, "models/m.pt"); got != "weights" {
		t.Fatalf("read back %q", got)
	}

	// The staging file must not linger.
	exists, err := s.Exists("models/m.pt.tmp")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Fatal("tmp file left behind")
	}
}

func TestPathHelpers(t *testing.T) {
	if got := WorkspacePath("abc", "main"); got != "users/abc/workspaces/main" {
		t.Fatalf("workspace path %q", got)
	}
	if got := DeployedModelPath("abc", "main", "../escape", "m"); got != "users/abc/workspaces/main/models/escape/m.pt" {
		t.Fatalf("deploy path should be confined to the model tree, got %q", got)
	}
}
