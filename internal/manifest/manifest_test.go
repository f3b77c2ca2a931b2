package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseMappedEntries(t *testing.T) {
	input := `
# application build
build/server.bin -> app/server.bin
config/prod.yaml -> etc/config.yaml
`
	m, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(m.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(m.Entries))
	}
	if m.Entries[0].LocalPath != "build/server.bin" {
		t.Errorf("entry 0 local = %q", m.Entries[0].LocalPath)
	}
	if m.Entries[0].RemoteRel != "app/server.bin" {
		t.Errorf("entry 0 remote = %q", m.Entries[0].RemoteRel)
	}
	if m.Entries[1].RemoteRel != "etc/config.yaml" {
		t.Errorf("entry 1 remote = %q", m.Entries[1].RemoteRel)
	}
}

func TestParseBarePath(t *testing.T) {
	m, err := Parse(strings.NewReader("static/index.html\n"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if m.Entries[0].RemoteRel != "static/index.html" {
		t.Errorf("bare relative path should map to itself, got %q", m.Entries[0].RemoteRel)
	}
}

func TestParseBareAbsolutePath(t *testing.T) {
	m, err := Parse(strings.NewReader("/opt/build/server.bin\n"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if m.Entries[0].LocalPath != "/opt/build/server.bin" {
		t.Errorf("local = %q", m.Entries[0].LocalPath)
	}
	if m.Entries[0].RemoteRel != "server.bin" {
		t.Errorf("bare absolute path should map to its base name, got %q", m.Entries[0].RemoteRel)
	}
}

func TestParseSkipsCommentsAndBlanks(t *testing.T) {
	input := "# comment\n\n  \napp.bin -> app.bin\n# trailing comment\n"
	m, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if len(m.Entries) != 1 {
		t.Errorf("expected 1 entry, got %d", len(m.Entries))
	}
}

func TestParseRejectsEscapingRemote(t *testing.T) {
	cases := []string{
		"app.bin -> ../../etc/passwd",
		"app.bin -> /etc/passwd",
		"app.bin -> a/../../b",
		"app.bin -> .",
	}
	for _, line := range cases {
		if _, err := Parse(strings.NewReader(line)); err == nil {
			t.Errorf("Parse(%q) should fail", line)
		}
	}
}

func TestParseNormalizesRemote(t *testing.T) {
	m, err := Parse(strings.NewReader("app.bin -> ./app//current/../server.bin\n"))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if m.Entries[0].RemoteRel != "app/server.bin" {
		t.Errorf("remote = %q, want \"app/server.bin\"", m.Entries[0].RemoteRel)
	}
}

func TestParseRejectsDuplicateRemote(t *testing.T) {
	input := "a.bin -> app.bin\nb.bin -> app.bin\n"
	_, err := Parse(strings.NewReader(input))
	if err == nil {
		t.Fatal("expected error for duplicate remote path")
	}
	if !strings.Contains(err.Error(), "line 2") {
		t.Errorf("error should name the offending line, got: %v", err)
	}
}

func TestParseRejectsHalfMapping(t *testing.T) {
	cases := []string{"-> app.bin", "app.bin ->"}
	for _, line := range cases {
		if _, err := Parse(strings.NewReader(line)); err == nil {
			t.Errorf("Parse(%q) should fail", line)
		}
	}
}

func TestParseEmptyManifest(t *testing.T) {
	if _, err := Parse(strings.NewReader("# only comments\n")); err == nil {
		t.Fatal("expected error for manifest with no entries")
	}
}

func TestLoadStatsLocalFiles(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, "server.bin")
	if err := os.WriteFile(local, []byte("binary payload"), 0755); err != nil {
		t.Fatal(err)
	}

	manifestPath := filepath.Join(dir, "files.list")
	content := local + " -> app/server.bin\n"
	if err := os.WriteFile(manifestPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(manifestPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if m.Path != manifestPath {
		t.Errorf("manifest path = %q, want %q", m.Path, manifestPath)
	}
	if m.Entries[0].Size != int64(len("binary payload")) {
		t.Errorf("entry size = %d, want %d", m.Entries[0].Size, len("binary payload"))
	}
	if m.TotalBytes() != int64(len("binary payload")) {
		t.Errorf("total bytes = %d", m.TotalBytes())
	}
}

func TestLoadMissingLocalFile(t *testing.T) {
	dir := t.TempDir()
	manifestPath := filepath.Join(dir, "files.list")
	if err := os.WriteFile(manifestPath, []byte("/does/not/exist -> app.bin\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(manifestPath); err == nil {
		t.Fatal("expected error for missing local file")
	}
}

func TestLoadRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "subdir")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}

	manifestPath := filepath.Join(dir, "files.list")
	if err := os.WriteFile(manifestPath, []byte(sub+" -> sub\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(manifestPath); err == nil {
		t.Fatal("expected error for directory entry")
	}
}

func TestLoadNonexistentManifest(t *testing.T) {
	if _, err := Load("/nonexistent/files.list"); err == nil {
		t.Fatal("expected error for nonexistent manifest")
	}
}
