// Package manifest parses the file list handed to a deployment: which local
// files go where under the remote application root.
package manifest

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chatmrpt/convoy/internal/pathutil"
)

// Entry maps one local file to its destination relative to the remote root.
type Entry struct {
	LocalPath string // local file to push
	RemoteRel string // clean destination path relative to the remote root
	Size      int64  // local file size, filled by Load
}

// Manifest is an ordered list of transfer entries.
type Manifest struct {
	Path    string
	Entries []Entry
}

// Parse reads manifest lines from r. Each non-blank, non-comment line is
// either "local -> remote_rel" or a bare path. Bare relative paths keep
// their own path on the remote side; bare absolute paths map to their base
// name. Remote paths must be relative and must not traverse upward.
func Parse(r io.Reader) (*Manifest, error) {
	m := &Manifest{}
	seen := make(map[string]int)

	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("manifest line %d: %w", lineno, err)
		}

		if prev, ok := seen[entry.RemoteRel]; ok {
			return nil, fmt.Errorf("manifest line %d: remote path %q already mapped on line %d", lineno, entry.RemoteRel, prev)
		}
		seen[entry.RemoteRel] = lineno

		m.Entries = append(m.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}

	if len(m.Entries) == 0 {
		return nil, fmt.Errorf("manifest contains no entries")
	}

	return m, nil
}

func parseLine(line string) (Entry, error) {
	local := line
	remote := ""

	if i := strings.Index(line, "->"); i >= 0 {
		local = strings.TrimSpace(line[:i])
		remote = strings.TrimSpace(line[i+2:])
		if local == "" {
			return Entry{}, fmt.Errorf("missing local path before \"->\"")
		}
		if remote == "" {
			return Entry{}, fmt.Errorf("missing remote path after \"->\"")
		}
	}

	local = pathutil.ExpandHome(local)

	if remote == "" {
		if filepath.IsAbs(local) {
			remote = filepath.Base(local)
		} else {
			remote = filepath.ToSlash(local)
		}
	}

	cleaned, err := pathutil.CleanRelative(remote)
	if err != nil {
		return Entry{}, fmt.Errorf("remote path: %w", err)
	}

	return Entry{LocalPath: local, RemoteRel: cleaned}, nil
}

// Load reads and parses the manifest at path, then verifies that every local
// file exists and is a regular file. Entry sizes are filled from the stat.
func Load(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening manifest: %w", err)
	}
	defer f.Close()

	m, err := Parse(f)
	if err != nil {
		return nil, err
	}
	m.Path = path

	for i := range m.Entries {
		entry := &m.Entries[i]
		info, err := os.Stat(entry.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("manifest entry %q: %w", entry.LocalPath, err)
		}
		if !info.Mode().IsRegular() {
			return nil, fmt.Errorf("manifest entry %q: not a regular file", entry.LocalPath)
		}
		entry.Size = info.Size()
	}

	return m, nil
}

// TotalBytes returns the sum of all entry sizes.
func (m *Manifest) TotalBytes() int64 {
	var total int64
	for _, e := range m.Entries {
		total += e.Size
	}
	return total
}
