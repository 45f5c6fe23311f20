// Package hosts manages a sentinel-delimited block of entries in the
// system hosts file, redirecting every proxied hostname to 127.0.0.1
// so the OS's own resolver never answers for them. Applying the block
// is idempotent: re-applying strips the previous block before writing
// the new one, so repeated runs (or a crash-restart) never accumulate
// duplicate entries.
package hosts

import (
	"fmt"
	"os"
	"strings"
)

const sentinel = "# Auto Generate by snimap"

// DefaultPath is the standard hosts file location on Unix systems.
const DefaultPath = "/etc/hosts"

// Manager applies and restores the proxy's block of hosts file
// entries.
type Manager struct {
	path string
}

// New builds a Manager for the hosts file at path. An empty path uses
// DefaultPath.
func New(path string) *Manager {
	if path == "" {
		path = DefaultPath
	}
	return &Manager{path: path}
}

// Apply rewrites the hosts file so it contains exactly one sentinel
// block mapping every hostname in hostnames to 127.0.0.1, replacing
// any block left over from a previous run.
func (m *Manager) Apply(hostnames []string) error {
	current, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read hosts file %s: %w", m.path, err)
	}

	updated := genHosts(string(current), hostnames)

	return writeAtomic(m.path, updated)
}

// Restore removes the proxy's sentinel block entirely, leaving the
// hosts file as it would be with no hostnames configured.
func (m *Manager) Restore() error {
	current, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read hosts file %s: %w", m.path, err)
	}

	updated := genHosts(string(current), nil)

	return writeAtomic(m.path, updated)
}

// genHosts strips any existing sentinel-delimited block from
// oldHosts, then (if hostnames is non-empty) appends a fresh one.
func genHosts(oldHosts string, hostnames []string) string {
	lines := strings.Split(oldHosts, "\n")

	var kept []string
	inBlock := false
	for _, line := range lines {
		if strings.HasPrefix(line, sentinel) {
			inBlock = !inBlock
			continue
		}
		if !inBlock {
			kept = append(kept, line)
		}
	}

	if len(hostnames) == 0 {
		return strings.Join(kept, "\n")
	}

	kept = append(kept, sentinel)
	for _, h := range hostnames {
		kept = append(kept, fmt.Sprintf("127.0.0.1\t%s", h))
	}
	kept = append(kept, sentinel)

	return strings.Join(kept, "\n")
}

// writeAtomic writes contents to path via a temp file + rename, so a
// crash mid-write never leaves the hosts file truncated.
func writeAtomic(path, contents string) error {
	tmp := path + ".snimap.tmp"
	if err := os.WriteFile(tmp, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("write temp hosts file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace hosts file %s: %w", path, err)
	}
	return nil
}
