// Package spool wraps the filesystem side of the dialer integration: the
// working directories, the dialer's watch directory and inbound artifacts.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SidecarExt is the extension of inbound metadata files.
const SidecarExt = ".json"

// InFlightExt is appended to a sidecar while its artifact is being persisted.
// ListSidecars never returns such files.
const InFlightExt = ".ingesting"

var ErrEmptyPath = errors.New("spool: empty path")

// Gateway performs spool operations with dialer-compatible semantics.
// Files are moved into the watch directory by rename only, so the dialer never
// observes a partially written call file.
type Gateway struct {
	DialerOutgoingDir string
	FaxOutDir         string
	FaxInDir          string
	QuarantineDir     string

	// UID/GID applied to call files before handoff. -1 leaves the id unchanged.
	UID int
	GID int
}

// EnsureDirs creates every spool directory (recursively) that does not exist yet.
func (g *Gateway) EnsureDirs() error {
	for _, dir := range []string{g.DialerOutgoingDir, g.FaxOutDir, g.FaxInDir, g.QuarantineDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("spool: create %s: %w", dir, err)
		}
	}
	return nil
}

// OutgoingPath returns where an outgoing document named name is materialized.
// Only the base name is used so a stored filename cannot escape the directory.
func (g *Gateway) OutgoingPath(name string) string {
	return filepath.Join(g.FaxOutDir, filepath.Base(name))
}

func (g *Gateway) WriteFile(path string, data []byte) error {
	if path == "" {
		return ErrEmptyPath
	}
	return os.WriteFile(path, data, 0o644)
}

// Chown hands path to the dialer's runtime user and group.
func (g *Gateway) Chown(path string) error {
	if g.UID == -1 && g.GID == -1 {
		return nil
	}
	return os.Chown(path, g.UID, g.GID)
}

// Handoff chowns the call file and renames it into the dialer's watch
// directory under its original basename. After a successful return the dialer
// owns the file and it must not be touched again.
func (g *Gateway) Handoff(path string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if err := g.Chown(path); err != nil {
		return "", fmt.Errorf("spool: chown %s: %w", path, err)
	}
	dst := filepath.Join(g.DialerOutgoingDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("spool: move %s into watch dir: %w", path, err)
	}
	return dst, nil
}

// Remove deletes paths in order. Every path is attempted; the failures are joined.
func (g *Gateway) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ListSidecars returns the inbound metadata files, sorted by name.
func (g *Gateway) ListSidecars() ([]string, error) {
	entries, err := os.ReadDir(g.FaxInDir)
	if err != nil {
		return nil, fmt.Errorf("spool: list %s: %w", g.FaxInDir, err)
	}
	var out []string
	for _, e := range entries {
		if !e.Type().IsRegular() || !strings.EqualFold(filepath.Ext(e.Name()), SidecarExt) {
			continue
		}
		out = append(out, filepath.Join(g.FaxInDir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// MarkInFlight renames sidecar to its in-flight name. From then on no listing
// returns it, so once the record is persisted the artifact cannot be ingested
// again whatever the cleanup manages to delete.
func (g *Gateway) MarkInFlight(sidecar string) (string, error) {
	if sidecar == "" {
		return "", ErrEmptyPath
	}
	dst := sidecar + InFlightExt
	if err := os.Rename(sidecar, dst); err != nil {
		return "", fmt.Errorf("spool: mark %s in flight: %w", sidecar, err)
	}
	return dst, nil
}

// Restore puts an in-flight sidecar back so a later run retries the artifact.
func (g *Gateway) Restore(inFlight string) (string, error) {
	if !strings.HasSuffix(inFlight, InFlightExt) {
		return "", fmt.Errorf("spool: %s is not in flight", inFlight)
	}
	dst := strings.TrimSuffix(inFlight, InFlightExt)
	if err := os.Rename(inFlight, dst); err != nil {
		return "", fmt.Errorf("spool: restore %s: %w", dst, err)
	}
	return dst, nil
}

// Quarantine moves a sidecar that cannot be ingested out of the watch
// directory so later runs do not loop on it.
func (g *Gateway) Quarantine(path string) (string, error) {
	if g.QuarantineDir == "" {
		return "", errors.New("spool: quarantine dir not configured")
	}
	dst := filepath.Join(g.QuarantineDir, filepath.Base(path))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("spool: quarantine %s: %w", path, err)
	}
	return dst, nil
}
