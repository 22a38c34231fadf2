// Package snapshot captures restorable copies of a project's live directory
// before the pipeline touches it. A snapshot is an explicit handle owning the
// moved-aside directory, not a bare path: restore and discard are idempotent
// and a retention timer reclaims disk after successful deployments.
package snapshot

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode selects how the snapshot is taken.
type Mode int

const (
	// ModeRename moves the live directory aside. Atomic for concurrent
	// readers, but the live path disappears until materialization finishes.
	ModeRename Mode = iota
	// ModeCopy duplicates the live directory and leaves the original in
	// place, for pipelines that update the live tree in situ (git pulls).
	ModeCopy
)

// Handle identifies one snapshot and owns its on-disk backup directory.
type Handle struct {
	ID        string
	Project   string
	LiveDir   string
	BackupDir string
	HadLive   bool
	mode      Mode

	mu        sync.Mutex
	restored  bool
	discarded bool
	timer     *time.Timer
}

// Manager tracks at most one pending snapshot per project.
type Manager struct {
	retain time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*Handle
}

// NewManager constructs a Manager with the given retention window for
// post-success discards.
func NewManager(retain time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		retain:  retain,
		logger:  logger,
		pending: make(map[string]*Handle),
	}
}

// Take snapshots liveDir before any destructive change. A previous pending
// snapshot for the same project is discarded first, keeping the one-pending-
// snapshot invariant. When no live directory exists yet (first deployment)
// the handle records that, so Restore brings back the exact prior state:
// nothing.
func (m *Manager) Take(project, liveDir string, mode Mode) (*Handle, error) {
	m.mu.Lock()
	if prev, ok := m.pending[project]; ok {
		m.mu.Unlock()
		if err := m.Discard(prev); err != nil {
			return nil, fmt.Errorf("discard previous snapshot: %w", err)
		}
		m.mu.Lock()
	}
	m.mu.Unlock()

	h := &Handle{
		ID:      uuid.NewString(),
		Project: project,
		LiveDir: liveDir,
		mode:    mode,
	}

	info, err := os.Stat(liveDir)
	switch {
	case os.IsNotExist(err):
		return h, nil
	case err != nil:
		return nil, err
	case !info.IsDir():
		return nil, fmt.Errorf("snapshot: %s is not a directory", liveDir)
	}

	h.HadLive = true
	h.BackupDir = fmt.Sprintf("%s.bak.%s", liveDir, time.Now().UTC().Format("20060102T150405"))

	switch mode {
	case ModeRename:
		if err := os.Rename(liveDir, h.BackupDir); err != nil {
			return nil, err
		}
	case ModeCopy:
		if err := copyTree(liveDir, h.BackupDir); err != nil {
			os.RemoveAll(h.BackupDir)
			return nil, err
		}
	default:
		return nil, fmt.Errorf("snapshot: unknown mode %d", mode)
	}

	return h, nil
}

// Restore puts the live directory back to exactly its pre-snapshot state. It
// replaces wholesale, never merges, and is safe to call on a half-written
// target or a second time after success.
func (m *Manager) Restore(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.restored {
		return nil
	}
	if h.discarded {
		return fmt.Errorf("snapshot %s already discarded", h.ID)
	}

	if err := os.RemoveAll(h.LiveDir); err != nil {
		return fmt.Errorf("clear live directory: %w", err)
	}
	if h.HadLive {
		if err := os.Rename(h.BackupDir, h.LiveDir); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	h.restored = true
	h.discarded = true // the backup was consumed by the rename
	m.stopTimer(h)
	m.forget(h)
	return nil
}

// Discard releases the snapshot's disk space. Idempotent.
func (m *Manager) Discard(h *Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.discarded {
		return nil
	}
	if h.HadLive {
		if err := os.RemoveAll(h.BackupDir); err != nil {
			return err
		}
	}
	h.discarded = true
	m.stopTimer(h)
	m.forget(h)
	return nil
}

// ScheduleDiscard queues the handle for deletion after the retention window,
// giving an operator a short look at the previous tree before disk space is
// reclaimed.
func (m *Manager) ScheduleDiscard(h *Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.discarded || h.timer != nil {
		return
	}

	m.mu.Lock()
	m.pending[h.Project] = h
	m.mu.Unlock()

	h.timer = time.AfterFunc(m.retain, func() {
		if err := m.Discard(h); err != nil && m.logger != nil {
			m.logger.Error("snapshot discard failed", "project", h.Project, "snapshot", h.ID, "error", err)
		}
	})
}

// Pending returns the retained snapshot for a project, if any.
func (m *Manager) Pending(project string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.pending[project]
	return h, ok
}

// Claim takes ownership of the retained snapshot for a project, cancelling
// its discard timer. The caller becomes responsible for restoring or
// discarding it.
func (m *Manager) Claim(project string) (*Handle, bool) {
	m.mu.Lock()
	h, ok := m.pending[project]
	if ok {
		delete(m.pending, project)
	}
	m.mu.Unlock()
	if !ok {
		return nil, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.discarded {
		return nil, false
	}
	m.stopTimer(h)
	return h, true
}

func (m *Manager) stopTimer(h *Handle) {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

func (m *Manager) forget(h *Handle) {
	m.mu.Lock()
	if m.pending[h.Project] == h {
		delete(m.pending, h.Project)
	}
	m.mu.Unlock()
}

// copyTree duplicates a directory recursively. Symlinks are reproduced as
// links, everything else byte for byte.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		default:
			return copyFile(path, target, info.Mode().Perm())
		}
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
