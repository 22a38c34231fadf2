package deploy

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// lockEntry marks a project as having an in-flight deployment.
type lockEntry struct {
	token      string
	acquiredAt time.Time
}

// locks enforces at-most-one-active-deployment-per-project. A lock older than
// maxHold is considered leaked by a crashed pipeline and is force-cleared on
// the next acquire, so no project stays locked forever.
type locks struct {
	mu      sync.Mutex
	held    map[int64]lockEntry
	maxHold time.Duration
}

func newLocks(maxHold time.Duration) *locks {
	return &locks{
		held:    make(map[int64]lockEntry),
		maxHold: maxHold,
	}
}

// acquire returns an exclusive token for the project or
// ErrDeploymentInProgress when one is already held.
func (l *locks) acquire(projectID int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.held[projectID]; ok {
		if l.maxHold <= 0 || time.Since(entry.acquiredAt) < l.maxHold {
			return "", ErrDeploymentInProgress
		}
		// Stale lock left behind by a crashed pipeline.
		delete(l.held, projectID)
	}

	token := uuid.NewString()
	l.held[projectID] = lockEntry{token: token, acquiredAt: time.Now()}
	return token, nil
}

// busy reports whether a live (non-stale) lock is held for the project.
func (l *locks) busy(projectID int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.held[projectID]
	if !ok {
		return false
	}
	return l.maxHold <= 0 || time.Since(entry.acquiredAt) < l.maxHold
}

// release frees the project's lock. Only the holder's token releases it, so a
// force-cleared pipeline finishing late cannot drop a successor's lock.
func (l *locks) release(projectID int64, token string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.held[projectID]; ok && entry.token == token {
		delete(l.held, projectID)
	}
}
