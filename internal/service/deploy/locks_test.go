package deploy

import (
	"errors"
	"testing"
	"time"
)

func TestLocksMutualExclusion(t *testing.T) {
	l := newLocks(time.Minute)

	token, err := l.acquire(1)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := l.acquire(1); !errors.Is(err, ErrDeploymentInProgress) {
		t.Fatalf("expected ErrDeploymentInProgress, got %v", err)
	}

	// Other projects are unaffected.
	if _, err := l.acquire(2); err != nil {
		t.Fatalf("unrelated project blocked: %v", err)
	}

	l.release(1, token)
	if _, err := l.acquire(1); err != nil {
		t.Fatalf("acquire after release failed: %v", err)
	}
}

func TestLocksReleaseRequiresToken(t *testing.T) {
	l := newLocks(time.Minute)

	if _, err := l.acquire(1); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	l.release(1, "not-the-token")
	if !l.busy(1) {
		t.Fatal("wrong token must not release the lock")
	}
}

func TestLocksStaleHoldIsForceCleared(t *testing.T) {
	l := newLocks(10 * time.Millisecond)

	old, err := l.acquire(1)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if l.busy(1) {
		t.Fatal("stale lock should no longer report busy")
	}
	if _, err := l.acquire(1); err != nil {
		t.Fatalf("stale lock must be force-cleared on acquire: %v", err)
	}

	// The crashed holder finishing late cannot drop the new holder's lock.
	l.release(1, old)
	if !l.busy(1) {
		t.Fatal("late release with stale token must not free the new lock")
	}
}

func TestLocksBusy(t *testing.T) {
	l := newLocks(time.Minute)
	if l.busy(1) {
		t.Fatal("fresh lock table should not be busy")
	}
	token, _ := l.acquire(1)
	if !l.busy(1) {
		t.Fatal("held lock should report busy")
	}
	l.release(1, token)
	if l.busy(1) {
		t.Fatal("released lock should not report busy")
	}
}
