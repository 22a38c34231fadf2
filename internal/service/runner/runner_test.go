package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func testRunner(installTimeout, buildTimeout time.Duration, outputLimit int) Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(installTimeout, buildTimeout, outputLimit, log)
}

func TestInstallCapturesOutput(t *testing.T) {
	svc := testRunner(time.Minute, time.Minute, 4096)

	res, err := svc.Install(context.Background(), t.TempDir(), "echo installing deps", nil)
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !strings.Contains(res.Output, "installing deps") {
		t.Fatalf("expected command output captured, got %q", res.Output)
	}
	if res.Duration <= 0 {
		t.Fatal("expected a positive duration")
	}
}

func TestInstallFailureKeepsOutput(t *testing.T) {
	svc := testRunner(time.Minute, time.Minute, 4096)

	res, err := svc.Install(context.Background(), t.TempDir(), "echo boom reason; exit 3", nil)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if !strings.Contains(res.Output, "boom reason") {
		t.Fatalf("failure output lost: %q", res.Output)
	}
	if !strings.Contains(err.Error(), "boom reason") {
		t.Fatalf("last output line should surface in the error: %v", err)
	}
}

func TestBuildTimesOut(t *testing.T) {
	svc := testRunner(time.Minute, 50*time.Millisecond, 4096)

	_, err := svc.Build(context.Background(), t.TempDir(), "sleep 5", nil)
	if !errors.Is(err, ErrBuildFailed) {
		t.Fatalf("expected ErrBuildFailed, got %v", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout in error, got %v", err)
	}
}

func TestDeadParentContextIsNotReportedAsStepTimeout(t *testing.T) {
	svc := testRunner(time.Minute, time.Minute, 4096)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := svc.Install(ctx, t.TempDir(), "sleep 5", nil)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("expected ErrInstallFailed, got %v", err)
	}
	if strings.Contains(err.Error(), "timed out after") {
		t.Fatalf("attempt cancellation mislabeled as step timeout: %v", err)
	}
	if !strings.Contains(err.Error(), "canceled") {
		t.Fatalf("expected cancellation in error, got %v", err)
	}
}

func TestStepEnvIsMergedIn(t *testing.T) {
	svc := testRunner(time.Minute, time.Minute, 4096)

	res, err := svc.Install(context.Background(), t.TempDir(), "echo port=$PORT", map[string]string{"PORT": "3100"})
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if !strings.Contains(res.Output, "port=3100") {
		t.Fatalf("injected env not visible to step: %q", res.Output)
	}
}

func TestOutputIsTailLimited(t *testing.T) {
	svc := testRunner(time.Minute, time.Minute, 64)

	res, err := svc.Install(context.Background(), t.TempDir(), "seq 1 1000", nil)
	if err != nil {
		t.Fatalf("Install failed: %v", err)
	}
	if len(res.Output) > 64 {
		t.Fatalf("output exceeds limit: %d bytes", len(res.Output))
	}
	if !strings.Contains(res.Output, "1000") {
		t.Fatalf("tail must keep the end of the output, got %q", res.Output)
	}
}
