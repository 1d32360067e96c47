package runlock

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLocalLockerFailsFastOnContention(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	// Same contention contract as the Redis backend: busy, not queued.
	if _, err := l.Acquire(ctx, "run-1"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second acquire: got %v, want ErrBusy", err)
	}

	release()
	release2, err := l.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestLocalLockerIndependentRuns(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "run-1")
	if err != nil {
		t.Fatal(err)
	}
	defer r1()

	// A different run id must not contend.
	done, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	r2, err := l.Acquire(done, "run-2")
	if err != nil {
		t.Fatalf("independent run blocked: %v", err)
	}
	r2()
}
