package client

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	// Fast settings: 3 failures, 100ms cooldown.
	br := NewBreaker(3, 100*time.Millisecond)

	boom := errors.New("downstream boom")
	fail := func() error { return boom }

	if br.Open() {
		t.Fatal("new breaker should admit pushes")
	}

	// Two failures stay under the threshold.
	for i := 0; i < 2; i++ {
		if err := br.Do(fail); !errors.Is(err, boom) {
			t.Fatalf("expected op error, got %v", err)
		}
	}
	if br.Open() {
		t.Error("should remain closed after 2 failures")
	}

	// Third failure trips it.
	if err := br.Do(fail); !errors.Is(err, boom) {
		t.Fatalf("expected op error, got %v", err)
	}
	if !br.Open() {
		t.Error("expected open after 3 failures")
	}

	// While open the op must not run.
	ran := false
	err := br.Do(func() error { ran = true; return nil })
	if !errors.Is(err, ErrPushRejected) {
		t.Errorf("expected ErrPushRejected, got %v", err)
	}
	if ran {
		t.Error("op should not run while open")
	}

	// After the cooldown a probe is admitted; a failing probe reopens.
	time.Sleep(150 * time.Millisecond)
	if err := br.Do(fail); !errors.Is(err, boom) {
		t.Fatalf("probe should run, got %v", err)
	}
	if !br.Open() {
		t.Error("failed probe should reopen the breaker")
	}

	// A successful probe closes it again.
	time.Sleep(150 * time.Millisecond)
	if err := br.Do(func() error { return nil }); err != nil {
		t.Fatalf("probe should run, got %v", err)
	}
	if br.Open() {
		t.Error("successful probe should close the breaker")
	}
	if br.failures != 0 {
		t.Errorf("failures should be reset, got %d", br.failures)
	}
}
