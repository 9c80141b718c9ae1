package crown

import (
	"errors"
	"testing"
	"time"
)

func testPolicy(slept *[]time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = func(d time.Duration) { *slept = append(*slept, d) }
	return p
}

func TestRetrySucceedsFirstTry(t *testing.T) {
	var slept []time.Duration
	calls := 0

	err := testPolicy(&slept).Do(func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if len(slept) != 0 {
		t.Errorf("no sleeps expected, got %v", slept)
	}
}

func TestRetryBackoffSchedule(t *testing.T) {
	var slept []time.Duration
	calls := 0

	err := testPolicy(&slept).Do(func() error {
		calls++
		return errors.New("transient")
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != 4 {
		t.Errorf("expected initial attempt plus 3 retries, got %d calls", calls)
	}

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	if len(slept) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Errorf("sleep %d: got %v, want %v", i, slept[i], want[i])
		}
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	var slept []time.Duration
	calls := 0

	err := testPolicy(&slept).Do(func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if len(slept) != 2 {
		t.Errorf("expected 2 sleeps, got %v", slept)
	}
}

func TestRetryPermanentErrorStopsImmediately(t *testing.T) {
	var slept []time.Duration
	terminal := errors.New("winner run not found")
	calls := 0

	err := testPolicy(&slept).Do(func() error {
		calls++
		return Permanent(terminal)
	})
	if !errors.Is(err, terminal) {
		t.Fatalf("expected the wrapped error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("permanent error should not be retried, got %d calls", calls)
	}
	if len(slept) != 0 {
		t.Errorf("permanent error should not sleep, got %v", slept)
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		t.Error("Do should unwrap the permanent marker before returning")
	}
}

func TestPermanentNil(t *testing.T) {
	if Permanent(nil) != nil {
		t.Error("Permanent(nil) should stay nil")
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	var slept []time.Duration
	final := errors.New("still broken")
	calls := 0

	err := testPolicy(&slept).Do(func() error {
		calls++
		if calls == 4 {
			return final
		}
		return errors.New("earlier failure")
	})
	if !errors.Is(err, final) {
		t.Errorf("expected last error, got %v", err)
	}
}
