package limiter

import "testing"

func TestThrottleAllowsBurstThenDenies(t *testing.T) {
	th := NewThrottle(1, 3)

	for i := 0; i < 3; i++ {
		if !th.Allow("caller-a") {
			t.Fatalf("burst request %d: expected allow", i)
		}
	}
	if th.Allow("caller-a") {
		t.Error("expected denial after burst is spent")
	}
}

func TestThrottlePerCallerIsolation(t *testing.T) {
	th := NewThrottle(1, 1)

	if !th.Allow("caller-a") {
		t.Fatal("expected caller-a first request allowed")
	}
	if th.Allow("caller-a") {
		t.Error("expected caller-a second request denied")
	}
	if !th.Allow("caller-b") {
		t.Error("caller-b must have its own bucket")
	}
}

func TestThrottleDisabled(t *testing.T) {
	th := NewThrottle(0, 0)

	for i := 0; i < 50; i++ {
		if !th.Allow("caller-a") {
			t.Fatal("disabled throttle must always allow")
		}
	}
}
