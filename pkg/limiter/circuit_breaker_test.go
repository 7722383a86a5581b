package limiter

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/snow-ghost/dispatch/core"
)

func testBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         50 * time.Millisecond,
		ProbeRequests:       1,
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	bm := NewBreakerManager(testBreakerConfig(), nil, nil)
	boom := errors.New("upstream down")

	for i := 0; i < 3; i++ {
		_, err := bm.Execute("cloud-std", func() (interface{}, error) {
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected upstream error, got %v", i, err)
		}
	}

	if !bm.IsOpen("cloud-std") {
		t.Fatal("expected breaker open after 3 consecutive failures")
	}

	called := false
	_, err := bm.Execute("cloud-std", func() (interface{}, error) {
		called = true
		return nil, nil
	})
	if !errors.Is(err, core.ErrCircuitOpen) {
		t.Errorf("expected core.ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must not invoke the function")
	}
}

func TestBreakerRecoversThroughProbe(t *testing.T) {
	bm := NewBreakerManager(testBreakerConfig(), nil, nil)

	for i := 0; i < 3; i++ {
		bm.Execute("cloud-std", func() (interface{}, error) {
			return nil, fmt.Errorf("failure %d", i)
		})
	}
	if !bm.IsOpen("cloud-std") {
		t.Fatal("expected open breaker")
	}

	time.Sleep(70 * time.Millisecond)

	result, err := bm.Execute("cloud-std", func() (interface{}, error) {
		return "probe ok", nil
	})
	if err != nil {
		t.Fatalf("expected probe to run after timeout, got %v", err)
	}
	if result != "probe ok" {
		t.Errorf("unexpected probe result: %v", result)
	}
	if bm.State("cloud-std") != gobreaker.StateClosed {
		t.Errorf("expected closed after successful probe, got %s", bm.State("cloud-std"))
	}
}

func TestBreakerIgnoresAbandonedAttempts(t *testing.T) {
	bm := NewBreakerManager(testBreakerConfig(), nil, nil)
	boom := errors.New("upstream down")

	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	bm.Execute("cloud-std", func() (interface{}, error) {
		return nil, fmt.Errorf("%w: task cancelled", ErrExecutionAbandoned)
	})

	if bm.IsOpen("cloud-std") {
		t.Fatal("abandoned attempt must not count toward the trip threshold")
	}

	// the abandoned attempt cleared the consecutive count
	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	if bm.IsOpen("cloud-std") {
		t.Fatal("expected breaker still closed at 2 consecutive failures")
	}

	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	if !bm.IsOpen("cloud-std") {
		t.Error("expected breaker open after 3 consecutive real failures")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	bm := NewBreakerManager(testBreakerConfig(), nil, nil)
	boom := errors.New("upstream down")

	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	bm.Execute("cloud-std", func() (interface{}, error) { return "ok", nil })
	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })

	if bm.IsOpen("cloud-std") {
		t.Error("success between failures must reset the consecutive count")
	}
}

func TestBreakersAreIndependent(t *testing.T) {
	bm := NewBreakerManager(testBreakerConfig(), nil, nil)
	boom := errors.New("upstream down")

	for i := 0; i < 3; i++ {
		bm.Execute("cloud-std", func() (interface{}, error) { return nil, boom })
	}

	if !bm.IsOpen("cloud-std") {
		t.Fatal("expected cloud-std open")
	}
	if bm.IsOpen("cloud-premium") {
		t.Error("cloud-premium breaker must be unaffected")
	}
}
