package scheduler

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAlarmFires(t *testing.T) {
	var fired int32
	a := New("test", func(at time.Time) {
		atomic.StoreInt32(&fired, 1)
	})
	a.Set(time.Now().Add(20 * time.Millisecond))

	deadline := time.Now().Add(500 * time.Millisecond)
	for atomic.LoadInt32(&fired) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if atomic.LoadInt32(&fired) == 0 {
		t.Fatal("expected alarm to fire")
	}
}

func TestAlarmReArmReplacesPending(t *testing.T) {
	var count int32
	a := New("test", func(at time.Time) {
		atomic.AddInt32(&count, 1)
	})
	a.Set(time.Now().Add(10 * time.Millisecond))
	a.Set(time.Now().Add(50 * time.Millisecond))

	time.Sleep(150 * time.Millisecond)
	if atomic.LoadInt32(&count) != 1 {
		t.Fatalf("expected exactly one fire after re-arm, got %d", count)
	}
}

func TestAlarmStopPreventsFire(t *testing.T) {
	var fired int32
	a := New("test", func(at time.Time) {
		atomic.StoreInt32(&fired, 1)
	})
	a.Set(time.Now().Add(20 * time.Millisecond))
	a.Stop()

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("expected alarm not to fire after Stop")
	}
}

func TestAlarmZeroTimeDisarms(t *testing.T) {
	var fired int32
	a := New("test", func(at time.Time) {
		atomic.StoreInt32(&fired, 1)
	})
	a.Set(time.Now().Add(10 * time.Millisecond))
	a.Set(time.Time{})

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatal("expected zero time to disarm the alarm")
	}
}

func TestEarliest(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)

	if got := Earliest(time.Time{}, later, now); !got.Equal(now) {
		t.Errorf("expected earliest to ignore zero time and pick now, got %v", got)
	}
	if got := Earliest(time.Time{}, time.Time{}); !got.IsZero() {
		t.Errorf("expected zero when all inputs are zero, got %v", got)
	}
}
