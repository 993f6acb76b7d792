package timer

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestAfterFires(t *testing.T) {
	tm := New()
	done := make(chan struct{})
	tm.After("k", "x", 10*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}

	// Entry is removed before the callback runs.
	if n := tm.Count("k"); n != 0 {
		t.Errorf("Count after fire = %d, want 0", n)
	}
}

func TestHandleCancel(t *testing.T) {
	tm := New()
	var fired int32
	h := tm.After("k", "x", 20*time.Millisecond, func() { atomic.StoreInt32(&fired, 1) })

	if !h.Cancel() {
		t.Fatal("Cancel on armed timer should report true")
	}
	if h.Cancel() {
		t.Error("second Cancel should report false")
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Error("cancelled timer fired")
	}
}

func TestCancelGroup(t *testing.T) {
	tm := New()
	var fired int32
	for i := 0; i < 3; i++ {
		tm.After("a", "seq", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })
	}
	tm.After("b", "seq", 20*time.Millisecond, func() { atomic.AddInt32(&fired, 1) })

	if n := tm.CancelGroup("a"); n != 3 {
		t.Errorf("CancelGroup = %d, want 3", n)
	}
	time.Sleep(60 * time.Millisecond)
	if got := atomic.LoadInt32(&fired); got != 1 {
		t.Errorf("fired = %d, want 1 (only group b)", got)
	}
}

func TestCancelLabelAndPrefix(t *testing.T) {
	tm := New()
	noop := func() {}
	tm.After("main/1@d", "check", time.Hour, noop)
	tm.After("main/1@d", "seq", time.Hour, noop)
	tm.After("main/2@d", "seq", time.Hour, noop)
	tm.After("other/1@d", "seq", time.Hour, noop)
	defer tm.Stop()

	if !tm.HasLabel("main/1@d", "check") {
		t.Fatal("expected check timer")
	}
	if n := tm.CancelLabel("main/1@d", "check"); n != 1 {
		t.Errorf("CancelLabel = %d, want 1", n)
	}
	if tm.HasLabel("main/1@d", "check") {
		t.Error("check timer still armed")
	}
	if n := tm.CancelPrefix("main/"); n != 2 {
		t.Errorf("CancelPrefix = %d, want 2", n)
	}
	if n := len(tm.List("")); n != 1 {
		t.Errorf("remaining timers = %d, want 1", n)
	}
}

func TestAtInThePastFiresImmediately(t *testing.T) {
	tm := New()
	done := make(chan struct{})
	tm.At("k", "late", time.Now().Add(-time.Hour), func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("past timer did not fire")
	}
}

func TestListOrderedByExpiry(t *testing.T) {
	tm := New()
	defer tm.Stop()
	noop := func() {}
	tm.After("k", "late", 2*time.Hour, noop)
	tm.After("k", "early", time.Hour, noop)

	list := tm.List("k")
	if len(list) != 2 {
		t.Fatalf("List len = %d, want 2", len(list))
	}
	if list[0].Label != "early" || list[1].Label != "late" {
		t.Errorf("unexpected order: %s, %s", list[0].Label, list[1].Label)
	}
	if list[0].Remaining <= 0 {
		t.Error("remaining should be positive")
	}
}
