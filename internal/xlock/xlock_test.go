package xlock

import (
	"sync"
	"testing"
	"time"

	"github.com/i5heu/gridstore/internal/vfs"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	mem, err := vfs.NewMemBackend()
	if err != nil {
		t.Fatalf("NewMemBackend: %v", err)
	}
	v := vfs.New()
	v.Register("mem", mem)
	return New(v)
}

func TestXLockThenXUnlockAllowsReentry(t *testing.T) {
	c := newTestCoordinator(t)
	uri := "mem://arr1"

	if err := c.XLock(uri); err != nil {
		t.Fatalf("XLock: %v", err)
	}
	if err := c.XUnlock(uri); err != nil {
		t.Fatalf("XUnlock: %v", err)
	}
	if err := c.XLock(uri); err != nil {
		t.Fatalf("second XLock: %v", err)
	}
	if err := c.XUnlock(uri); err != nil {
		t.Fatalf("second XUnlock: %v", err)
	}
}

func TestTryXLockFailsWhileHeld(t *testing.T) {
	c := newTestCoordinator(t)
	uri := "mem://arr2"

	if err := c.XLock(uri); err != nil {
		t.Fatalf("XLock: %v", err)
	}
	ok, err := c.TryXLock(uri)
	if err != nil {
		t.Fatalf("TryXLock: %v", err)
	}
	if ok {
		t.Fatalf("TryXLock: expected false while held")
	}
	c.XUnlock(uri)
}

func TestXLockBlocksConcurrentCallerUntilUnlocked(t *testing.T) {
	c := newTestCoordinator(t)
	uri := "mem://arr3"

	if err := c.XLock(uri); err != nil {
		t.Fatalf("XLock: %v", err)
	}

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.XLock(uri); err != nil {
			t.Errorf("blocked XLock: %v", err)
			return
		}
		close(acquired)
		c.XUnlock(uri)
	}()

	select {
	case <-acquired:
		t.Fatalf("second XLock acquired before first was unlocked")
	case <-time.After(50 * time.Millisecond):
	}

	if err := c.XUnlock(uri); err != nil {
		t.Fatalf("XUnlock: %v", err)
	}

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second XLock never acquired after unlock")
	}
	wg.Wait()
}
