package trx

import (
	"testing"
	"time"
)

func TestSharedLocksDoNotConflict(t *testing.T) {
	m := NewManager(nil)
	a := m.Begin()
	b := m.Begin()

	if err := m.AcquireLock(1, 1, 100, a, Shared); err != nil {
		t.Fatalf("a shared: %v", err)
	}
	if err := m.AcquireLock(1, 1, 100, b, Shared); err != nil {
		t.Fatalf("b shared: %v", err)
	}
}

func TestExclusiveBlocksUntilReleased(t *testing.T) {
	m := NewManager(nil)
	a := m.Begin()
	b := m.Begin()

	if err := m.AcquireLock(1, 1, 100, a, Exclusive); err != nil {
		t.Fatalf("a exclusive: %v", err)
	}

	granted := make(chan error, 1)
	go func() {
		granted <- m.AcquireLock(1, 1, 100, b, Exclusive)
	}()

	select {
	case <-granted:
		t.Fatalf("b's exclusive lock granted while a still holds it")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseAll(a)

	select {
	case err := <-granted:
		if err != nil {
			t.Fatalf("b exclusive after release: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("b never granted its lock after a released")
	}
}

func TestUnknownTransactionRejected(t *testing.T) {
	m := NewManager(nil)
	if err := m.AcquireLock(1, 1, 100, 999, Shared); err != ErrUnknownTrx {
		t.Fatalf("AcquireLock for unknown trx = %v, want ErrUnknownTrx", err)
	}
}

func TestDeadlockDetected(t *testing.T) {
	m := NewManager(nil)
	a := m.Begin()
	b := m.Begin()

	if err := m.AcquireLock(1, 1, 100, a, Exclusive); err != nil {
		t.Fatalf("a locks record 100: %v", err)
	}
	if err := m.AcquireLock(1, 1, 200, b, Exclusive); err != nil {
		t.Fatalf("b locks record 200: %v", err)
	}

	bWaits := make(chan error, 1)
	go func() {
		bWaits <- m.AcquireLock(1, 1, 100, b, Exclusive)
	}()
	time.Sleep(50 * time.Millisecond)

	// a now requests record 200, held by b, which is waiting on a: a cycle.
	err := m.AcquireLock(1, 1, 200, a, Exclusive)
	if err != ErrDeadlock {
		t.Fatalf("a's conflicting request = %v, want ErrDeadlock", err)
	}

	m.ReleaseAll(a)
	if err := <-bWaits; err != nil {
		t.Fatalf("b's original wait: %v", err)
	}
}

func TestReleaseAllForgetsTransaction(t *testing.T) {
	m := NewManager(nil)
	a := m.Begin()
	if err := m.AcquireLock(1, 1, 100, a, Shared); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.ReleaseAll(a)

	if _, ok := m.LastLSN(a); ok {
		t.Fatalf("transaction %d still present after ReleaseAll", a)
	}
}
