package buffer

import (
	"path/filepath"
	"testing"

	"github.com/intellect4all/storage-engines/internal/pagefile"
)

func mustRegister(t *testing.T, m *Manager, tableID int64) *pagefile.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "t.tbl")
	f, err := pagefile.Open(path)
	if err != nil {
		t.Fatalf("pagefile.Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	if err := m.RegisterTable(tableID, f); err != nil {
		t.Fatalf("RegisterTable: %v", err)
	}
	return f
}

func TestAllocAndReadRoundTrip(t *testing.T) {
	m := NewManager(4, nil)
	f := mustRegister(t, m, 1)
	_ = f

	frame, err := m.AllocPage(1)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	copy(frame.Data()[:], "payload")
	pageNum := frame.PageNum()
	m.Unpin(frame, true)

	if err := m.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	got, err := m.ReadPage(1, pageNum, LatchShared)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	defer m.Unpin(got, false)
	if string(got.Data()[:7]) != "payload" {
		t.Fatalf("got %q, want %q", got.Data()[:7], "payload")
	}
}

func TestStatsCountHitsAndMisses(t *testing.T) {
	m := NewManager(4, nil)
	mustRegister(t, m, 1)

	frame, err := m.AllocPage(1)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	pageNum := frame.PageNum()
	m.Unpin(frame, true)
	if err := m.FlushAll(); err != nil {
		t.Fatalf("FlushAll: %v", err)
	}

	f1, err := m.ReadPage(1, pageNum, LatchShared)
	if err != nil {
		t.Fatalf("ReadPage 1: %v", err)
	}
	m.Unpin(f1, false)

	f2, err := m.ReadPage(1, pageNum, LatchShared)
	if err != nil {
		t.Fatalf("ReadPage 2: %v", err)
	}
	m.Unpin(f2, false)

	hits, misses, _ := m.Stats()
	if hits < 1 {
		t.Fatalf("expected at least one hit, got hits=%d misses=%d", hits, misses)
	}
}

func TestEvictionWritesBackDirtyFrame(t *testing.T) {
	m := NewManager(1, nil)
	mustRegister(t, m, 1)

	f1, err := m.AllocPage(1)
	if err != nil {
		t.Fatalf("AllocPage 1: %v", err)
	}
	copy(f1.Data()[:], "first")
	p1 := f1.PageNum()
	m.Unpin(f1, true)

	// A second allocation with capacity 1 must evict the first frame,
	// forcing a write-back since it was left dirty.
	f2, err := m.AllocPage(1)
	if err != nil {
		t.Fatalf("AllocPage 2: %v", err)
	}
	copy(f2.Data()[:], "second")
	m.Unpin(f2, true)

	_, _, evictions := m.Stats()
	if evictions < 1 {
		t.Fatalf("expected at least one eviction, got %d", evictions)
	}

	got, err := m.ReadPage(1, p1, LatchShared)
	if err != nil {
		t.Fatalf("ReadPage after eviction: %v", err)
	}
	defer m.Unpin(got, false)
	if string(got.Data()[:5]) != "first" {
		t.Fatalf("evicted page lost its write-back: got %q", got.Data()[:5])
	}
}

func TestFreePageRemovesFromCache(t *testing.T) {
	m := NewManager(4, nil)
	mustRegister(t, m, 1)

	f, err := m.AllocPage(1)
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	num := f.PageNum()
	m.Unpin(f, true)

	if err := m.FreePage(1, num); err != nil {
		t.Fatalf("FreePage: %v", err)
	}

	// The freed page number may be reused by the next allocation; this
	// only checks FreePage itself doesn't error or deadlock.
	if _, err := m.AllocPage(1); err != nil {
		t.Fatalf("AllocPage after free: %v", err)
	}
}
