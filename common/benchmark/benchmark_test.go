package benchmark

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/intellect4all/storage-engines/internal/engine"
)

func TestKeyGeneratorStaysInRange(t *testing.T) {
	for _, dist := range []KeyDistribution{DistUniform, DistZipfian, DistSequential, DistLatest} {
		kg := NewKeyGenerator(100, dist, 7)
		for i := 0; i < 1000; i++ {
			k := kg.NextKey()
			if k < 0 || k >= 100 {
				t.Fatalf("distribution %s produced out-of-range key %d", dist, k)
			}
		}
	}
}

func TestLatencyHistogramPercentiles(t *testing.T) {
	h := NewLatencyHistogram()
	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Millisecond)
	}
	stats := h.Stats()
	if stats.Min != time.Millisecond {
		t.Fatalf("Min = %v, want 1ms", stats.Min)
	}
	if stats.Max != 100*time.Millisecond {
		t.Fatalf("Max = %v, want 100ms", stats.Max)
	}
	if stats.P50 < 40*time.Millisecond || stats.P50 > 60*time.Millisecond {
		t.Fatalf("P50 = %v, expected near the middle of the range", stats.P50)
	}
}

func TestBenchmarkPreloadAndRun(t *testing.T) {
	dir := t.TempDir()
	cfg := &engine.Config{
		DataDir:       dir,
		LogPath:       filepath.Join(dir, "db.log"),
		RecoveryTrace: filepath.Join(dir, "recovery.log"),
		BufferFrames:  32,
	}
	e, err := engine.InitDB(cfg, engine.NormalRecovery, 0)
	if err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	t.Cleanup(func() { _ = e.ShutdownDB() })

	tableID, err := e.OpenTable(filepath.Join(dir, "bench.tbl"))
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}

	b := NewBenchmark(e, tableID, Config{
		Name:            "balanced-smoke",
		WorkloadType:    WorkloadBalanced,
		KeyDistribution: DistUniform,
		NumKeys:         50,
		ValueSize:       64,
		Duration:        200 * time.Millisecond,
		Concurrency:     4,
		Seed:            1,
	})
	if err := b.Preload(); err != nil {
		t.Fatalf("Preload: %v", err)
	}
	result, err := b.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.TotalOps == 0 {
		t.Fatalf("expected nonzero ops from the workload")
	}
	if result.Errors != 0 {
		t.Fatalf("expected no operation errors, got %d", result.Errors)
	}
}
