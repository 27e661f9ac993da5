// Package benchmark drives a workload of inserts, finds and
// transactional updates against an open engine table and reports
// throughput, latency percentiles and buffer pool behavior. It is the
// administrative counterpart to the engine's test suite: tests assert
// correctness on small fixtures, this package characterizes behavior
// under sustained concurrent load.
package benchmark

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/intellect4all/storage-engines/common"
	"github.com/intellect4all/storage-engines/internal/engine"
)

// WorkloadType selects the read/write mix a set of workers generates.
type WorkloadType string

const (
	WorkloadReadOnly   WorkloadType = "read-only"  // 100% finds
	WorkloadReadHeavy  WorkloadType = "read-heavy"  // 95% finds, 5% updates
	WorkloadBalanced   WorkloadType = "balanced"    // 50/50
	WorkloadWriteHeavy WorkloadType = "write-heavy" // 95% updates, 5% finds
	WorkloadWriteOnly  WorkloadType = "write-only"  // 100% updates, each its own transaction
)

// Config describes one benchmark scenario against a single table.
type Config struct {
	Name string

	WorkloadType    WorkloadType
	KeyDistribution KeyDistribution

	NumKeys   int // distinct keys preloaded before the run
	ValueSize int // must fall within bptree.MinValSize..MaxValSize

	Duration    time.Duration
	Concurrency int

	Seed int64
}

// Result is the measured outcome of running a Config once.
type Result struct {
	Config Config

	TotalOps  int64
	WriteOps  int64
	ReadOps   int64
	Errors    int64
	Duration  time.Duration
	OpsPerSec float64

	WriteLatency LatencyStats
	ReadLatency  LatencyStats

	StartStats common.Stats
	EndStats   common.Stats
}

// Benchmark runs a Config against one already-initialized Engine
// table. The table must already exist with NumKeys records preloaded
// (see Preload) before Run is called.
type Benchmark struct {
	e       *engine.Engine
	tableID int64
	config  Config

	writeLatencies *LatencyHistogram
	readLatencies  *LatencyHistogram

	writeCount atomic.Int64
	readCount  atomic.Int64
	errorCount atomic.Int64

	keyGen *KeyGenerator
}

func NewBenchmark(e *engine.Engine, tableID int64, config Config) *Benchmark {
	return &Benchmark{
		e:              e,
		tableID:        tableID,
		config:         config,
		writeLatencies: NewLatencyHistogram(),
		readLatencies:  NewLatencyHistogram(),
		keyGen:         NewKeyGenerator(config.NumKeys, config.KeyDistribution, config.Seed),
	}
}

// Preload inserts config.NumKeys records with sequential keys 0..N-1
// so the subsequent workload has a populated key space to read and
// update against.
func (b *Benchmark) Preload() error {
	value := make([]byte, b.config.ValueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}
	for i := 0; i < b.config.NumKeys; i++ {
		key := b.keyGen.Sequential(i)
		if err := b.e.Insert(b.tableID, key, value); err != nil {
			return fmt.Errorf("preload key %d: %w", key, err)
		}
	}
	return nil
}

// Run executes the configured workload for config.Duration across
// config.Concurrency workers and returns the measured result.
func (b *Benchmark) Run() (*Result, error) {
	startStats := b.e.Stats()
	startTime := time.Now()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < b.config.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			b.worker(workerID, stop)
		}(i)
	}

	time.Sleep(b.config.Duration)
	close(stop)
	wg.Wait()

	duration := time.Since(startTime)
	endStats := b.e.Stats()

	writeOps := b.writeCount.Load()
	readOps := b.readCount.Load()
	total := writeOps + readOps

	return &Result{
		Config:       b.config,
		TotalOps:     total,
		WriteOps:     writeOps,
		ReadOps:      readOps,
		Errors:       b.errorCount.Load(),
		Duration:     duration,
		OpsPerSec:    float64(total) / duration.Seconds(),
		WriteLatency: b.writeLatencies.Stats(),
		ReadLatency:  b.readLatencies.Stats(),
		StartStats:   startStats,
		EndStats:     endStats,
	}, nil
}

func (b *Benchmark) worker(id int, stop <-chan struct{}) {
	value := make([]byte, b.config.ValueSize)
	for i := range value {
		value[i] = byte('0' + id%10)
	}

	rng := NewKeyGenerator(b.config.NumKeys, b.config.KeyDistribution, b.config.Seed+int64(id))

	for {
		select {
		case <-stop:
			return
		default:
		}
		if b.shouldWrite(rng) {
			b.doUpdate(rng.NextKey(), value)
		} else {
			b.doFind(rng.NextKey())
		}
	}
}

func (b *Benchmark) shouldWrite(rng *KeyGenerator) bool {
	switch b.config.WorkloadType {
	case WorkloadWriteOnly:
		return true
	case WorkloadReadOnly:
		return false
	case WorkloadWriteHeavy:
		return rng.rng.Float64() < 0.95
	case WorkloadReadHeavy:
		return rng.rng.Float64() < 0.05
	default:
		return rng.rng.Float64() < 0.50
	}
}

func (b *Benchmark) doUpdate(key int64, value []byte) {
	trxID, err := b.e.TrxBegin()
	if err != nil {
		b.errorCount.Add(1)
		return
	}

	start := time.Now()
	_, err = b.e.Update(b.tableID, key, value, trxID)
	if err != nil {
		_ = b.e.TrxAbort(trxID)
		b.errorCount.Add(1)
		return
	}
	if err := b.e.TrxCommit(trxID); err != nil {
		b.errorCount.Add(1)
		return
	}
	b.writeLatencies.Record(time.Since(start))
	b.writeCount.Add(1)
}

func (b *Benchmark) doFind(key int64) {
	start := time.Now()
	_, err := b.e.Find(b.tableID, key, 0)
	if err != nil {
		b.errorCount.Add(1)
		return
	}
	b.readLatencies.Record(time.Since(start))
	b.readCount.Add(1)
}

// StandardWorkloads returns a representative scenario for each
// WorkloadType, suitable for a default benchmark run.
func StandardWorkloads(valueSize int) []Config {
	base := Config{
		NumKeys:         10_000,
		ValueSize:       valueSize,
		KeyDistribution: DistZipfian,
		Duration:        10 * time.Second,
		Concurrency:     8,
		Seed:            1,
	}
	workloads := []WorkloadType{WorkloadReadOnly, WorkloadReadHeavy, WorkloadBalanced, WorkloadWriteHeavy, WorkloadWriteOnly}
	configs := make([]Config, len(workloads))
	for i, w := range workloads {
		c := base
		c.WorkloadType = w
		c.Name = string(w)
		configs[i] = c
	}
	return configs
}
