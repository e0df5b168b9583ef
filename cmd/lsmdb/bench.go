// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/errors"
	"github.com/guptarohit/asciigraph"
	"github.com/lsmdb/lsmdb"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
)

const (
	minLatency = 10 * time.Microsecond
	maxLatency = 10 * time.Second
)

var (
	valueSize   = 100
	writeBatch  = 1
	syncWrites  bool
	scanRows    = 100
	preloadKeys = 100000
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "run benchmarks",
}

var benchWriteCmd = &cobra.Command{
	Use:   "write <dir>",
	Short: "run the random write benchmark",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runBench(args[0], writeWorkload{}) },
}

var benchScanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "run the scan benchmark",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runBench(args[0], scanWorkload{}) },
}

var benchReadCmd = &cobra.Command{
	Use:   "read <dir>",
	Short: "run the random point read benchmark",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return runBench(args[0], readWorkload{}) },
}

func clampLatency(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}

type histogramTick struct {
	// Name is the name given to the histograms represented by this tick.
	Name string
	// Hist is the merged result of the represented histograms for this tick.
	Hist *hdrhistogram.Histogram
	// Cumulative is the merged result of the represented histograms for all
	// time.
	Cumulative *hdrhistogram.Histogram
	// Elapsed is the amount of time since the last tick.
	Elapsed time.Duration
	// Now is the time at which the tick was gathered.
	Now time.Time
}

type namedHistogram struct {
	name string
	mu   struct {
		sync.Mutex
		current *hdrhistogram.Histogram
	}
}

func newNamedHistogram(name string) *namedHistogram {
	w := &namedHistogram{name: name}
	w.mu.current = w.newHistogram()
	return w
}

func (w *namedHistogram) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
}

// Record saves a new datapoint and should be called once per logical
// operation.
func (w *namedHistogram) Record(elapsed time.Duration) {
	elapsed = clampLatency(elapsed, minLatency, maxLatency)

	w.mu.Lock()
	err := w.mu.current.RecordValue(elapsed.Nanoseconds())
	w.mu.Unlock()

	if err != nil {
		// Note that a histogram only drops recorded values that are out of
		// range, but we clamp the latency value to the configured range to
		// prevent such drops. This code path should never happen.
		panic(fmt.Sprintf(`%s: recording value: %s`, w.name, err))
	}
}

// tick resets the current histogram to a new "period". The old one's data
// should be saved via the closure argument.
func (w *namedHistogram) tick(fn func(h *hdrhistogram.Histogram)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h := w.mu.current
	w.mu.current = w.newHistogram()
	fn(h)
}

// histogramRegistry is a thread-safe enclosure for a set of per-operation
// latency histograms.
type histogramRegistry struct {
	mu struct {
		sync.Mutex
		registered []*namedHistogram
	}

	start      time.Time
	cumulative map[string]*hdrhistogram.Histogram
	prevTick   map[string]time.Time
}

func newHistogramRegistry() *histogramRegistry {
	return &histogramRegistry{
		start:      time.Now(),
		cumulative: make(map[string]*hdrhistogram.Histogram),
		prevTick:   make(map[string]time.Time),
	}
}

// Register returns a histogram that records into the registry under name.
func (w *histogramRegistry) Register(name string) *namedHistogram {
	hist := newNamedHistogram(name)

	w.mu.Lock()
	w.mu.registered = append(w.mu.registered, hist)
	w.mu.Unlock()

	return hist
}

// Tick gathers the data recorded since the previous tick and hands it to fn,
// merged per histogram name.
func (w *histogramRegistry) Tick(fn func(histogramTick)) {
	w.mu.Lock()
	registered := append([]*namedHistogram(nil), w.mu.registered...)
	w.mu.Unlock()

	merged := make(map[string]*hdrhistogram.Histogram)
	var names []string
	for _, hist := range registered {
		hist.tick(func(h *hdrhistogram.Histogram) {
			if m, ok := merged[hist.name]; ok {
				m.Merge(h)
			} else {
				merged[hist.name] = h
				names = append(names, hist.name)
			}
		})
	}

	now := time.Now()
	for _, name := range names {
		mergedHist := merged[name]
		if _, ok := w.cumulative[name]; !ok {
			w.cumulative[name] = hdrhistogram.New(minLatency.Nanoseconds(), maxLatency.Nanoseconds(), 1)
		}
		w.cumulative[name].Merge(mergedHist)

		prevTick, ok := w.prevTick[name]
		if !ok {
			prevTick = w.start
		}
		w.prevTick[name] = now
		fn(histogramTick{
			Name:       name,
			Hist:       merged[name],
			Cumulative: w.cumulative[name],
			Elapsed:    now.Sub(prevTick),
			Now:        now,
		})
	}
}

// A workload drives one kind of operation against the DB.
type workload interface {
	name() string
	// init prepares the DB before the measured run.
	init(db *lsmdb.DB) error
	// run performs a single operation.
	run(db *lsmdb.DB, rng *rand.Rand) error
}

// makeKey encodes i as a fixed width key so that byte order and numeric order
// agree.
func makeKey(i uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, i)
	return key
}

func randValue(rng *rand.Rand, buf []byte) []byte {
	buf = buf[:0]
	for len(buf) < valueSize {
		buf = binary.LittleEndian.AppendUint64(buf, rng.Uint64())
	}
	return buf[:valueSize]
}

// preload writes keys [0, preloadKeys) and flushes them, unless the DB
// already holds the last of them.
func preload(db *lsmdb.DB) error {
	if _, err := db.Get(makeKey(uint64(preloadKeys - 1))); err == nil {
		return nil
	} else if !errors.Is(err, lsmdb.ErrNotFound) {
		return err
	}
	rng := rand.New(rand.NewSource(uint64(time.Now().UnixNano())))
	const batchSize = 1000
	var value []byte
	b := db.NewBatch()
	for i := 0; i < preloadKeys; i++ {
		value = randValue(rng, value)
		if err := b.Set(makeKey(uint64(i)), value, nil); err != nil {
			return err
		}
		if b.Count() >= batchSize || i == preloadKeys-1 {
			if err := b.Commit(lsmdb.NoSync); err != nil {
				return err
			}
			b.Reset()
		}
	}
	return db.Flush()
}

type writeWorkload struct{}

func (writeWorkload) name() string             { return "write" }
func (writeWorkload) init(db *lsmdb.DB) error { return nil }

func (writeWorkload) run(db *lsmdb.DB, rng *rand.Rand) error {
	opts := lsmdb.NoSync
	if syncWrites {
		opts = lsmdb.Sync
	}
	b := db.NewBatch()
	defer b.Close()
	var value []byte
	for i := 0; i < writeBatch; i++ {
		value = randValue(rng, value)
		if err := b.Set(makeKey(rng.Uint64()), value, nil); err != nil {
			return err
		}
	}
	return b.Commit(opts)
}

type scanWorkload struct{}

func (scanWorkload) name() string             { return "scan" }
func (scanWorkload) init(db *lsmdb.DB) error { return preload(db) }

func (scanWorkload) run(db *lsmdb.DB, rng *rand.Rand) error {
	start := rng.Intn(preloadKeys)
	iter := db.NewIter(nil)
	var n int
	if scanReverse {
		for valid := iter.SeekLT(makeKey(uint64(start))); valid && n < scanRows; valid = iter.Prev() {
			n++
		}
	} else {
		for valid := iter.SeekGE(makeKey(uint64(start))); valid && n < scanRows; valid = iter.Next() {
			n++
		}
	}
	return iter.Close()
}

type readWorkload struct{}

func (readWorkload) name() string             { return "read" }
func (readWorkload) init(db *lsmdb.DB) error { return preload(db) }

func (readWorkload) run(db *lsmdb.DB, rng *rand.Rand) error {
	_, err := db.Get(makeKey(uint64(rng.Intn(preloadKeys))))
	return err
}

// runBench runs the workload on concurrency workers for the configured
// duration, printing per-second latency statistics and a throughput graph at
// the end.
func runBench(dir string, w workload) error {
	if wipe {
		fmt.Printf("wiping %s\n", dir)
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	opts.CreateIfMissing = true
	db, err := lsmdb.Open(dir, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "closing: %v\n", err)
		}
	}()
	if err := w.init(db); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := newHistogramRegistry()
	var ops atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		hist := reg.Register(w.name())
		rng := rand.New(rand.NewSource(uint64(time.Now().UnixNano()) + uint64(i)))
		g.Go(func() error {
			for ctx.Err() == nil {
				start := time.Now()
				if err := w.run(db, rng); err != nil && !errors.Is(err, lsmdb.ErrNotFound) {
					return err
				}
				hist.Record(time.Since(start))
				ops.Add(1)
			}
			return nil
		})
	}

	done := make(chan struct{})
	var throughput []float64
	var printed sync.WaitGroup
	printed.Add(1)
	go func() {
		defer printed.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			if i%20 == 0 {
				fmt.Println("_elapsed____ops/sec__p50(ms)__p95(ms)__p99(ms)_pMax(ms)")
			}
			reg.Tick(func(tick histogramTick) {
				h := tick.Hist
				rate := float64(h.TotalCount()) / tick.Elapsed.Seconds()
				throughput = append(throughput, rate)
				fmt.Printf("%8s %10.1f %8.1f %8.1f %8.1f %8.1f\n",
					time.Duration(time.Since(reg.start).Seconds()+0.5)*time.Second,
					rate,
					time.Duration(h.ValueAtQuantile(50)).Seconds()*1000,
					time.Duration(h.ValueAtQuantile(95)).Seconds()*1000,
					time.Duration(h.ValueAtQuantile(99)).Seconds()*1000,
					time.Duration(h.ValueAtQuantile(100)).Seconds()*1000,
				)
			})
		}
	}()

	err = g.Wait()
	close(done)
	printed.Wait()
	if err != nil {
		return err
	}

	elapsed := time.Since(reg.start)
	fmt.Println("\n_elapsed___ops(total)__ops/sec(cum)")
	fmt.Printf("%7.1fs %12d %14.1f\n\n",
		elapsed.Seconds(), ops.Load(), float64(ops.Load())/elapsed.Seconds())
	if len(throughput) > 1 {
		fmt.Println(asciigraph.Plot(throughput,
			asciigraph.Height(10),
			asciigraph.Caption(fmt.Sprintf("%s ops/sec", w.name()))))
		fmt.Println()
	}
	fmt.Print(db.Metrics())
	return nil
}
