// Package worker drives datasets through the processing pipeline. Each
// stage is a Processor; pollers race over the shared lock manager so any
// number of processes can run the same stages against the same data
// directory.
package worker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/souliane/datafab/internal/dataset"
	"github.com/souliane/datafab/internal/journal"
	"github.com/souliane/datafab/internal/lock"
	"golang.org/x/time/rate"
)

// Processor is one pipeline stage.
type Processor interface {
	// Name identifies the stage in journal events and hooks.
	Name() string
	// Filter reports whether the dataset is eligible for this stage.
	Filter(ds *dataset.Dataset) bool
	// Process runs the stage and moves the dataset to its next status.
	Process(ctx context.Context, ds *dataset.Dataset) error
}

// Scheduler owns the polling loops of all stages.
type Scheduler struct {
	store       *dataset.Store
	locks       *lock.Manager
	journal     *journal.Journal
	procs       []Processor
	interval    time.Duration
	concurrency int
	sampleSize  int

	logSometimes rate.Sometimes

	mu     sync.Mutex
	hooks  map[string][]chan error
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler assembles a scheduler. Stages run with the given number of
// concurrent pollers each, waking up every interval.
func NewScheduler(store *dataset.Store, locks *lock.Manager, jrnl *journal.Journal, procs []Processor, interval time.Duration, concurrency, sampleSize int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	if sampleSize <= 0 {
		sampleSize = 100
	}
	return &Scheduler{
		store:        store,
		locks:        locks,
		journal:      jrnl,
		procs:        procs,
		interval:     interval,
		concurrency:  concurrency,
		sampleSize:   sampleSize,
		logSometimes: rate.Sometimes{Interval: 30 * time.Second},
		hooks:        map[string][]chan error{},
	}
}

// Start launches the pollers. It returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for _, proc := range s.procs {
		for range s.concurrency {
			s.wg.Add(1)
			go s.pollLoop(ctx, proc)
		}
	}
}

// Stop halts new iterations and waits for in-flight processing, bounded by
// ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Hook returns a channel resolved with the outcome of the next completion
// of stage name for dataset id. The key is "<stage>/<datasetID>".
func (s *Scheduler) Hook(key string) <-chan error {
	ch := make(chan error, 1)
	s.mu.Lock()
	s.hooks[key] = append(s.hooks[key], ch)
	s.mu.Unlock()
	return ch
}

func (s *Scheduler) notify(key string, err error) {
	s.mu.Lock()
	chans := s.hooks[key]
	delete(s.hooks, key)
	s.mu.Unlock()
	for _, ch := range chans {
		ch <- err
		close(ch)
	}
}

func (s *Scheduler) pollLoop(ctx context.Context, proc Processor) {
	defer s.wg.Done()
	for {
		if err := s.iterate(ctx, proc); err != nil {
			s.logSometimes.Do(func() {
				slog.Warn("Worker iteration failed", "stage", proc.Name(), "err", err)
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.interval):
		}
	}
}

// iterate samples the eligible datasets of a stage and processes the first
// one whose lock it wins. Random sampling keeps one persistently failing
// dataset from starving the stage.
func (s *Scheduler) iterate(ctx context.Context, proc Processor) error {
	var candidates []*dataset.Dataset
	for ds := range s.store.All() {
		if proc.Filter(ds) {
			candidates = append(candidates, ds)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > s.sampleSize {
		candidates = candidates[:s.sampleSize]
	}
	for _, ds := range candidates {
		token, ok := s.locks.Acquire("dataset:" + ds.ID)
		if !ok {
			continue
		}
		procErr := s.process(ctx, proc, ds)
		s.locks.Release("dataset:"+ds.ID, token)
		s.notify(proc.Name()+"/"+ds.ID, procErr)
		return nil
	}
	return nil
}

// process runs one stage on one dataset. Stage failures are absorbed into
// the dataset's error status, never propagated to the polling loop.
func (s *Scheduler) process(ctx context.Context, proc Processor, ds *dataset.Dataset) error {
	s.journal.Log(ds.ID, proc.Name()+"-start", "")
	err := proc.Process(ctx, ds)
	if err != nil {
		slog.Error("Stage failed", "stage", proc.Name(), "dataset", ds.ID, "err", err)
		s.journal.Log(ds.ID, "error", err.Error())
		if _, serr := s.store.SetStatus(ds.ID, dataset.StatusError); serr != nil {
			slog.Error("Failed to set error status", "dataset", ds.ID, "err", serr)
		}
		return err
	}
	s.journal.Log(ds.ID, proc.Name()+"-end", "")
	return nil
}
