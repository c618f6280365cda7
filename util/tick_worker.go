package util

import (
	"sync"
	"time"

	"github.com/docrelay/docrelay/logger"
	"go.uber.org/zap"
)

// TickWorker runs fn on a fixed interval in its own goroutine. A tick is
// skipped when the previous run of fn is still in flight, so a worker never
// overlaps with itself.
type TickWorker struct {
	stop         chan struct{}
	tickInterval time.Duration
	wg           *sync.WaitGroup
	name         string
	fn           func()
	running      bool
	inFlight     sync.Mutex
}

func NewTickWorker(name string, interval time.Duration, fn func(), wg *sync.WaitGroup) *TickWorker {
	return &TickWorker{
		stop:         make(chan struct{}),
		tickInterval: interval,
		wg:           wg,
		fn:           fn,
		name:         name,
	}
}

func (tw *TickWorker) Start() {
	ticker := time.NewTicker(tw.tickInterval)
	tw.wg.Add(1)
	go func() {
		defer tw.wg.Done()
		for {
			select {
			case <-ticker.C:
				tw.runOnce()
			case <-tw.stop:
				logger.Info("stopping tick worker", zap.String("worker", tw.name))
				ticker.Stop()
				tw.running = false
				return
			}
		}
	}()
	tw.running = true
	logger.Info("tick worker started", zap.String("worker", tw.name))
}

func (tw *TickWorker) runOnce() {
	if !tw.inFlight.TryLock() {
		logger.Debug("previous run still in flight, skipping tick", zap.String("worker", tw.name))
		return
	}
	defer tw.inFlight.Unlock()
	tw.fn()
}

func (tw *TickWorker) Stop() {
	tw.stop <- struct{}{}
}

func (tw *TickWorker) IsRunning() bool {
	return tw.running
}
