package access

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trovelabs/trove/internal/config"
	"github.com/trovelabs/trove/internal/logger"
	"github.com/trovelabs/trove/internal/pubsub"
	"github.com/trovelabs/trove/internal/storage"
)

// usage is one tracked call: a lastUsed bump, a per-method counter
// increment and, for personal sessions nearing expiry, a slid expiry.
type usage struct {
	userID       string
	accessID     string
	accessToken  string
	methodKey    string
	when         float64
	slideExpires *float64
}

// Tracker persists access usage off the request path through a bounded
// worker pool. When the queue is full the record is dropped and counted;
// usage data is advisory and never worth blocking a call for.
type Tracker struct {
	store        storage.Store
	bus          *pubsub.Bus
	usageChan    chan usage
	workerPool   sync.WaitGroup
	shutdown     chan struct{}
	closed       atomic.Bool
	timeout      time.Duration
	queueSize    int
	logger       *logger.Logger
	droppedTotal atomic.Int64
}

func NewTracker(store storage.Store, bus *pubsub.Bus, cfg *config.Config, log *logger.Logger) *Tracker {
	t := &Tracker{
		store:     store,
		bus:       bus,
		usageChan: make(chan usage, cfg.TrackingBufferSize),
		shutdown:  make(chan struct{}),
		timeout:   time.Duration(cfg.TrackingTimeoutSeconds) * time.Second,
		queueSize: cfg.TrackingBufferSize,
		logger:    log.WithComponent("tracker"),
	}

	for i := 0; i < cfg.TrackingWorkerPoolSize; i++ {
		t.workerPool.Add(1)
		go t.worker()
	}

	return t
}

func (t *Tracker) worker() {
	defer t.workerPool.Done()

	for {
		select {
		case u := <-t.usageChan:
			t.handle(u)
		case <-t.shutdown:
			// Flush the remaining records before exiting.
			for {
				select {
				case u := <-t.usageChan:
					t.handle(u)
				default:
					return
				}
			}
		}
	}
}

// enqueue queues one usage record without ever blocking the caller.
func (t *Tracker) enqueue(u usage) {
	if t.closed.Load() {
		return
	}

	select {
	case t.usageChan <- u:
	default:
		dropped := t.droppedTotal.Add(1)
		t.logger.Warn("usage queue full, dropping record",
			"user_id", u.userID,
			"access_id", u.accessID,
			"method", u.methodKey,
			"total_dropped", dropped,
			"queue_size", t.queueSize)
	}
}

func (t *Tracker) handle(u usage) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	err := t.store.Accesses().Track(ctx, u.userID, u.accessID, u.methodKey, u.when, u.slideExpires)
	if err != nil {
		// The access may have been deleted between the call and the write.
		t.logger.Debug("failed to persist access usage",
			"user_id", u.userID,
			"access_id", u.accessID,
			"error", err.Error())
		return
	}
	if u.slideExpires != nil {
		// Cached copies still carry the old expiry.
		t.bus.UnsetAccessLogic(u.userID, u.accessID, u.accessToken)
	}
}

// Shutdown stops accepting records, drains the queue and waits for the
// workers. Safe to call more than once.
func (t *Tracker) Shutdown() {
	if !t.closed.CompareAndSwap(false, true) {
		return
	}

	close(t.shutdown)
	t.workerPool.Wait()
	close(t.usageChan)
}

// Dropped returns the number of usage records lost to queue overflow.
func (t *Tracker) Dropped() int64 {
	return t.droppedTotal.Load()
}
