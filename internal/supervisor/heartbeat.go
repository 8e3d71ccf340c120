// Package supervisor owns the long-running parts of the process: the store
// heartbeat and the loop that drives the pipelines.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"faxbridge/pkg/logger"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

var ErrAlreadyStarted = errors.New("supervisor: heartbeat already started")

// Heartbeat pings the store on a fixed interval. The first failed ping is
// delivered on Err and the heartbeat stops; the owner decides how to shut down.
type Heartbeat struct {
	pinger   Pinger
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	errc   chan error
	lastOK time.Time
}

func NewHeartbeat(p Pinger, interval time.Duration) *Heartbeat {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Heartbeat{pinger: p, interval: interval, errc: make(chan error, 1)}
}

// Start launches the ping goroutine. It stops when ctx is done, Stop is
// called, or a ping fails.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
	return nil
}

// Stop ends the heartbeat and waits for it. Safe to call more than once.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Err delivers at most one ping failure.
func (h *Heartbeat) Err() <-chan error { return h.errc }

// LastOK is the time of the last successful ping.
func (h *Heartbeat) LastOK() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastOK
}

func (h *Heartbeat) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	log := logger.From(ctx)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.interval)
			err := h.pinger.Ping(pingCtx)
			cancel()
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Error("heartbeat failed", "err", err)
				h.errc <- fmt.Errorf("heartbeat: %w", err)
				return
			}
			h.mu.Lock()
			h.lastOK = time.Now()
			h.mu.Unlock()
		}
	}
}
