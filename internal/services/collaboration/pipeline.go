package collaboration

import (
	"context"
	"sync"
	"time"

	"contract-collab/internal/logging"

	"github.com/cenkalti/backoff"
	"github.com/rs/zerolog"
)

/*
LEARNING: PERSISTENCE WORKER POOL

Appends never wait for the database. The critical section only queues the
new operation on its shard and schedules the session here:

  Append (lock held) → shard.unsaved += op → pipeline.Schedule(sessionID)
  worker → flush(sessionID) → StoreOperations with exponential backoff

Key properties:
1. **Bounded workers**: at most N sessions are being written at once
2. **Per-session order**: a shard's persist mutex serializes its flushes
3. **Non-blocking schedule**: a full queue drops the request; the
   maintenance sweep reschedules any shard that still has unsaved ops
4. **Graceful Shutdown**: context and WaitGroup, then a final flush
*/

// flushFunc persists everything a session has queued.
type flushFunc func(ctx context.Context, sessionID string) error

// pipeline runs flush jobs on a fixed pool of workers.
type pipeline struct {
	flush flushFunc

	jobs    chan string // session ids
	workers int
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	log     zerolog.Logger

	maxRetries uint64
}

func newPipeline(flush flushFunc, workers, queueSize int) *pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	return &pipeline{
		flush:      flush,
		jobs:       make(chan string, queueSize),
		workers:    workers,
		ctx:        ctx,
		cancel:     cancel,
		log:        logging.Component("persist"),
		maxRetries: 5,
	}
}

// Start spawns the workers.
func (p *pipeline) Start() {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.log.Info().Int("workers", p.workers).Msg("persistence pipeline started")
}

func (p *pipeline) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case sessionID := <-p.jobs:
			if err := p.persist(sessionID); err != nil {
				p.log.Error().Err(err).Int("worker", id).Str("session", sessionID).Msg("giving up on flush, will retry on next sweep")
			}
		}
	}
}

// persist retries a flush with exponential backoff.
func (p *pipeline) persist(sessionID string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.maxRetries), p.ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := p.flush(p.ctx, sessionID)
		if err != nil {
			p.log.Warn().Err(err).Int("attempt", attempt).Str("session", sessionID).Msg("flush failed")
		}
		return err
	}, policy)
}

// Schedule asks for sessionID to be flushed. It never blocks.
func (p *pipeline) Schedule(sessionID string) bool {
	select {
	case p.jobs <- sessionID:
		return true
	default:
		return false
	}
}

// QueueLength returns the number of pending flush requests.
func (p *pipeline) QueueLength() int {
	return len(p.jobs)
}

// Shutdown stops the workers after their current flush.
func (p *pipeline) Shutdown() {
	p.cancel()
	p.wg.Wait()
	p.log.Info().Msg("persistence pipeline stopped")
}
