package storage

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"boundless-bastion/internal/model"
)

// DropRecorder counts operations that never reached the database.
type DropRecorder interface {
	RecordDroppedWrite()
}

// op is one queued persistence operation.
type op struct {
	kind string
	key  string
	run  func(ctx context.Context, b Backend) error
}

// Writer persists registry, execution and telemetry mutations in the
// background so request paths never wait on the database. Operations are
// applied in order by a single goroutine.
type Writer struct {
	backend Backend
	ch      chan op
	wg      sync.WaitGroup
	done    chan struct{}
	drops   DropRecorder

	// MaxElapsed bounds the retries spent on one operation.
	MaxElapsed time.Duration
}

func NewWriter(backend Backend, bufferSize int, drops DropRecorder) *Writer {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &Writer{
		backend:    backend,
		ch:         make(chan op, bufferSize),
		done:       make(chan struct{}),
		drops:      drops,
		MaxElapsed: 5 * time.Second,
	}
}

func (w *Writer) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *Writer) enqueue(o op) {
	select {
	case w.ch <- o:
	default:
		log.Warn().Str("kind", o.kind).Str("key", o.key).Msg("persistence buffer full, dropping write")
		if w.drops != nil {
			w.drops.RecordDroppedWrite()
		}
	}
}

func (w *Writer) SaveCommand(c model.Command) {
	w.enqueue(op{kind: "command", key: c.ID, run: func(ctx context.Context, b Backend) error {
		return b.UpsertCommand(ctx, c)
	}})
}

func (w *Writer) DeleteCommand(id string) {
	w.enqueue(op{kind: "command_delete", key: id, run: func(ctx context.Context, b Backend) error {
		return b.DeleteCommand(ctx, id)
	}})
}

func (w *Writer) SaveNode(n model.Node) {
	w.enqueue(op{kind: "node", key: n.ID, run: func(ctx context.Context, b Backend) error {
		return b.UpsertNode(ctx, n)
	}})
}

func (w *Writer) DeleteNode(id string) {
	w.enqueue(op{kind: "node_delete", key: id, run: func(ctx context.Context, b Backend) error {
		return b.DeleteNode(ctx, id)
	}})
}

func (w *Writer) SaveExecution(e model.Execution) {
	w.enqueue(op{kind: "execution", key: e.ID, run: func(ctx context.Context, b Backend) error {
		return b.UpsertExecution(ctx, e)
	}})
}

func (w *Writer) SaveSample(s model.GpuSample) {
	w.enqueue(op{kind: "gpu_sample", key: s.NodeID, run: func(ctx context.Context, b Backend) error {
		return b.UpsertSample(ctx, s)
	}})
}

func (w *Writer) PruneSamples(before int64) {
	w.enqueue(op{kind: "gpu_prune", run: func(ctx context.Context, b Backend) error {
		return b.PruneSamples(ctx, before)
	}})
}

// Flush stops the writer after draining queued operations, waiting at most
// timeout.
func (w *Writer) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("persistence writer flushed")
	case <-time.After(timeout):
		log.Warn().Int("pending", len(w.ch)).Msg("persistence writer flush timed out")
	}
}

func (w *Writer) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case o := <-w.ch:
			w.writeWithRetry(o)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case o := <-w.ch:
					w.writeWithRetry(o)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) writeWithRetry(o op) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = w.MaxElapsed

	attempt := 0
	operation := func() error {
		attempt++
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return o.run(ctx, w.backend)
	}
	notify := func(err error, next time.Duration) {
		log.Warn().
			Err(err).
			Str("kind", o.kind).
			Str("key", o.key).
			Int("attempt", attempt).
			Dur("backoff", next).
			Msg("persistence write failed, retrying")
	}

	if err := backoff.RetryNotify(operation, b, notify); err != nil {
		log.Error().
			Err(err).
			Str("kind", o.kind).
			Str("key", o.key).
			Msg("persistence write failed permanently after retries")
		if w.drops != nil {
			w.drops.RecordDroppedWrite()
		}
	}
}
