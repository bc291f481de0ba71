package recorder

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fleetview/internal/domain"
	"fleetview/internal/store"
)

// Position is one archived location sample.
type Position struct {
	RecordedAt time.Time
	VehicleID  int64
	Lat        float64
	Lng        float64
	Speed      float64
	Direction  *float64
	Status     domain.Status
}

// BatchWriter persists a batch of positions.
type BatchWriter interface {
	BatchInsert(ctx context.Context, batchID uuid.UUID, positions []Position) error
}

// VehicleFeed is the part of the vehicle store the recorder listens to.
type VehicleFeed interface {
	Subscribe(l store.Listener) func()
	Get(id int64) (*domain.Vehicle, bool)
}

type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	BufferSize    int
	RetryDelay    time.Duration
}

// Recorder buffers location merges and writes them in batches. It is an
// archive only; nothing in the live path reads it back.
type Recorder struct {
	ch        chan Position
	writer    BatchWriter
	batchSize int
	flush     time.Duration
	retry     time.Duration
	logger    *slog.Logger

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

func New(writer BatchWriter, opts Options, logger *slog.Logger) *Recorder {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	return &Recorder{
		ch:        make(chan Position, opts.BufferSize),
		writer:    writer,
		batchSize: opts.BatchSize,
		flush:     opts.FlushInterval,
		retry:     opts.RetryDelay,
		logger:    logger.With("component", "recorder"),
	}
}

// Bind records every applied location merge from feed. The returned func
// stops recording.
func (r *Recorder) Bind(feed VehicleFeed) func() {
	return feed.Subscribe(func(c store.Change) {
		if c.Kind != store.ChangeLocation {
			return
		}
		v, ok := feed.Get(c.VehicleID)
		if !ok || v.Location == nil {
			return
		}
		r.Offer(Position{
			RecordedAt: v.LastUpdate,
			VehicleID:  v.ID,
			Lat:        v.Location.Lat,
			Lng:        v.Location.Lng,
			Speed:      v.Location.Speed,
			Direction:  v.Location.Direction,
			Status:     v.Status,
		})
	})
}

// Offer queues p without blocking; it is dropped when the buffer is full.
func (r *Recorder) Offer(p Position) bool {
	select {
	case r.ch <- p:
		return true
	default:
		if r.dropped.Add(1)%1000 == 1 {
			r.logger.Warn("recorder buffer full, dropping positions", "dropped_total", r.dropped.Load())
		}
		return false
	}
}

func (r *Recorder) Run(ctx context.Context) {
	batch := make([]Position, 0, r.batchSize)
	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()

	for {
		select {
		case p := <-r.ch:
			batch = append(batch, p)
			if len(batch) >= r.batchSize {
				r.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			r.drain(batch)
			return
		}
	}
}

// drain writes whatever is buffered using a short-lived context detached from
// the cancelled one.
func (r *Recorder) drain(batch []Position) {
	for len(r.ch) > 0 {
		batch = append(batch, <-r.ch)
	}
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.write(ctx, batch)
}

func (r *Recorder) write(ctx context.Context, batch []Position) {
	batchID := uuid.New()

	err := r.writer.BatchInsert(ctx, batchID, batch)
	if err != nil {
		r.logger.Warn("position write failed, retrying", "batch_id", batchID, "batch", len(batch), "error", err)
		select {
		case <-time.After(r.retry):
		case <-ctx.Done():
		}
		err = r.writer.BatchInsert(ctx, batchID, batch)
		if err != nil {
			r.logger.Error("position write permanently failed", "batch_id", batchID, "batch", len(batch), "error", err)
			r.failed.Add(int64(len(batch)))
			return
		}
	}
	r.written.Add(int64(len(batch)))
	r.logger.Debug("positions written", "batch_id", batchID, "batch", len(batch))
}

func (r *Recorder) Written() int64 { return r.written.Load() }
func (r *Recorder) Failed() int64  { return r.failed.Load() }
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }
