package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/eegstream/internal/packet"
	"github.com/srg/eegstream/internal/sink"
)

const (
	// DefaultQueueSize holds about four seconds of frames at 250 frames/s.
	DefaultQueueSize uint32 = 1024

	// DefaultFlushInterval is how often queued frames are handed to the sink.
	DefaultFlushInterval = 250 * time.Millisecond

	// MaxBatch bounds one sink write.
	MaxBatch = 512
)

// Receiver turns TX notifications into frames. HandleNotification is called by the BLE
// stack; Run drains decoded frames into the sink on its own goroutine. When the sink
// falls behind, the oldest queued frames are overwritten.
type Receiver struct {
	sink   sink.Sink
	queue  mpmc.RichOverlappedRingBuffer[sink.Frame]
	wake   chan struct{}
	logger *logrus.Logger
	now    func() time.Time

	mu      sync.Mutex
	stream  *packet.Stream
	loss    packet.LossTracker
	first   time.Time
	last    time.Time
	packets uint64

	pending     atomic.Int64
	overwritten atomic.Int64
	sinkErrors  atomic.Int64
	delivered   atomic.Int64
}

// NewReceiver creates a receiver feeding s. A nil sink discards frames after counting.
func NewReceiver(s sink.Sink, queueSize uint32, logger *logrus.Logger) *Receiver {
	if logger == nil {
		logger = logrus.New()
	}
	if queueSize == 0 {
		queueSize = DefaultQueueSize
	}
	return &Receiver{
		sink:   s,
		queue:  mpmc.NewOverlappedRingBuffer[sink.Frame](queueSize),
		wake:   make(chan struct{}, 1),
		logger: logger,
		now:    time.Now,
		stream: packet.NewStream(0),
	}
}

// HandleNotification consumes one notification payload. Payloads need not be aligned to
// packet boundaries.
func (r *Receiver) HandleNotification(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, _ = r.stream.Write(p)
	queued := false
	for {
		pkt, ok := r.stream.Next()
		if !ok {
			break
		}
		at := r.now()
		if r.packets == 0 {
			r.first = at
		}
		r.last = at
		r.packets++

		if missed := r.loss.Observe(pkt.Seq); missed > 0 {
			r.logger.WithFields(logrus.Fields{"seq": pkt.Seq, "missed": missed}).Debug("Sequence gap")
		}
		if r.sink == nil {
			continue
		}
		for _, f := range sink.FramesOf(pkt, at) {
			overwrites, err := r.queue.EnqueueM(f)
			if err != nil {
				r.logger.WithError(err).Warn("Frame queue rejected frame")
				continue
			}
			r.overwritten.Add(int64(overwrites))
			r.pending.Add(1 - int64(overwrites))
		}
		queued = true
	}
	if queued {
		select {
		case r.wake <- struct{}{}:
		default:
		}
	}
}

// Reset forgets sequence and rate history, e.g. after reconnecting or sending Begin.
func (r *Receiver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream.Reset()
	r.loss.Reset()
	r.packets = 0
	r.first, r.last = time.Time{}, time.Time{}
}

// Run delivers queued frames to the sink until ctx is done, then flushes what is left.
func (r *Receiver) Run(ctx context.Context, flushInterval time.Duration) {
	if r.sink == nil {
		<-ctx.Done()
		return
	}
	if flushInterval <= 0 {
		flushInterval = DefaultFlushInterval
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The sink gets a fresh context for the final flush.
			r.flush(context.Background())
			return
		case <-ticker.C:
			r.flush(ctx)
		case <-r.wake:
			if r.pending.Load() >= MaxBatch {
				r.flush(ctx)
			}
		}
	}
}

// flush drains the queue in batches of at most MaxBatch frames.
func (r *Receiver) flush(ctx context.Context) {
	batch := make([]sink.Frame, 0, MaxBatch)
	for !r.queue.IsEmpty() {
		f, err := r.queue.Dequeue()
		if err != nil {
			break
		}
		r.pending.Add(-1)
		batch = append(batch, f)
		if len(batch) == MaxBatch {
			r.deliver(ctx, batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		r.deliver(ctx, batch)
	}
}

func (r *Receiver) deliver(ctx context.Context, batch []sink.Frame) {
	if err := r.sink.Write(ctx, batch); err != nil {
		r.sinkErrors.Add(1)
		r.logger.WithError(err).WithField("frames", len(batch)).Warn("Sink write failed, frames dropped")
		return
	}
	r.delivered.Add(int64(len(batch)))
}

// Stats returns a snapshot of reception counters.
func (r *Receiver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	ss := r.stream.Stats()
	st := Stats{
		Packets:     r.loss.Received(),
		Expected:    r.loss.Expected(),
		Duplicates:  r.loss.Duplicates(),
		LossPercent: r.loss.LossPercent(),
		Corrupt:     ss.Corrupt,
		Skipped:     ss.Skipped,
		Overwritten: r.overwritten.Load(),
		SinkErrors:  r.sinkErrors.Load(),
		Delivered:   r.delivered.Load(),
	}
	st.LastSeq, st.HaveSeq = r.loss.Last()
	if elapsed := r.last.Sub(r.first); r.packets > 1 && elapsed > 0 {
		st.FramesPerSecond = float64((r.packets-1)*packet.FramesPerPacket) / elapsed.Seconds()
	}
	return st
}
