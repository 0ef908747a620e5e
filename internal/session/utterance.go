package session

import (
	"sync"

	"go.uber.org/zap"
)

// UtteranceBuffer feeds one utterance's audio chunks to a playback sink that
// accepts only a single pending append at a time. Chunks are submitted
// strictly in arrival order; finalize is deferred until the queue drains and
// no append is in flight, so received audio is never truncated.
//
// Sink calls are always made outside the buffer's lock, so sinks that
// complete appends synchronously are safe.
type UtteranceBuffer struct {
	log *zap.SugaredLogger

	mu                sync.Mutex
	sink              Sink
	queue             [][]byte
	inFlight          bool
	finalizeRequested bool
	finalized         bool
}

// NewUtteranceBuffer creates an empty buffer with no active sink.
func NewUtteranceBuffer(log *zap.SugaredLogger) *UtteranceBuffer {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &UtteranceBuffer{log: log}
}

// Begin starts a new utterance on a fresh sink. If a previous utterance's
// sink is still open it is finalized first; its queued chunks are discarded.
func (b *UtteranceBuffer) Begin(sink Sink) {
	b.mu.Lock()
	prev := b.sink
	prevFinalized := b.finalized
	b.sink = sink
	b.queue = nil
	b.inFlight = false
	b.finalizeRequested = false
	b.finalized = false
	b.mu.Unlock()

	if prev != nil && !prevFinalized {
		prev.Finalize()
	}
}

// Append enqueues one audio chunk. A zero-length chunk signals no data and
// is ignored. If the sink is idle the chunk is submitted immediately.
func (b *UtteranceBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	if b.sink == nil || b.finalized {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, chunk)
	next, sink := b.takeNextLocked()
	b.mu.Unlock()

	b.submit(next, sink)
}

// RequestFinalize marks the utterance as fully received. The sink is
// finalized immediately if idle, otherwise once the last pending append
// completes. Before Begin has ever been called this is a no-op.
func (b *UtteranceBuffer) RequestFinalize() {
	b.mu.Lock()
	if b.sink == nil || b.finalized {
		b.mu.Unlock()
		return
	}
	b.finalizeRequested = true
	var finalize Sink
	if !b.inFlight && len(b.queue) == 0 {
		b.finalized = true
		finalize = b.sink
	}
	b.mu.Unlock()

	if finalize != nil {
		finalize.Finalize()
	}
}

// Abort releases the sink regardless of pending state, discarding the
// queue. Used on session teardown; never raises.
func (b *UtteranceBuffer) Abort() {
	b.mu.Lock()
	sink := b.sink
	b.sink = nil
	b.queue = nil
	b.inFlight = false
	b.finalizeRequested = false
	b.finalized = false
	b.mu.Unlock()

	if sink != nil {
		sink.Abort()
	}
}

// takeNextLocked pops the head of the queue if the sink is idle.
// Caller holds b.mu.
func (b *UtteranceBuffer) takeNextLocked() ([]byte, Sink) {
	if b.inFlight || len(b.queue) == 0 {
		return nil, nil
	}
	chunk := b.queue[0]
	b.queue = b.queue[1:]
	b.inFlight = true
	return chunk, b.sink
}

func (b *UtteranceBuffer) submit(chunk []byte, sink Sink) {
	if chunk == nil {
		return
	}
	sink.Append(chunk, func(err error) {
		b.appendDone(sink, err)
	})
}

func (b *UtteranceBuffer) appendDone(sink Sink, err error) {
	b.mu.Lock()
	if b.sink != sink {
		// Completion from an utterance that Begin or Abort replaced.
		b.mu.Unlock()
		return
	}
	b.inFlight = false
	if err != nil {
		// Chunk dropped; keep the rest of the utterance flowing.
		b.log.Warnw("playback sink rejected chunk", "error", err)
	}
	next, nextSink := b.takeNextLocked()
	var finalize Sink
	if next == nil && b.finalizeRequested && !b.finalized {
		b.finalized = true
		finalize = b.sink
	}
	b.mu.Unlock()

	if next != nil {
		b.submit(next, nextSink)
		return
	}
	if finalize != nil {
		finalize.Finalize()
	}
}
