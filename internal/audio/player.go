package audio

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// ErrSinkClosed is reported to append completions that were pending when the
// sink was aborted.
var ErrSinkClosed = errors.New("audio: sink closed")

// Speaker owns the audio output device. One Speaker serves many consecutive
// utterance sinks; oto allows a single context per process.
type Speaker struct {
	ctx       *oto.Context
	maxBuffer int
	log       *zap.SugaredLogger
}

// NewSpeaker initializes the output device for PCM16LE mono at the given
// sample rate. maxBuffer bounds how much undelivered audio a sink holds
// before appends start waiting on playback progress.
func NewSpeaker(sampleRate int, maxBuffer time.Duration, log *zap.SugaredLogger) (*Speaker, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	<-ready

	maxBytes := int(maxBuffer.Seconds() * float64(sampleRate) * 2)
	if maxBytes <= 0 {
		maxBytes = sampleRate * 4 // 2 seconds
	}
	return &Speaker{ctx: ctx, maxBuffer: maxBytes, log: log}, nil
}

// NewSink allocates a fresh playback sink for one utterance.
func (s *Speaker) NewSink() *Sink {
	k := &Sink{
		otoCtx:     s.ctx,
		maxBuffer:  s.maxBuffer,
		log:        s.log,
		naturalEnd: make(chan struct{}),
	}
	k.cond = sync.NewCond(&k.mu)
	return k
}

// Sink plays one utterance's audio. It accepts a single pending append at a
// time (the caller serializes), signals each append's completion once the
// bytes are buffered for playback, and closes NaturalEnd when finalized
// audio has fully played out.
type Sink struct {
	otoCtx    *oto.Context
	maxBuffer int
	log       *zap.SugaredLogger

	mu        sync.Mutex
	cond      *sync.Cond
	buf       []byte
	player    *oto.Player
	finalized bool
	aborted   bool

	naturalEnd chan struct{}
	endOnce    sync.Once
}

// Append schedules chunk for playback and invokes done once the chunk has
// been accepted into the playback buffer (or the sink died first). It never
// blocks the caller; completion may wait on playback progress when the
// buffer is full.
func (k *Sink) Append(chunk []byte, done func(error)) {
	go func() {
		k.mu.Lock()
		for len(k.buf)+len(chunk) > k.maxBuffer && !k.aborted {
			k.cond.Wait()
		}
		if k.aborted {
			k.mu.Unlock()
			done(ErrSinkClosed)
			return
		}
		k.buf = append(k.buf, chunk...)
		if k.player == nil {
			k.player = k.otoCtx.NewPlayer(k)
			k.player.Play()
		}
		k.cond.Broadcast()
		k.mu.Unlock()
		done(nil)
	}()
}

// Finalize marks that no further audio will arrive. NaturalEnd closes once
// everything buffered has played out; if no audio ever arrived it closes
// immediately.
func (k *Sink) Finalize() {
	k.mu.Lock()
	if k.finalized || k.aborted {
		k.mu.Unlock()
		return
	}
	k.finalized = true
	player := k.player
	k.cond.Broadcast()
	k.mu.Unlock()

	if player == nil {
		k.signalEnd()
		return
	}
	go k.watchDrain(player)
}

// watchDrain waits for the device to finish consuming buffered audio after
// finalize, then signals natural end.
func (k *Sink) watchDrain(player *oto.Player) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		k.mu.Lock()
		aborted := k.aborted
		drained := len(k.buf) == 0
		k.mu.Unlock()
		if aborted {
			return
		}
		if drained && !player.IsPlaying() {
			_ = player.Close()
			k.signalEnd()
			return
		}
	}
}

// Abort releases the sink regardless of pending state, discarding buffered
// audio. Safe to call at any time; never reports an error.
func (k *Sink) Abort() {
	k.mu.Lock()
	if k.aborted {
		k.mu.Unlock()
		return
	}
	k.aborted = true
	k.buf = nil
	player := k.player
	k.player = nil
	k.cond.Broadcast()
	k.mu.Unlock()

	if player != nil {
		player.Pause()
		if err := player.Close(); err != nil {
			k.log.Debugw("player close during abort", "error", err)
		}
	}
}

// NaturalEnd is closed when finalized audio has fully played out. It never
// closes after Abort.
func (k *Sink) NaturalEnd() <-chan struct{} { return k.naturalEnd }

func (k *Sink) signalEnd() {
	k.endOnce.Do(func() { close(k.naturalEnd) })
}

// Read feeds the device. It returns EOF once the sink is aborted or
// finalized with nothing left; before that it blocks until audio arrives.
func (k *Sink) Read(p []byte) (int, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	for len(k.buf) == 0 && !k.finalized && !k.aborted {
		k.cond.Wait()
	}
	if k.aborted || (k.finalized && len(k.buf) == 0) {
		return 0, io.EOF
	}

	n := copy(p, k.buf)
	k.buf = k.buf[n:]
	k.cond.Broadcast()
	return n, nil
}
