package audio

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"
)

// Mic captures mono float samples from the default input device and emits
// encoded PCM16LE frames on a bounded queue, always at the 48 kHz upstream
// rate: devices running at another rate are resampled in the capture loop.
// The loop runs on its own goroutine at the device's cadence, independent of
// whether the consumer keeps up: when the queue is full the newest frame is
// dropped and counted, never blocking the capture path.
type Mic struct {
	stream    *portaudio.Stream
	buf       []float32
	resampler *Resampler
	log       *zap.SugaredLogger

	frames   chan []byte
	overflow atomic.Uint64

	stopOnce sync.Once
	stopped  chan struct{}
}

const frameQueueDepth = 16

// NewMic opens a capture stream at the given device sample rate and block
// size (in samples). Emitted frames are always 48 kHz regardless of the
// device rate. The stream is not started until Start.
func NewMic(sampleRate, framesPerBuffer int, log *zap.SugaredLogger) (*Mic, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, buf)
	if err != nil {
		return nil, err
	}
	m := &Mic{
		stream:  stream,
		buf:     buf,
		log:     log,
		frames:  make(chan []byte, frameQueueDepth),
		stopped: make(chan struct{}),
	}
	if sampleRate != UpstreamSampleRate {
		m.resampler = NewResampler(sampleRate, UpstreamSampleRate)
	}
	return m, nil
}

// Frames returns the capture output queue. It is closed when capture ends.
func (m *Mic) Frames() <-chan []byte { return m.frames }

// Overflow returns the number of frames dropped because the queue was full.
func (m *Mic) Overflow() uint64 { return m.overflow.Load() }

// Start begins capturing. Frames become available on Frames until Stop is
// called or the device fails.
func (m *Mic) Start() error {
	if err := m.stream.Start(); err != nil {
		return err
	}
	go m.captureLoop()
	return nil
}

func (m *Mic) captureLoop() {
	defer close(m.frames)

	for {
		select {
		case <-m.stopped:
			return
		default:
		}

		if err := m.stream.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				m.overflow.Add(1)
				continue
			}
			select {
			case <-m.stopped:
			default:
				m.log.Warnw("mic read failed, capture stopped", "error", err)
			}
			return
		}

		samples := m.buf
		if m.resampler != nil {
			samples = m.resampler.Process(m.buf)
			if len(samples) == 0 {
				continue
			}
		}

		frame := EncodeFrame(samples)
		select {
		case m.frames <- frame:
		default:
			m.overflow.Add(1)
		}
	}
}

// Stop halts capture and releases the device. Idempotent; errors during
// release are swallowed.
func (m *Mic) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		_ = m.stream.Abort()
		_ = m.stream.Close()
	})
}
