package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/liuweichaox/AIChat/internal/transport"
)

// TurnState is the half-duplex turn-taking state of a session.
type TurnState int

const (
	StateIdle TurnState = iota
	StateConnecting
	StateListening
	StateProcessing
	StateSpeaking
	StateClosing
	StateClosed
)

func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// TranscriptEntry is one line of the conversation. Bot entries grow
// incrementally until marked complete; user entries are complete on arrival.
type TranscriptEntry struct {
	Role     Role
	Text     string
	Complete bool
}

// Transport is the session's view of the message channel.
// Implemented by transport.Channel.
type Transport interface {
	Messages() <-chan transport.Message
	SendBinary([]byte) error
	SendControl(raw []byte) error
	Err() error
	Close() error
}

// Capture is the session's view of the microphone pipeline. Frames arrive
// already encoded, at the device's own cadence.
type Capture interface {
	Start() error
	Frames() <-chan []byte
	Stop()
}

// Sink is the playback sink for one utterance. It accepts a single pending
// append at a time; the caller must wait for done before the next Append.
// NaturalEnd closes when finalized audio has fully played out, and never
// closes after Abort.
type Sink interface {
	Append(chunk []byte, done func(error))
	Finalize()
	Abort()
	NaturalEnd() <-chan struct{}
}

// Events receives observable session changes. Implementations must return
// quickly and must not call back into the session.
type Events interface {
	StateChanged(state TurnState)
	TranscriptUpdated(index int, entry TranscriptEntry)
	SessionError(err error)
}

// Options wires a session's collaborators.
type Options struct {
	// Dial opens the transport channel.
	Dial func(ctx context.Context) (Transport, error)
	// OpenCapture acquires the microphone pipeline.
	OpenCapture func() (Capture, error)
	// NewSink allocates a fresh playback sink for one utterance.
	NewSink func() Sink
	// Voice is the synthesis voice identifier announced after connect.
	Voice string
	// RevealCadence paces transcript reveal for replies that arrive without
	// timing metadata.
	RevealCadence time.Duration
	// Events receives session observations. Optional.
	Events Events
	// Log defaults to a nop logger.
	Log *zap.SugaredLogger
}
