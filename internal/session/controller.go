// Package session implements the duplex voice-conversation streaming engine:
// the half-duplex turn-taking state machine, the upstream frame gate, the
// per-utterance playback buffering, and the time-synchronized subtitle
// scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liuweichaox/AIChat/internal/protocol"
)

// Session owns one conversation connection: the transport channel, the
// capture pipeline, the active utterance, and the turn-taking state. At most
// one session should be live per process; starting a new one requires
// stopping the previous one first.
type Session struct {
	opts Options
	log  *zap.SugaredLogger

	scheduler *BoundaryScheduler
	utterance *UtteranceBuffer

	gateDrops atomic.Uint64

	mu            sync.Mutex
	id            string
	state         TurnState
	transport     Transport
	capture       Capture
	currentSink   Sink
	transcript    []TranscriptEntry
	activeEntry   int
	cadenceReveal bool
	playbackStart time.Time
	done          chan struct{}
}

// New builds a session from its collaborators. The boundary scheduler's
// goroutine is started here and lives for the session object's lifetime,
// across restarts.
func New(opts Options) (*Session, error) {
	if opts.Dial == nil {
		return nil, errors.New("session: Dial is required")
	}
	if opts.OpenCapture == nil {
		return nil, errors.New("session: OpenCapture is required")
	}
	if opts.NewSink == nil {
		return nil, errors.New("session: NewSink is required")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop().Sugar()
	}
	if opts.RevealCadence <= 0 {
		opts.RevealCadence = 120 * time.Millisecond
	}

	s := &Session{
		opts:        opts,
		log:         opts.Log,
		state:       StateIdle,
		activeEntry: -1,
	}
	s.scheduler = NewBoundaryScheduler(s.applyDelta)
	s.utterance = NewUtteranceBuffer(opts.Log)
	return s, nil
}

// Start runs the Idle→Connecting→Listening acquisition sequence: transport
// first, then the capture pipeline. Any failure releases whatever was
// acquired and surfaces a single AcquisitionError; the session ends Closed
// and may be started again.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateClosed:
	default:
		s.mu.Unlock()
		return fmt.Errorf("session: cannot start while %s", s.state)
	}
	s.id = uuid.NewString()
	s.transcript = nil
	s.activeEntry = -1
	s.state = StateConnecting
	s.mu.Unlock()
	s.notifyState(StateConnecting)

	tr, err := s.opts.Dial(ctx)
	if err != nil {
		return s.failStart(&AcquisitionError{Resource: "transport", Err: err})
	}
	capture, err := s.opts.OpenCapture()
	if err != nil {
		_ = tr.Close()
		return s.failStart(&AcquisitionError{Resource: "capture", Err: err})
	}
	if err := capture.Start(); err != nil {
		capture.Stop()
		_ = tr.Close()
		return s.failStart(&AcquisitionError{Resource: "capture", Err: err})
	}

	if s.opts.Voice != "" {
		if raw, merr := protocol.MarshalText(protocol.TypeVoice, s.opts.Voice); merr == nil {
			if serr := tr.SendControl(raw); serr != nil {
				s.log.Warnw("announce voice failed", "error", serr)
			}
		}
	}

	done := make(chan struct{})
	s.mu.Lock()
	if s.state != StateConnecting {
		// Stop raced the acquisition sequence; the stop wins.
		s.mu.Unlock()
		capture.Stop()
		_ = tr.Close()
		return fmt.Errorf("session: stopped during start")
	}
	s.transport = tr
	s.capture = capture
	s.done = done
	s.state = StateListening
	s.mu.Unlock()
	s.notifyState(StateListening)

	go s.readLoop(tr, done)
	go s.forwardLoop(tr, capture, done)

	s.log.Infow("session started", "session_id", s.id)
	return nil
}

func (s *Session) failStart(err error) error {
	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.notifyState(StateClosed)
	return err
}

// Stop tears the session down from any state: capture released, utterance
// aborted, boundary queue cleared, transport closed. Idempotent; teardown
// errors are swallowed and the session always ends Closed.
func (s *Session) Stop() {
	s.mu.Lock()
	switch s.state {
	case StateIdle, StateClosed, StateClosing:
		s.mu.Unlock()
		return
	}
	s.state = StateClosing
	done := s.done
	tr := s.transport
	capture := s.capture
	s.done = nil
	s.transport = nil
	s.capture = nil
	s.currentSink = nil
	s.activeEntry = -1
	s.cadenceReveal = false
	s.mu.Unlock()
	s.notifyState(StateClosing)

	if done != nil {
		close(done)
	}
	if capture != nil {
		capture.Stop()
	}
	s.utterance.Abort()
	s.scheduler.Reset()
	if tr != nil {
		_ = tr.Close()
	}

	s.mu.Lock()
	s.state = StateClosed
	s.mu.Unlock()
	s.notifyState(StateClosed)
	s.log.Infow("session closed", "session_id", s.id, "dropped_frames", s.gateDrops.Load())
}

// SendText sends typed user text as a fallback to spoken input. Only valid
// while listening; it moves the turn to Processing like a recognized
// utterance would.
func (s *Session) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	s.mu.Lock()
	if s.state != StateListening || s.transport == nil {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("session: cannot send text while %s", state)
	}
	tr := s.transport
	s.transcript = append(s.transcript, TranscriptEntry{Role: RoleUser, Text: text, Complete: true})
	idx := len(s.transcript) - 1
	entry := s.transcript[idx]
	s.state = StateProcessing
	s.mu.Unlock()

	raw, err := protocol.MarshalText(protocol.TypeText, text)
	if err != nil {
		return err
	}
	if err := tr.SendControl(raw); err != nil {
		return err
	}
	s.notifyTranscript(idx, entry)
	s.notifyState(StateProcessing)
	return nil
}

// State returns the current turn state.
func (s *Session) State() TurnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the identifier of the current (or last) run.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Transcript returns a copy of the conversation so far.
func (s *Session) Transcript() []TranscriptEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TranscriptEntry(nil), s.transcript...)
}

// DroppedFrames counts captured frames discarded by the upstream gate while
// the session was not listening.
func (s *Session) DroppedFrames() uint64 { return s.gateDrops.Load() }

// readLoop dispatches inbound frames in channel order. It is the only
// goroutine that mutates conversation state from the network side.
func (s *Session) readLoop(tr Transport, done chan struct{}) {
	for msg := range tr.Messages() {
		if msg.Binary != nil {
			s.handleAudio(msg.Binary)
			continue
		}
		if msg.Control != nil {
			s.handleControl(*msg.Control)
		}
	}

	select {
	case <-done:
		return // local stop already in progress
	default:
	}
	err := tr.Err()
	if err == nil {
		err = ErrRemoteClosed
	}
	s.notifyError(&TransportError{Err: err})
	s.Stop()
}

// forwardLoop pushes captured frames through the upstream gate. Frames
// produced while gated are discarded, not buffered.
func (s *Session) forwardLoop(tr Transport, capture Capture, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame, ok := <-capture.Frames():
			if !ok {
				select {
				case <-done:
					return
				default:
				}
				s.notifyError(&AcquisitionError{Resource: "capture", Err: errors.New("capture pipeline stopped")})
				s.Stop()
				return
			}
			if !s.admit() {
				s.gateDrops.Add(1)
				continue
			}
			if err := tr.SendBinary(frame); err != nil {
				select {
				case <-done:
					return
				default:
				}
				s.notifyError(&TransportError{Err: err})
				s.Stop()
				return
			}
		}
	}
}

// admit is the upstream gate: frames pass only while listening.
func (s *Session) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateListening && s.transport != nil
}

func (s *Session) handleControl(env protocol.Envelope) {
	if protocol.IsBoundary(env.Type) {
		b, err := env.Boundary()
		if err != nil {
			s.log.Warnw("ignoring malformed boundary", "type", env.Type, "error", err)
			return
		}
		s.onBoundary(Boundary{Offset: b.Offset, Text: b.Text})
		return
	}

	switch env.Type {
	case protocol.TypeASRText, protocol.TypeTranscript:
		text, err := env.Text()
		if err != nil {
			s.log.Warnw("ignoring malformed message", "type", env.Type, "error", err)
			return
		}
		s.onRecognizedText(text)
	case protocol.TypeLLMBegin:
		s.onReplyBegin()
	case protocol.TypeLLMReply, protocol.TypeText:
		// Older servers send the whole reply as a bare text message.
		text, err := env.Text()
		if err != nil {
			s.log.Warnw("ignoring malformed message", "type", env.Type, "error", err)
			return
		}
		s.onFullReply(text)
	case protocol.TypeLLMDelta:
		text, err := env.Text()
		if err != nil {
			s.log.Warnw("ignoring malformed message", "type", env.Type, "error", err)
			return
		}
		s.onReplyDelta(text)
	case protocol.TypeLLMEnd:
		// Reply text is complete; the entry closes when playback ends.
	case protocol.TypeTTSBegin:
		s.onSpeechBegin()
	case protocol.TypeTTSAudio, protocol.TypeAudio:
		audio, err := env.AudioBytes()
		if err != nil {
			s.log.Warnw("ignoring malformed inline audio", "error", err)
			return
		}
		s.handleAudio(audio)
	case protocol.TypeTTSEnd:
		s.onSpeechEnd()
	case protocol.TypeError:
		text, _ := env.Text()
		s.notifyError(fmt.Errorf("server error: %s", text))
	default:
		// Unknown extension type from a newer server; not fatal.
		s.log.Infow("ignoring unrecognized message type", "type", env.Type)
	}
}

func (s *Session) onRecognizedText(text string) {
	s.mu.Lock()
	s.transcript = append(s.transcript, TranscriptEntry{Role: RoleUser, Text: text, Complete: true})
	idx := len(s.transcript) - 1
	entry := s.transcript[idx]
	transitioned := s.state == StateListening
	if transitioned {
		s.state = StateProcessing
	}
	s.mu.Unlock()

	s.notifyTranscript(idx, entry)
	if transitioned {
		s.notifyState(StateProcessing)
	}
}

func (s *Session) onReplyBegin() {
	s.mu.Lock()
	idx := s.ensureBotEntryLocked()
	entry := s.transcript[idx]
	s.mu.Unlock()
	s.notifyTranscript(idx, entry)
}

// onFullReply handles a reply that arrives as one complete text. Without
// timing metadata the reveal is paced at a fixed cadence per rune; an
// utterance with boundary events will replace this schedule.
func (s *Session) onFullReply(text string) {
	s.mu.Lock()
	idx := s.ensureBotEntryLocked()
	s.cadenceReveal = true
	entry := s.transcript[idx]
	s.mu.Unlock()
	s.notifyTranscript(idx, entry)

	cadence := s.opts.RevealCadence.Seconds()
	s.scheduler.StartUtterance(time.Now())
	for i, r := range []rune(text) {
		s.scheduler.Enqueue(Boundary{Offset: float64(i) * cadence, Text: string(r)})
	}
}

func (s *Session) onReplyDelta(text string) {
	s.mu.Lock()
	if s.state == StateSpeaking {
		// Boundary events own the reveal while speaking.
		s.mu.Unlock()
		return
	}
	idx := s.ensureBotEntryLocked()
	s.transcript[idx].Text += text
	entry := s.transcript[idx]
	s.mu.Unlock()
	s.notifyTranscript(idx, entry)
}

func (s *Session) onSpeechBegin() {
	s.mu.Lock()
	switch s.state {
	case StateListening, StateProcessing, StateSpeaking:
	default:
		s.mu.Unlock()
		return
	}
	idx := s.ensureBotEntryLocked()
	restarted := false
	if s.cadenceReveal {
		// Boundary timing supersedes a paced reveal. The boundaries carry
		// the text themselves, so the revealed prefix starts over.
		s.transcript[idx].Text = ""
		s.cadenceReveal = false
		restarted = true
	}
	entry := s.transcript[idx]
	sink := s.opts.NewSink()
	s.currentSink = sink
	s.playbackStart = time.Now()
	s.state = StateSpeaking
	done := s.done
	s.scheduler.StartUtterance(s.playbackStart)
	s.mu.Unlock()

	s.utterance.Begin(sink)
	if restarted {
		s.notifyTranscript(idx, entry)
	}
	s.notifyState(StateSpeaking)
	go s.watchPlayback(sink, done)
}

func (s *Session) handleAudio(chunk []byte) {
	s.mu.Lock()
	speaking := s.state == StateSpeaking
	s.mu.Unlock()
	if !speaking {
		return
	}
	s.utterance.Append(chunk)
}

func (s *Session) onBoundary(b Boundary) {
	s.mu.Lock()
	speaking := s.state == StateSpeaking
	s.mu.Unlock()
	if !speaking {
		return
	}
	s.scheduler.Enqueue(b)
}

func (s *Session) onSpeechEnd() {
	// State stays Speaking until the sink reports natural end.
	s.utterance.RequestFinalize()
}

// watchPlayback waits for the current utterance to play out, then returns
// the turn to the user: resume is sent first (forwarding restarts
// optimistically), pending boundaries are cleared, and the bot entry is
// sealed.
func (s *Session) watchPlayback(sink Sink, done chan struct{}) {
	if done == nil {
		return
	}
	select {
	case <-sink.NaturalEnd():
	case <-done:
		return
	}

	s.mu.Lock()
	if s.currentSink != sink || s.state != StateSpeaking {
		s.mu.Unlock()
		return
	}
	s.currentSink = nil
	tr := s.transport
	idx := s.activeEntry
	var entry TranscriptEntry
	sealed := false
	if idx >= 0 && idx < len(s.transcript) && s.transcript[idx].Role == RoleBot && !s.transcript[idx].Complete {
		s.transcript[idx].Complete = true
		entry = s.transcript[idx]
		sealed = true
	}
	s.activeEntry = -1
	s.cadenceReveal = false
	s.scheduler.Reset()
	s.mu.Unlock()

	if tr != nil {
		if raw, err := protocol.MarshalResume(); err == nil {
			if err := tr.SendControl(raw); err != nil {
				s.log.Warnw("send resume failed", "error", err)
			}
		}
	}

	s.mu.Lock()
	// A tts_begin that landed while resume was in flight owns the turn now.
	transitioned := s.state == StateSpeaking && s.currentSink == nil
	if transitioned {
		s.state = StateListening
	}
	s.mu.Unlock()

	if sealed {
		s.notifyTranscript(idx, entry)
	}
	if transitioned {
		s.notifyState(StateListening)
	}
}

// applyDelta is the boundary scheduler's reveal callback.
func (s *Session) applyDelta(delta string) {
	s.mu.Lock()
	idx := s.activeEntry
	if idx < 0 || idx >= len(s.transcript) ||
		s.transcript[idx].Role != RoleBot || s.transcript[idx].Complete {
		s.mu.Unlock()
		return
	}
	s.transcript[idx].Text += delta
	entry := s.transcript[idx]
	s.mu.Unlock()
	s.notifyTranscript(idx, entry)
}

// ensureBotEntryLocked returns the active bot entry's index, creating a
// fresh entry when none is open. Caller holds s.mu.
func (s *Session) ensureBotEntryLocked() int {
	if s.activeEntry >= 0 && s.activeEntry < len(s.transcript) &&
		s.transcript[s.activeEntry].Role == RoleBot && !s.transcript[s.activeEntry].Complete {
		return s.activeEntry
	}
	s.transcript = append(s.transcript, TranscriptEntry{Role: RoleBot})
	s.activeEntry = len(s.transcript) - 1
	return s.activeEntry
}

func (s *Session) notifyState(state TurnState) {
	if s.opts.Events != nil {
		s.opts.Events.StateChanged(state)
	}
}

func (s *Session) notifyTranscript(index int, entry TranscriptEntry) {
	if s.opts.Events != nil {
		s.opts.Events.TranscriptUpdated(index, entry)
	}
}

func (s *Session) notifyError(err error) {
	s.log.Warnw("session error", "error", err)
	if s.opts.Events != nil {
		s.opts.Events.SessionError(err)
	}
}
