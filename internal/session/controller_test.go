package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/liuweichaox/AIChat/internal/protocol"
	"github.com/liuweichaox/AIChat/internal/transport"
)

type fakeTransport struct {
	inbound chan transport.Message

	// When set (before Start), outbound resume messages block until the
	// channel closes.
	resumeGate chan struct{}

	mu        sync.Mutex
	binaries  [][]byte
	controls  [][]byte
	sendErr   error
	err       error
	closed    int
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan transport.Message, 16)}
}

func (f *fakeTransport) Messages() <-chan transport.Message { return f.inbound }

func (f *fakeTransport) SendBinary(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.binaries = append(f.binaries, frame)
	return nil
}

func (f *fakeTransport) SendControl(raw []byte) error {
	if f.resumeGate != nil {
		if env, err := protocol.Decode(raw); err == nil && env.Type == protocol.TypeResume {
			<-f.resumeGate
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.controls = append(f.controls, raw)
	return nil
}

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.inbound) })
	return nil
}

func (f *fakeTransport) binaryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binaries)
}

// controlTypes decodes every sent control frame's type tag.
func (f *fakeTransport) controlTypes(t *testing.T) []string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, 0, len(f.controls))
	for _, raw := range f.controls {
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("sent control does not decode: %v", err)
		}
		types = append(types, env.Type)
	}
	return types
}

type fakeCapture struct {
	frames   chan []byte
	startErr error

	mu      sync.Mutex
	started int
	stopped int
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{frames: make(chan []byte, 16)}
}

func (f *fakeCapture) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started++
	return nil
}

func (f *fakeCapture) Frames() <-chan []byte { return f.frames }

func (f *fakeCapture) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

type eventRecorder struct {
	mu     sync.Mutex
	states []TurnState
	errs   []error
}

func (r *eventRecorder) StateChanged(state TurnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *eventRecorder) TranscriptUpdated(index int, entry TranscriptEntry) {}

func (r *eventRecorder) SessionError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *eventRecorder) errorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *eventRecorder) lastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

type harness struct {
	tr      *fakeTransport
	capture *fakeCapture
	events  *eventRecorder
	sess    *Session

	mu    sync.Mutex
	sinks []*fakeSink
}

func (h *harness) sink(t *testing.T, i int) *fakeSink {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.sinks) {
		t.Fatalf("sink %d not created yet, have %d", i, len(h.sinks))
	}
	return h.sinks[i]
}

func (h *harness) sinkCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sinks)
}

func newHarness(t *testing.T, tweak ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		tr:      newFakeTransport(),
		capture: newFakeCapture(),
		events:  &eventRecorder{},
	}
	opts := Options{
		Dial:        func(ctx context.Context) (Transport, error) { return h.tr, nil },
		OpenCapture: func() (Capture, error) { return h.capture, nil },
		NewSink: func() Sink {
			s := newFakeSink()
			h.mu.Lock()
			h.sinks = append(h.sinks, s)
			h.mu.Unlock()
			return s
		},
		Voice:  "zh-CN-XiaoxiaoNeural",
		Events: h.events,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	sess, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sess = sess
	t.Cleanup(sess.Stop)
	return h
}

// push delivers one server message to the session's read loop.
func (h *harness) push(t *testing.T, raw string) {
	t.Helper()
	env, err := protocol.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("bad test message %q: %v", raw, err)
	}
	h.tr.inbound <- transport.Message{Control: &env}
}

func (h *harness) pushBinary(chunk []byte) {
	h.tr.inbound <- transport.Message{Binary: chunk}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func (h *harness) waitState(t *testing.T, want TurnState) {
	t.Helper()
	waitFor(t, func() bool { return h.sess.State() == want },
		"timed out waiting for state "+want.String()+", at "+h.sess.State().String())
}

func TestSessionStartAnnouncesVoice(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.sess.State(); got != StateListening {
		t.Fatalf("state after start: %s, want listening", got)
	}

	types := h.tr.controlTypes(t)
	if len(types) != 1 || types[0] != protocol.TypeVoice {
		t.Fatalf("expected a single voice announcement, got %v", types)
	}
	env, _ := protocol.Decode(h.tr.controls[0])
	voice, err := env.Text()
	if err != nil || voice != "zh-CN-XiaoxiaoNeural" {
		t.Fatalf("voice payload: %q, %v", voice, err)
	}
}

func TestSessionStartWhileLiveFails(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.sess.Start(context.Background()); err == nil {
		t.Fatal("second Start must fail while live")
	}
}

func TestSessionGateForwardsOnlyWhileListening(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.capture.frames <- []byte{1, 2}
	waitFor(t, func() bool { return h.tr.binaryCount() == 1 },
		"frame not forwarded while listening")

	h.push(t, `{"type":"asr_text","data":"hello"}`)
	h.waitState(t, StateProcessing)

	h.capture.frames <- []byte{3, 4}
	h.capture.frames <- []byte{5, 6}
	waitFor(t, func() bool { return h.sess.DroppedFrames() == 2 },
		"frames produced while processing must be dropped")
	if got := h.tr.binaryCount(); got != 1 {
		t.Fatalf("gated frames reached the transport: %d sent", got)
	}
}

func TestSessionFullTurn(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hello"}`)
	h.waitState(t, StateProcessing)

	transcript := h.sess.Transcript()
	if len(transcript) != 1 || transcript[0].Role != RoleUser ||
		transcript[0].Text != "hello" || !transcript[0].Complete {
		t.Fatalf("user entry after recognition: %+v", transcript)
	}

	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)
	waitFor(t, func() bool { return h.sinkCount() == 1 }, "sink not created on tts_begin")
	sink := h.sink(t, 0)

	h.pushBinary([]byte{0x01, 0x02})
	h.pushBinary([]byte{0x03, 0x04})
	waitFor(t, func() bool { return sink.appendCount() == 1 },
		"first chunk not submitted")

	h.push(t, `{"type":"tts_end"}`)
	sink.complete(t, nil)
	waitFor(t, func() bool { return sink.appendCount() == 2 },
		"second chunk not submitted after first completed")
	if got := sink.finalizeCount(); got != 0 {
		t.Fatalf("finalize fired with a chunk still in flight: %d", got)
	}
	sink.complete(t, nil)
	waitFor(t, func() bool { return sink.finalizeCount() == 1 },
		"finalize not fired after last completion")

	if got := h.sess.State(); got != StateSpeaking {
		t.Fatalf("state before playback end: %s, want speaking", got)
	}

	close(sink.end)
	h.waitState(t, StateListening)

	resumes := 0
	for _, typ := range h.tr.controlTypes(t) {
		if typ == protocol.TypeResume {
			resumes++
		}
	}
	if resumes != 1 {
		t.Fatalf("expected exactly one resume, got %d", resumes)
	}

	transcript = h.sess.Transcript()
	if len(transcript) != 2 {
		t.Fatalf("expected user + bot entries, got %+v", transcript)
	}
	if transcript[1].Role != RoleBot || !transcript[1].Complete {
		t.Fatalf("bot entry not sealed after playback: %+v", transcript[1])
	}
}

func TestSessionBoundariesRevealText(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)

	h.push(t, `{"type":"word_boundary","data":{"audio_offset":0,"text":"hello "}}`)
	h.push(t, `{"type":"word_boundary","data":{"audio_offset":100000,"text":"world"}}`)

	waitFor(t, func() bool {
		tr := h.sess.Transcript()
		return len(tr) == 2 && tr[1].Text == "hello world"
	}, "boundary deltas not applied to the bot entry")
}

func TestSessionFullReplyRevealedAtCadence(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RevealCadence = time.Millisecond })
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"llm_reply","data":"好的"}`)

	waitFor(t, func() bool {
		tr := h.sess.Transcript()
		return len(tr) == 2 && tr[1].Text == "好的"
	}, "fixed-cadence reveal did not complete")
}

func TestSessionNewUtteranceSupersedesPrevious(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)
	waitFor(t, func() bool { return h.sinkCount() == 1 }, "first sink not created")

	h.push(t, `{"type":"tts_begin"}`)
	waitFor(t, func() bool { return h.sinkCount() == 2 }, "second sink not created")
	first, second := h.sink(t, 0), h.sink(t, 1)

	waitFor(t, func() bool { return first.finalizeCount() == 1 },
		"superseded sink must be finalized")

	// The first sink's natural end is stale: no resume, still speaking.
	close(first.end)
	time.Sleep(50 * time.Millisecond)
	if got := h.sess.State(); got != StateSpeaking {
		t.Fatalf("stale playback end changed state to %s", got)
	}
	for _, typ := range h.tr.controlTypes(t) {
		if typ == protocol.TypeResume {
			t.Fatal("stale playback end sent resume")
		}
	}

	h.push(t, `{"type":"tts_end"}`)
	waitFor(t, func() bool { return second.finalizeCount() == 1 },
		"current sink not finalized on tts_end")
	close(second.end)
	h.waitState(t, StateListening)
}

func TestSessionSendText(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := h.sess.SendText("  ping  "); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	if got := h.sess.State(); got != StateProcessing {
		t.Fatalf("state after SendText: %s, want processing", got)
	}

	types := h.tr.controlTypes(t)
	last := types[len(types)-1]
	if last != protocol.TypeText {
		t.Fatalf("last control: %s, want text", last)
	}
	env, _ := protocol.Decode(h.tr.controls[len(h.tr.controls)-1])
	text, _ := env.Text()
	if text != "ping" {
		t.Fatalf("text payload: %q, want trimmed %q", text, "ping")
	}

	tr := h.sess.Transcript()
	if len(tr) != 1 || tr[0].Role != RoleUser || tr[0].Text != "ping" {
		t.Fatalf("transcript after SendText: %+v", tr)
	}

	if err := h.sess.SendText("again"); err == nil {
		t.Fatal("SendText must fail while processing")
	}
	if err := h.sess.SendText("   "); err != nil {
		t.Fatalf("blank SendText must be a silent no-op, got %v", err)
	}
}

func TestSessionCaptureDeniedReleasesTransport(t *testing.T) {
	h := newHarness(t)
	h.capture.startErr = errors.New("device busy")

	err := h.sess.Start(context.Background())
	var acq *AcquisitionError
	if !errors.As(err, &acq) || acq.Resource != "capture" {
		t.Fatalf("expected capture AcquisitionError, got %v", err)
	}
	if h.tr.closed == 0 {
		t.Fatal("transport must be released when capture is denied")
	}
	if got := h.tr.controlTypes(t); len(got) != 0 {
		t.Fatalf("no controls may be sent on failed start, got %v", got)
	}
	if got := h.sess.State(); got != StateClosed {
		t.Fatalf("state after failed start: %s, want closed", got)
	}

	// The session is restartable after a failed acquisition.
	h.capture.startErr = nil
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("restart after failed acquisition: %v", err)
	}
}

func TestSessionRemoteCloseTearsDown(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.tr.closeOnce.Do(func() { close(h.tr.inbound) })
	h.waitState(t, StateClosed)

	var te *TransportError
	if err := h.events.lastError(); !errors.As(err, &te) || !errors.Is(err, ErrRemoteClosed) {
		t.Fatalf("expected TransportError wrapping ErrRemoteClosed, got %v", err)
	}
	if h.capture.stopped == 0 {
		t.Fatal("capture must be stopped on remote close")
	}
}

func TestSessionStopIdempotent(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.sess.Stop()
	if got := h.sess.State(); got != StateClosed {
		t.Fatalf("state after stop: %s, want closed", got)
	}
	h.sess.Stop()
	h.sess.Stop()

	if h.tr.closed != 1 {
		t.Fatalf("transport closed %d times, want 1", h.tr.closed)
	}
	if h.capture.stopped != 1 {
		t.Fatalf("capture stopped %d times, want 1", h.capture.stopped)
	}
	if got := h.events.errorCount(); got != 0 {
		t.Fatalf("deliberate stop must not surface errors, got %d", got)
	}
}

func TestSessionStopAbortsActiveUtterance(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)
	waitFor(t, func() bool { return h.sinkCount() == 1 }, "sink not created")
	sink := h.sink(t, 0)

	h.sess.Stop()
	if sink.aborted != 1 {
		t.Fatalf("active sink aborted %d times on stop, want 1", sink.aborted)
	}
	if got := sink.finalizeCount(); got != 0 {
		t.Fatalf("stop must abort, not finalize: %d finalizes", got)
	}
}

func TestSessionInlineAudioDecoded(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)
	waitFor(t, func() bool { return h.sinkCount() == 1 }, "sink not created")
	sink := h.sink(t, 0)

	// "AQI=" is base64 for 0x01 0x02.
	raw, _ := json.Marshal(map[string]any{"type": "tts_audio", "data": "AQI="})
	h.push(t, string(raw))

	waitFor(t, func() bool { return sink.appendCount() == 1 },
		"inline audio not appended")
	sink.mu.Lock()
	chunk := sink.appends[0]
	sink.mu.Unlock()
	if len(chunk) != 2 || chunk[0] != 0x01 || chunk[1] != 0x02 {
		t.Fatalf("decoded inline audio: %v", chunk)
	}
}

func TestSessionServerErrorDoesNotTearDown(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"error","data":"synthesis failed"}`)
	waitFor(t, func() bool { return h.events.errorCount() == 1 },
		"server error not surfaced")
	if got := h.sess.State(); got != StateListening {
		t.Fatalf("server error must not change state, got %s", got)
	}
}

func TestSessionLegacyTextReply(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RevealCadence = time.Millisecond })
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"text","data":"reply from older server"}`)

	waitFor(t, func() bool {
		tr := h.sess.Transcript()
		return len(tr) == 2 && tr[1].Role == RoleBot && tr[1].Text == "reply from older server"
	}, "downstream text message not rendered as a bot reply")
}

func TestSessionLegacyInlineAudio(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)
	waitFor(t, func() bool { return h.sinkCount() == 1 }, "sink not created")
	sink := h.sink(t, 0)

	// Hex payload, the old inline encoding.
	h.push(t, `{"type":"audio","data":"00ff10"}`)

	waitFor(t, func() bool { return sink.appendCount() == 1 },
		"legacy inline audio not appended")
	sink.mu.Lock()
	chunk := sink.appends[0]
	sink.mu.Unlock()
	if len(chunk) != 3 || chunk[0] != 0x00 || chunk[1] != 0xFF || chunk[2] != 0x10 {
		t.Fatalf("decoded legacy audio: %v", chunk)
	}
}

func TestSessionStopDuringStartWins(t *testing.T) {
	dialing := make(chan struct{})
	gate := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(gate) }) }
	t.Cleanup(release)

	h := newHarness(t, func(o *Options) {
		inner := o.Dial
		o.Dial = func(ctx context.Context) (Transport, error) {
			close(dialing)
			<-gate
			return inner(ctx)
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- h.sess.Start(context.Background()) }()
	<-dialing

	h.sess.Stop()
	if got := h.sess.State(); got != StateClosed {
		t.Fatalf("state after stop during connect: %s, want closed", got)
	}

	release()
	if err := <-errc; err == nil {
		t.Fatal("Start must fail after Stop won the race")
	}

	time.Sleep(50 * time.Millisecond)
	if got := h.sess.State(); got != StateClosed {
		t.Fatalf("session resurrected after stop: %s", got)
	}
	if h.tr.closed == 0 {
		t.Fatal("transport acquired after stop must be released")
	}
	if h.capture.started != h.capture.stopped {
		t.Fatalf("capture leaked: started %d, stopped %d", h.capture.started, h.capture.stopped)
	}
}

func TestSessionNextUtteranceDuringResumeKeepsTurn(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	var releaseOnce sync.Once
	release := func() { releaseOnce.Do(func() { close(gate) }) }
	t.Cleanup(release)
	h.tr.resumeGate = gate

	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)
	waitFor(t, func() bool { return h.sinkCount() == 1 }, "first sink not created")
	first := h.sink(t, 0)

	h.push(t, `{"type":"tts_end"}`)
	waitFor(t, func() bool { return first.finalizeCount() == 1 }, "first sink not finalized")

	// Natural end: the playback watcher is now stalled mid-resume.
	close(first.end)

	// The next utterance begins while that resume is still in flight.
	h.push(t, `{"type":"tts_begin"}`)
	waitFor(t, func() bool { return h.sinkCount() == 2 }, "second sink not created")

	// Its boundaries must survive the first utterance's teardown.
	h.push(t, `{"type":"word_boundary","data":{"audio_offset":0,"text":"ok"}}`)
	waitFor(t, func() bool {
		tr := h.sess.Transcript()
		return len(tr) == 3 && tr[2].Text == "ok"
	}, "second utterance's boundary was lost")

	release()
	time.Sleep(50 * time.Millisecond)
	if got := h.sess.State(); got != StateSpeaking {
		t.Fatalf("stale playback end stole the turn: state %s", got)
	}

	second := h.sink(t, 1)
	h.push(t, `{"type":"tts_end"}`)
	waitFor(t, func() bool { return second.finalizeCount() == 1 }, "second sink not finalized")
	close(second.end)
	h.waitState(t, StateListening)

	resumes := 0
	for _, typ := range h.tr.controlTypes(t) {
		if typ == protocol.TypeResume {
			resumes++
		}
	}
	if resumes != 2 {
		t.Fatalf("expected one resume per finished utterance, got %d", resumes)
	}
}

func TestSessionBoundariesSupersedePacedReveal(t *testing.T) {
	// A huge cadence freezes the paced reveal after its first rune.
	h := newHarness(t, func(o *Options) { o.RevealCadence = time.Hour })
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"llm_reply","data":"hello world"}`)
	waitFor(t, func() bool {
		tr := h.sess.Transcript()
		return len(tr) == 2 && tr[1].Text == "h"
	}, "paced reveal did not apply its first rune")

	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)
	h.push(t, `{"type":"word_boundary","data":{"audio_offset":0,"text":"hello world"}}`)

	waitFor(t, func() bool {
		tr := h.sess.Transcript()
		return tr[1].Text == "hello world"
	}, "boundary reveal did not replace the paced prefix")
}

func TestSessionMalformedMessagesIgnored(t *testing.T) {
	h := newHarness(t)
	if err := h.sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.push(t, `{"type":"asr_text","data":"hi"}`)
	h.push(t, `{"type":"tts_begin"}`)
	h.waitState(t, StateSpeaking)

	h.push(t, `{"type":"word_boundary","data":{"text":"no offset"}}`)
	h.push(t, `{"type":"llm_reply","data":{"not":"a string"}}`)
	h.push(t, `{"type":"made_up_extension","data":"x"}`)

	// The session keeps running: a well-formed boundary still applies.
	h.push(t, `{"type":"word_boundary","data":{"audio_offset":0,"text":"ok"}}`)
	waitFor(t, func() bool {
		tr := h.sess.Transcript()
		return len(tr) == 2 && tr[1].Text == "ok"
	}, "session did not survive malformed messages")
}
