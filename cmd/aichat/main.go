// Command aichat is a terminal client for duplex voice conversation: it
// streams microphone audio to the server, plays synthesized replies, and
// reveals reply text in sync with playback. Typed input works as a fallback
// whenever the session is listening.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/gordonklaus/portaudio"
	"go.uber.org/zap"

	"github.com/liuweichaox/AIChat/internal/audio"
	"github.com/liuweichaox/AIChat/internal/config"
	"github.com/liuweichaox/AIChat/internal/logging"
	"github.com/liuweichaox/AIChat/internal/session"
	"github.com/liuweichaox/AIChat/internal/transport"
	"github.com/liuweichaox/AIChat/internal/voices"
)

// The synthesis engine emits raw 24 kHz 16-bit mono PCM.
const playbackSampleRate = 24000

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "aichat:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	serverURL := flag.String("server", "", "server base URL (overrides config)")
	voice := flag.String("voice", "", "synthesis voice (overrides config)")
	listVoices := flag.Bool("list-voices", false, "print the voice catalog and exit")
	localeFilter := flag.String("locale", "", "filter -list-voices by locale prefix")
	flag.Parse()

	log := logging.Init()
	defer func() { _ = log.Sync() }()

	cfg, warnings, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		log.Warnw("config", "warning", w)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *voice != "" {
		cfg.Voice = *voice
	}

	if *listVoices {
		return printVoices(cfg.ServerURL, *localeFilter)
	}

	wsURL, err := cfg.AudioWSURL()
	if err != nil {
		return err
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize audio host: %w", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	speaker, err := audio.NewSpeaker(playbackSampleRate, cfg.ParsedPlaybackBuffer(), log)
	if err != nil {
		return fmt.Errorf("open audio output: %w", err)
	}

	ui := newConsoleUI(log)
	sess, err := session.New(session.Options{
		Dial: func(ctx context.Context) (session.Transport, error) {
			dialCtx, cancel := context.WithTimeout(ctx, cfg.ParsedDialTimeout())
			defer cancel()
			ch, err := transport.Dial(dialCtx, wsURL, log)
			if err != nil {
				return nil, err
			}
			return ch, nil
		},
		OpenCapture:   func() (session.Capture, error) { return openMic(cfg, log) },
		NewSink:       func() session.Sink { return speaker.NewSink() },
		Voice:         cfg.Voice,
		RevealCadence: cfg.ParsedRevealCadence(),
		Events:        ui,
		Log:           log,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Stop()

	fmt.Printf("connected to %s (voice %s) — speak, or type a message; /quit to exit\n", cfg.ServerURL, cfg.Voice)

	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "/quit", "/exit":
				return nil
			default:
				if err := sess.SendText(line); err != nil {
					fmt.Println("(not listening right now, try again in a moment)")
					log.Debugw("send text rejected", "error", err)
				}
			}
		}
	}
}

// openMic tries the configured sample rates in order until the device
// accepts one. Whatever rate the device runs at, the mic emits 48 kHz
// frames, so the upstream format stays fixed.
func openMic(cfg config.Config, log *zap.SugaredLogger) (session.Capture, error) {
	frameDur := cfg.ParsedFrameDuration()
	var lastErr error
	for _, rate := range cfg.SampleRateCandidates() {
		framesPerBuffer := int(float64(rate) * frameDur.Seconds())
		if framesPerBuffer <= 0 {
			continue
		}
		mic, err := audio.NewMic(rate, framesPerBuffer, log)
		if err != nil {
			lastErr = err
			log.Debugw("mic rejected sample rate", "sample_rate", rate, "error", err)
			continue
		}
		log.Infow("microphone opened", "device_rate", rate, "upstream_rate", audio.UpstreamSampleRate, "frames_per_buffer", framesPerBuffer)
		return mic, nil
	}
	return nil, fmt.Errorf("no supported capture sample rate: %w", lastErr)
}

func printVoices(serverURL, locale string) error {
	list, err := voices.NewClient(serverURL).List(context.Background())
	if err != nil {
		return err
	}
	list = voices.ByLocale(list, locale)
	for _, v := range list {
		fmt.Printf("%-40s %-8s %-8s %s\n", v.ShortName, v.Locale, v.Gender, v.FriendlyName)
	}
	if len(list) == 0 {
		fmt.Println("no voices matched")
	}
	return nil
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		out <- line
	}
}

// consoleUI renders the conversation to stdout. Bot entries arrive as growing
// prefixes; only the newly revealed suffix is printed so the line extends in
// place.
type consoleUI struct {
	log *zap.SugaredLogger

	mu        sync.Mutex
	openIndex int
	lastText  string
}

func newConsoleUI(log *zap.SugaredLogger) *consoleUI {
	return &consoleUI{log: log, openIndex: -1}
}

func (u *consoleUI) StateChanged(state session.TurnState) {
	u.log.Debugw("turn state", "state", state.String())
	if state == session.StateListening {
		u.mu.Lock()
		open := u.openIndex >= 0
		u.openIndex = -1
		u.lastText = ""
		u.mu.Unlock()
		if open {
			fmt.Println()
		}
	}
}

func (u *consoleUI) TranscriptUpdated(index int, entry session.TranscriptEntry) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if index != u.openIndex {
		if u.openIndex >= 0 {
			fmt.Println()
		}
		fmt.Printf("%s: ", entry.Role)
		u.openIndex = index
		u.lastText = ""
	}

	if strings.HasPrefix(entry.Text, u.lastText) {
		fmt.Print(entry.Text[len(u.lastText):])
	} else {
		fmt.Printf("\n%s: %s", entry.Role, entry.Text)
	}
	u.lastText = entry.Text

	if entry.Complete {
		fmt.Println()
		u.openIndex = -1
		u.lastText = ""
	}
}

func (u *consoleUI) SessionError(err error) {
	u.log.Warnw("session error", "error", err)
}
