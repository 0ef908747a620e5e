// Package protocol defines the structured message envelope exchanged with
// the conversation server and the decoders for its payload variants.
package protocol

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Client → server message types.
const (
	TypeVoice     = "voice"
	TypeResume    = "resume"
	TypeText      = "text" // older servers also send this downstream as a full reply
	TypeLLMSearch = "llm_search"
)

// Server → client message types.
const (
	TypeASRText      = "asr_text"
	TypeTranscript   = "transcript" // legacy alias of asr_text
	TypeLLMBegin     = "llm_begin"
	TypeLLMReply     = "llm_reply"
	TypeLLMDelta     = "llm_delta"
	TypeLLMEnd       = "llm_end"
	TypeTTSBegin     = "tts_begin"
	TypeTTSAudio     = "tts_audio"
	TypeAudio        = "audio" // legacy alias of tts_audio, hex payload
	TypeTTSBoundary  = "tts_boundary"
	TypeWordBoundary = "word_boundary"
	TypeWord         = "word"
	TypeTTSEnd       = "tts_end"
	TypeError        = "error"
)

// ticksPerSecond converts 100-nanosecond ticks (the synthesis engine's
// native offset unit) to seconds.
const ticksPerSecond = 1e7

var (
	ErrMissingData = errors.New("protocol: message has no data payload")
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// Envelope is a structured (text) frame: a discriminated record carrying a
// type tag and a type-specific payload. Some server iterations put the
// boundary offset beside the payload instead of inside it; Offset captures
// that shape.
type Envelope struct {
	Type   string          `json:"type"`
	Data   json.RawMessage `json:"data,omitempty"`
	Offset *float64        `json:"offset,omitempty"`
}

// Decode parses a structured frame.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, errors.New("protocol: envelope missing type")
	}
	return env, nil
}

// Text decodes the data payload as a plain string.
func (e Envelope) Text() (string, error) {
	if len(e.Data) == 0 {
		return "", ErrMissingData
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return "", fmt.Errorf("protocol: decode %s text: %w", e.Type, err)
	}
	return s, nil
}

// AudioBytes decodes an inline tts_audio payload. Base64 is the current
// encoding; earlier servers sent hex, so that is accepted as a fallback.
func (e Envelope) AudioBytes() ([]byte, error) {
	s, err := e.Text()
	if err != nil {
		return nil, err
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode %s audio payload: %w", e.Type, err)
	}
	return b, nil
}

// Boundary is a timing-tagged partial-text reveal instruction. Offset is
// always seconds since utterance playback start; tick conversion happens
// here, never downstream.
type Boundary struct {
	Offset float64
	Text   string
}

type boundaryPayload struct {
	Offset      *float64 `json:"offset,omitempty"`
	Ticks       *int64   `json:"ticks,omitempty"`
	AudioOffset *int64   `json:"audio_offset,omitempty"`
	Text        string   `json:"text,omitempty"`
	Delta       string   `json:"delta,omitempty"`
}

// Boundary decodes a tts_boundary/word_boundary/word payload. Two wire
// shapes exist: data as an object carrying offset (seconds) or
// ticks/audio_offset (100-ns ticks), and data as the bare delta string with
// the offset hoisted onto the envelope.
func (e Envelope) Boundary() (Boundary, error) {
	if len(e.Data) == 0 {
		return Boundary{}, ErrMissingData
	}

	var delta string
	if err := json.Unmarshal(e.Data, &delta); err == nil {
		if e.Offset == nil {
			return Boundary{}, fmt.Errorf("protocol: %s with string payload missing offset", e.Type)
		}
		return Boundary{Offset: *e.Offset, Text: delta}, nil
	}

	var p boundaryPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return Boundary{}, fmt.Errorf("protocol: decode %s payload: %w", e.Type, err)
	}

	b := Boundary{Text: p.Text}
	if b.Text == "" {
		b.Text = p.Delta
	}
	switch {
	case p.AudioOffset != nil:
		b.Offset = float64(*p.AudioOffset) / ticksPerSecond
	case p.Ticks != nil:
		b.Offset = float64(*p.Ticks) / ticksPerSecond
	case p.Offset != nil:
		b.Offset = *p.Offset
	case e.Offset != nil:
		b.Offset = *e.Offset
	default:
		return Boundary{}, fmt.Errorf("protocol: %s payload missing offset", e.Type)
	}
	if b.Offset < 0 {
		return Boundary{}, fmt.Errorf("protocol: %s offset %v is negative", e.Type, b.Offset)
	}
	return b, nil
}

// IsBoundary reports whether the message type carries a boundary payload.
func IsBoundary(messageType string) bool {
	switch messageType {
	case TypeTTSBoundary, TypeWordBoundary, TypeWord:
		return true
	}
	return false
}

// MarshalText builds an outbound text-carrying message.
func MarshalText(messageType, text string) ([]byte, error) {
	data, err := json.Marshal(text)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal %s: %w", messageType, err)
	}
	return json.Marshal(Envelope{Type: messageType, Data: data})
}

// MarshalResume builds the control message that resumes upstream forwarding.
func MarshalResume() ([]byte, error) {
	return json.Marshal(Envelope{Type: TypeResume})
}
