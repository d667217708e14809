// Package deepgram synthesizes speech with the Deepgram streaming speak API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-live/core/audio"
	"github.com/koscakluka/ema-live/core/texttospeech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultBaseURL = "wss://api.deepgram.com/v1/speak"

type Voice string

const (
	VoiceAsteria Voice = "aura-asteria-en"
	VoiceLuna    Voice = "aura-luna-en"
	VoiceStella  Voice = "aura-stella-en"
	VoiceAthena  Voice = "aura-athena-en"
	VoiceHera    Voice = "aura-hera-en"
	VoiceOrion   Voice = "aura-orion-en"
	VoiceArcas   Voice = "aura-arcas-en"
	VoicePerseus Voice = "aura-perseus-en"
	VoiceAngus   Voice = "aura-angus-en"
	VoiceOrpheus Voice = "aura-orpheus-en"
	VoiceHelios  Voice = "aura-helios-en"
	VoiceZeus    Voice = "aura-zeus-en"

	defaultVoice = VoiceAsteria
)

func GetAvailableVoices() []Voice {
	return []Voice{
		VoiceAsteria, VoiceLuna, VoiceStella, VoiceAthena, VoiceHera, VoiceOrion,
		VoiceArcas, VoicePerseus, VoiceAngus, VoiceOrpheus, VoiceHelios, VoiceZeus,
	}
}

var (
	ErrInvalidVoice = errors.New("invalid deepgram voice")
	ErrMissingKey   = errors.New("deepgram api key not set")
)

type TextToSpeechClient struct {
	apiKey   string
	voice    Voice
	encoding audio.EncodingInfo
	baseURL  string
	dialer   *websocket.Dialer
}

type ClientOption func(*TextToSpeechClient)

func WithVoice(voice Voice) ClientOption {
	return func(c *TextToSpeechClient) { c.voice = voice }
}

func WithEncoding(encoding audio.EncodingInfo) ClientOption {
	return func(c *TextToSpeechClient) {
		if !encoding.IsZero() {
			c.encoding = encoding
		}
	}
}

func WithBaseURL(baseURL string) ClientOption {
	return func(c *TextToSpeechClient) { c.baseURL = baseURL }
}

func NewTextToSpeechClient(apiKey string, opts ...ClientOption) (*TextToSpeechClient, error) {
	client := &TextToSpeechClient{
		apiKey:   apiKey,
		voice:    defaultVoice,
		encoding: audio.GetDefaultEncodingInfo(),
		baseURL:  DefaultBaseURL,
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(client)
	}

	if client.apiKey == "" {
		return nil, ErrMissingKey
	}
	if !slices.Contains(GetAvailableVoices(), client.voice) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVoice, client.voice)
	}
	if err := client.encoding.Validate(); err != nil {
		return nil, err
	}
	return client, nil
}

func (c *TextToSpeechClient) Encoding() audio.EncodingInfo { return c.encoding }

var _ texttospeech.Synthesizer = (*TextToSpeechClient)(nil)

type websocketMessage struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

var (
	flushMsg = websocketMessage{Type: "Flush"}
	clearMsg = websocketMessage{Type: "Clear"}
	closeMsg = websocketMessage{Type: "Close"}
)

func speakMsg(text string) websocketMessage {
	return websocketMessage{Type: "Speak", Text: text}
}

// Synthesize opens a speak stream, sends text followed by a flush and hands
// every audio chunk to onAudio until Deepgram confirms the flush. When ctx
// ends first the stream is cleared and ctx's error returned.
func (c *TextToSpeechClient) Synthesize(ctx context.Context, text string, onAudio func([]byte)) (err error) {
	ctx, span := tracer.Start(ctx, "synthesize speech",
		trace.WithAttributes(
			attribute.String("voice", string(c.voice)),
			attribute.Int("text.length", len(text)),
		))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if strings.TrimSpace(text) == "" {
		return texttospeech.ErrEmptyText
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	stream := &stream{conn: conn}
	defer stream.close()

	stop := context.AfterFunc(ctx, func() {
		_ = stream.write(clearMsg)
		stream.close()
	})
	defer stop()

	if err := stream.write(speakMsg(text)); err != nil {
		return err
	}
	if err := stream.write(flushMsg); err != nil {
		return err
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("failed to read from deepgram: %w", err)
		}

		switch msgType {
		case websocket.BinaryMessage:
			if len(msg) > 0 {
				onAudio(msg)
			}
		case websocket.TextMessage:
			var parsed struct {
				Type        string `json:"type"`
				Description string `json:"description"`
				ErrMsg      string `json:"err_msg"`
			}
			if err := json.Unmarshal(msg, &parsed); err != nil {
				logger.WarnContext(ctx, "failed to parse deepgram message", "error", err)
				continue
			}
			switch parsed.Type {
			case "Flushed":
				_ = stream.write(closeMsg)
				return nil
			case "Warning":
				logger.WarnContext(ctx, "deepgram warning", "description", parsed.Description)
			case "Error":
				return fmt.Errorf("deepgram error: %s", parsed.ErrMsg+parsed.Description)
			}
		}
	}
}

func (c *TextToSpeechClient) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid deepgram url: %w", err)
	}

	urlValues := url.Values{}
	urlValues.Set("encoding", c.encoding.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(c.encoding.SampleRate))
	urlValues.Set("model", string(c.voice))
	urlValues.Set("container", "none")
	endpoint.RawQuery = urlValues.Encode()

	conn, _, err := c.dialer.DialContext(ctx, endpoint.String(), http.Header{"Authorization": {"token " + c.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	return conn, nil
}

type stream struct {
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (s *stream) write(msg websocketMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("websocket connection closed")
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		_ = s.conn.Close()
	}
}
