// Package deepgram transcribes streamed audio with the Deepgram live listen
// API.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-live/core/audio"
	"github.com/koscakluka/ema-live/core/speechtotext"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultBaseURL  = "wss://api.deepgram.com/v1/listen"
	DefaultModel    = "nova-3"
	DefaultLanguage = "en-US"

	keepAliveInterval = 5 * time.Second
	closeGrace        = 2 * time.Second
)

var ErrMissingKey = errors.New("deepgram api key not set")

type TranscriptionClient struct {
	apiKey   string
	model    string
	language string
	interim  bool
	encoding audio.EncodingInfo
	baseURL  string
	dialer   *websocket.Dialer
}

type ClientOption func(*TranscriptionClient)

func WithModel(model string) ClientOption {
	return func(c *TranscriptionClient) {
		if model != "" {
			c.model = model
		}
	}
}

func WithLanguage(language string) ClientOption {
	return func(c *TranscriptionClient) {
		if language != "" {
			c.language = language
		}
	}
}

// WithInterimResults reports the utterance in progress as non-final
// transcripts.
func WithInterimResults(interim bool) ClientOption {
	return func(c *TranscriptionClient) { c.interim = interim }
}

func WithEncoding(encoding audio.EncodingInfo) ClientOption {
	return func(c *TranscriptionClient) {
		if !encoding.IsZero() {
			c.encoding = encoding
		}
	}
}

func WithBaseURL(baseURL string) ClientOption {
	return func(c *TranscriptionClient) { c.baseURL = baseURL }
}

func NewTranscriptionClient(apiKey string, opts ...ClientOption) (*TranscriptionClient, error) {
	client := &TranscriptionClient{
		apiKey:   apiKey,
		model:    DefaultModel,
		language: DefaultLanguage,
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
	if err := validateEncoding(client.encoding); err != nil {
		return nil, fmt.Errorf("invalid encoding: %w", err)
	}
	return client, nil
}

func (c *TranscriptionClient) Encoding() audio.EncodingInfo { return c.encoding }

var _ speechtotext.Transcriber = (*TranscriptionClient)(nil)

type controlMessage struct {
	Type string `json:"type"`
}

var (
	keepAliveMsg   = controlMessage{Type: "KeepAlive"}
	closeStreamMsg = controlMessage{Type: "CloseStream"}
)

type resultsMessage struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	ErrMsg      string `json:"err_msg"`
}

func (m resultsMessage) transcript() string {
	if len(m.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(m.Channel.Alternatives[0].Transcript)
}

// Transcribe streams chunks to Deepgram and reports a final transcript per
// utterance. Final segments are accumulated until Deepgram marks the end of
// speech, either with speech_final or an UtteranceEnd message. It returns nil
// once ctx ends or chunks is closed and the stream is shut down.
func (c *TranscriptionClient) Transcribe(ctx context.Context, chunks <-chan []byte, onTranscript func(speechtotext.Transcript)) (err error) {
	ctx, span := tracer.Start(ctx, "transcribe speech",
		trace.WithAttributes(
			attribute.String("model", c.model),
			attribute.String("language", c.language),
		))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	stream := &stream{conn: conn}
	defer stream.close()

	done := make(chan struct{})
	defer close(done)
	closing := make(chan struct{})
	go func() {
		defer close(closing)
		c.writeAudio(ctx, stream, chunks, done)
	}()

	var (
		utterance []string
		pending   bool
	)
	flush := func() {
		pending = false
		text := strings.Join(utterance, " ")
		utterance = utterance[:0]
		if text != "" {
			onTranscript(speechtotext.Transcript{Text: text, Final: true})
		}
	}

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			flush()
			select {
			case <-closing:
				return nil
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("failed to read from deepgram: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}

		var parsed resultsMessage
		if err := json.Unmarshal(msg, &parsed); err != nil {
			logger.WarnContext(ctx, "failed to parse deepgram message", "error", err)
			continue
		}

		switch parsed.Type {
		case "Results":
			text := parsed.transcript()
			if parsed.IsFinal {
				if text != "" {
					utterance = append(utterance, text)
					pending = true
				}
				if parsed.SpeechFinal {
					flush()
				}
			} else if c.interim && text != "" {
				onTranscript(speechtotext.Transcript{Text: strings.Join(append(utterance, text), " ")})
			}
		case "UtteranceEnd":
			if pending {
				flush()
			}
		case "Error":
			return fmt.Errorf("deepgram error: %s", parsed.ErrMsg+parsed.Description)
		}
	}
}

// writeAudio forwards chunks and keeps the connection alive while there is
// no audio, until done is closed. When the input ends it asks Deepgram to
// finish the stream and closes the connection if Deepgram does not within
// closeGrace.
func (c *TranscriptionClient) writeAudio(ctx context.Context, stream *stream, chunks <-chan []byte, done <-chan struct{}) {
	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	lastWrite := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			stream.finish()
			return
		case chunk, ok := <-chunks:
			if !ok {
				stream.finish()
				return
			}
			if err := stream.writeAudio(chunk); err != nil {
				logger.WarnContext(ctx, "failed to send audio to deepgram", "error", err)
				stream.close()
				return
			}
			lastWrite = time.Now()
		case <-keepAlive.C:
			if time.Since(lastWrite) < keepAliveInterval {
				continue
			}
			if err := stream.writeJSON(keepAliveMsg); err != nil {
				logger.WarnContext(ctx, "failed to send keep alive to deepgram", "error", err)
			}
		}
	}
}

func (c *TranscriptionClient) connect(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid deepgram url: %w", err)
	}

	urlValues := url.Values{}
	urlValues.Set("encoding", c.encoding.Format.Name())
	urlValues.Set("sample_rate", strconv.Itoa(c.encoding.SampleRate))
	urlValues.Set("channels", "1")
	urlValues.Set("model", c.model)
	urlValues.Set("language", c.language)
	urlValues.Set("smart_format", "true")
	urlValues.Set("interim_results", "true")
	urlValues.Set("utterance_end_ms", "1000")
	urlValues.Set("endpointing", "300")
	urlValues.Set("vad_events", "true")
	endpoint.RawQuery = urlValues.Encode()

	conn, _, err := c.dialer.DialContext(ctx, endpoint.String(), http.Header{"Authorization": {"Token " + c.apiKey}})
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

func (s *stream) writeAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("websocket connection closed")
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *stream) writeJSON(msg controlMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("websocket connection closed")
	}
	return s.conn.WriteJSON(msg)
}

// finish requests a graceful close and forces it after closeGrace.
func (s *stream) finish() {
	if err := s.writeJSON(closeStreamMsg); err != nil {
		s.close()
		return
	}
	time.AfterFunc(closeGrace, s.close)
}

func (s *stream) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		_ = s.conn.Close()
	}
}
