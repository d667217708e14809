package pipelines

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koscakluka/ema-live/core/messages"
)

const (
	DefaultLogFlushInterval  = 2 * time.Second
	DefaultLogRotateInterval = time.Hour
	DefaultLogBuffer         = 256

	logFileTimeLayout = "20060102_150405.000"
	defaultRoom       = "default"
)

var ErrLoggerClosed = errors.New("message logger closed")

// Uploader ships a rotated log file somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, path string) error
}

type MessageLoggerConfig struct {
	Dir            string
	FlushInterval  time.Duration
	RotateInterval time.Duration
	// Buffer is the number of records queued before new ones are dropped.
	Buffer   int
	Uploader Uploader
}

type record struct {
	room string
	data []byte
}

type logFile struct {
	path      string
	file      *os.File
	writer    *bufio.Writer
	createdAt time.Time
	written   int64
}

// MessageLogger appends every message it sees to a newline-delimited JSON
// file per room. Writing happens on a background goroutine so the pipeline
// never waits on disk.
type MessageLogger struct {
	config MessageLoggerConfig
	now    func() time.Time

	records chan record
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	dropped   atomic.Int64

	files   map[string]*logFile
	uploads sync.WaitGroup
}

type MessageLoggerOption func(*MessageLogger)

// WithLogClock replaces the clock used for file names and rotation.
func WithLogClock(now func() time.Time) MessageLoggerOption {
	return func(l *MessageLogger) { l.now = now }
}

func NewMessageLogger(config MessageLoggerConfig, opts ...MessageLoggerOption) (*MessageLogger, error) {
	if config.Dir == "" {
		return nil, errors.New("message log directory is required")
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultLogFlushInterval
	}
	if config.Buffer <= 0 {
		config.Buffer = DefaultLogBuffer
	}
	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create message log directory: %w", err)
	}

	l := &MessageLogger{
		config:  config,
		now:     time.Now,
		records: make(chan record, config.Buffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		files:   make(map[string]*logFile),
	}
	for _, opt := range opts {
		opt(l)
	}

	go l.run()
	return l, nil
}

func (l *MessageLogger) Name() string { return "message_logger" }

// Dropped returns the number of records dropped because the queue was full.
func (l *MessageLogger) Dropped() int64 { return l.dropped.Load() }

func (l *MessageLogger) Process(ctx context.Context, message messages.NormalizedMessage) (messages.NormalizedMessage, bool, error) {
	if err := l.Log(message); err != nil {
		return message, true, err
	}
	return message, true, nil
}

// Log queues message for writing. It never blocks.
func (l *MessageLogger) Log(message messages.NormalizedMessage) error {
	if l.closed.Load() {
		return ErrLoggerClosed
	}

	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to serialize message %s: %w", message.ID, err)
	}

	select {
	case l.records <- record{room: message.Room, data: data}:
		return nil
	default:
		l.dropped.Add(1)
		return fmt.Errorf("message log queue full, dropped %s", message.ID)
	}
}

func (l *MessageLogger) run() {
	defer close(l.done)

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec := <-l.records:
			l.write(rec)
		case <-ticker.C:
			l.flushAll()
			l.rotateDue()
		case <-l.closing:
			for {
				select {
				case rec := <-l.records:
					l.write(rec)
				default:
					l.closeAll()
					return
				}
			}
		}
	}
}

func (l *MessageLogger) write(rec record) {
	room := sanitizeRoom(rec.room)
	file, ok := l.files[room]
	if !ok {
		var err error
		file, err = l.open(room)
		if err != nil {
			logger.Error("failed to open message log", "room", room, "error", err)
			return
		}
		l.files[room] = file
	}

	n, err := file.writer.Write(append(rec.data, '\n'))
	file.written += int64(n)
	if err != nil {
		logger.Error("failed to write message log", "path", file.path, "error", err)
	}
}

func (l *MessageLogger) open(room string) (*logFile, error) {
	createdAt := l.now()
	path := filepath.Join(l.config.Dir, fmt.Sprintf("%s_%s.jsonl", room, createdAt.UTC().Format(logFileTimeLayout)))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &logFile{path: path, file: file, writer: bufio.NewWriter(file), createdAt: createdAt}, nil
}

func (l *MessageLogger) flushAll() {
	for _, file := range l.files {
		if err := file.writer.Flush(); err != nil {
			logger.Error("failed to flush message log", "path", file.path, "error", err)
		}
	}
}

func (l *MessageLogger) rotateDue() {
	if l.config.RotateInterval <= 0 {
		return
	}
	now := l.now()
	for room, file := range l.files {
		if file.written == 0 || now.Sub(file.createdAt) < l.config.RotateInterval {
			continue
		}
		l.closeFile(file)
		delete(l.files, room)
	}
}

func (l *MessageLogger) closeAll() {
	for room, file := range l.files {
		l.closeFile(file)
		delete(l.files, room)
	}
}

func (l *MessageLogger) closeFile(file *logFile) {
	if err := file.writer.Flush(); err != nil {
		logger.Error("failed to flush message log", "path", file.path, "error", err)
	}
	if err := file.file.Close(); err != nil {
		logger.Error("failed to close message log", "path", file.path, "error", err)
	}
	if l.config.Uploader == nil || file.written == 0 {
		return
	}

	l.uploads.Add(1)
	go func() {
		defer l.uploads.Done()
		if err := l.config.Uploader.Upload(context.Background(), file.path); err != nil {
			logger.Error("failed to upload message log", "path", file.path, "error", err)
		}
	}()
}

// Close flushes buffered records to disk and waits for pending uploads, or
// until ctx is done.
func (l *MessageLogger) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.closing)
	})

	select {
	case <-l.done:
	case <-ctx.Done():
		return fmt.Errorf("message logger did not flush: %w", ctx.Err())
	}

	uploaded := make(chan struct{})
	go func() {
		l.uploads.Wait()
		close(uploaded)
	}()
	select {
	case <-uploaded:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("message log uploads still running: %w", ctx.Err())
	}
}

func sanitizeRoom(room string) string {
	room = strings.TrimSpace(room)
	if room == "" {
		return defaultRoom
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, room)
}
