package pipelines

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/koscakluka/ema-live/core/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestMessageLoggerWritesOneFilePerRoomAndFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewMessageLogger(MessageLoggerConfig{Dir: dir, FlushInterval: time.Hour})
	require.NoError(t, err)

	for i, room := range []string{"room/a", "room/a", ""} {
		_, keep, err := logger.Process(context.Background(), messages.NormalizedMessage{
			ID:      string(rune('a' + i)),
			Room:    room,
			Content: messages.TextContent{Text: "hello"},
		})
		require.NoError(t, err)
		require.True(t, keep)
	}

	require.NoError(t, logger.Close(context.Background()))

	roomFiles, err := filepath.Glob(filepath.Join(dir, "room-a_*.jsonl"))
	require.NoError(t, err)
	require.Len(t, roomFiles, 1)
	lines := readLines(t, roomFiles[0])
	require.Len(t, lines, 2)
	assert.Equal(t, "a", lines[0]["id"])
	assert.Equal(t, "text", lines[0]["kind"])

	defaultFiles, err := filepath.Glob(filepath.Join(dir, "default_*.jsonl"))
	require.NoError(t, err)
	assert.Len(t, defaultFiles, 1)

	assert.ErrorIs(t, logger.Log(messages.NormalizedMessage{ID: "late"}), ErrLoggerClosed)
}

type recordingUploader struct {
	mu    sync.Mutex
	paths []string
	seen  chan string
}

func (u *recordingUploader) Upload(_ context.Context, path string) error {
	u.mu.Lock()
	u.paths = append(u.paths, path)
	u.mu.Unlock()
	u.seen <- path
	return nil
}

func TestMessageLoggerRotatesAndUploads(t *testing.T) {
	dir := t.TempDir()
	uploader := &recordingUploader{seen: make(chan string, 4)}
	logger, err := NewMessageLogger(MessageLoggerConfig{
		Dir:            dir,
		FlushInterval:  5 * time.Millisecond,
		RotateInterval: time.Nanosecond,
		Uploader:       uploader,
	})
	require.NoError(t, err)

	require.NoError(t, logger.Log(messages.NormalizedMessage{ID: "1", Room: "r", Content: messages.TextContent{Text: "x"}}))

	select {
	case path := <-uploader.seen:
		lines := readLines(t, path)
		require.Len(t, lines, 1)
		assert.Equal(t, "1", lines[0]["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("rotated file was not uploaded")
	}

	require.NoError(t, logger.Close(context.Background()))
}

func TestMessageLoggerDropsWhenQueueIsFull(t *testing.T) {
	logger := &MessageLogger{records: make(chan record, 1)}

	require.NoError(t, logger.Log(messages.NormalizedMessage{ID: "1"}))
	assert.Error(t, logger.Log(messages.NormalizedMessage{ID: "2"}))
	assert.Equal(t, int64(1), logger.Dropped())
}

type flakyPutter struct {
	failures int
	keys     []string
}

func (p *flakyPutter) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if p.failures > 0 {
		p.failures--
		return nil, errors.New("unavailable")
	}
	p.keys = append(p.keys, *params.Key)
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploaderRetriesAndDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room_20260102_030405.000.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, os.Chtimes(path, at, at))

	putter := &flakyPutter{failures: 2}
	uploader := newS3Uploader(putter, S3Config{Bucket: "logs", Prefix: "ema", DeleteAfter: true, MaxRetries: 2})
	uploader.backoff = func(int) time.Duration { return time.Millisecond }

	require.NoError(t, uploader.Upload(context.Background(), path))

	assert.Equal(t, []string{"ema/2026/01/02/room_20260102_030405.000.jsonl"}, putter.keys)
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestS3UploaderGivesUp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "room.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	uploader := newS3Uploader(&flakyPutter{failures: 5}, S3Config{Bucket: "logs", MaxRetries: 1})
	uploader.backoff = func(int) time.Duration { return time.Millisecond }

	assert.Error(t, uploader.Upload(context.Background(), path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
