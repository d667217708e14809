package subtitle

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-live/core/intents"
	"github.com/koscakluka/ema-live/core/providers"
	"github.com/koscakluka/ema-live/core/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	options := DefaultOptions()
	options.Addr = "127.0.0.1:0"
	server := New(options)

	tasks := providers.NewSupervisor(context.Background(), Name)
	_, err := server.Setup(context.Background(), providers.Dependencies{Tasks: tasks})
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, server.Cleanup(context.Background()))
		assert.Empty(t, tasks.Stop(time.Second))
	})
	return server
}

func connect(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+server.Addr()+"/subtitles", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRenderBroadcastsToEveryOverlay(t *testing.T) {
	server := startServer(t)
	first, second := connect(t, server), connect(t, server)
	require.Eventually(t, func() bool { return server.Clients() == 2 }, time.Second, 5*time.Millisecond)

	err := server.Render(context.Background(), render.Parameters{
		SubtitleText: "hello chat",
		Expression:   "smile",
		Emotion:      intents.EmotionHappy,
		MessageID:    "m1",
		Room:         "r1",
	})
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var frame Frame
		require.NoError(t, json.Unmarshal(data, &frame))
		assert.Equal(t, Frame{
			Type:       "subtitle",
			MessageID:  "m1",
			Room:       "r1",
			Text:       "hello chat",
			Emotion:    "happy",
			Expression: "smile",
		}, frame)
	}
}

func TestRenderWithoutSubtitleSendsNothing(t *testing.T) {
	server := startServer(t)
	conn := connect(t, server)
	require.Eventually(t, func() bool { return server.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, server.Render(context.Background(), render.Parameters{Hotkey: "clap"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestDisconnectedOverlaysAreForgotten(t *testing.T) {
	server := startServer(t)
	conn := connect(t, server)
	require.Eventually(t, func() bool { return server.Clients() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return server.Clients() == 0 }, time.Second, 5*time.Millisecond)
	assert.NoError(t, server.Render(context.Background(), render.Parameters{SubtitleText: "anyone?"}))
}
