package logger

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesConsoleAndFile(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "scarf.log")

	log, closer := Init(Options{Debug: true, File: path, Console: &console})
	log.Debug("Search finished", "indexer", "demo", "results", 3)
	require.NoError(t, closer.Close())

	assert.Contains(t, console.String(), "msg=\"Search finished\" indexer=demo results=3")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "indexer=demo")
}

func TestInitInfoLevelDropsDebug(t *testing.T) {
	var console bytes.Buffer
	log, closer := Init(Options{Console: &console})
	defer closer.Close()

	log.Debug("hidden")
	log.Info("shown")
	assert.NotContains(t, console.String(), "hidden")
	assert.Contains(t, console.String(), "shown")
}

func TestBroadcasterWithoutClientsNeverBlocks(t *testing.T) {
	b := NewBroadcaster()
	for range 1000 {
		n, err := b.Write([]byte("line\n"))
		require.NoError(t, err)
		require.Equal(t, 5, n)
	}
}

func TestWebSocketReceivesLogLines(t *testing.T) {
	var console bytes.Buffer
	log, closer := Init(Options{Console: &console})
	defer closer.Close()

	srv := httptest.NewServer(http.HandlerFunc(WebSocketHandler))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		broadcaster.mu.Lock()
		defer broadcaster.mu.Unlock()
		return len(broadcaster.clients) > 0
	}, time.Second, 10*time.Millisecond)

	log.Info("Indexer toggled", "indexer", "demo")

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), "Indexer toggled")
}
