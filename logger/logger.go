package logger

import (
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/gorilla/websocket"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	broadcaster = NewBroadcaster()
	startOnce   sync.Once
)

// Options configures Init.
type Options struct {
	Debug bool
	// File, when set, receives a copy of the log, rotated by size.
	File string
	// Console defaults to os.Stdout.
	Console io.Writer
}

// Init initializes the global structured logger. The returned closer flushes
// and closes the log file, if any.
func Init(opts Options) (*slog.Logger, io.Closer) {
	startOnce.Do(func() { go broadcaster.run() })

	logLevel := slog.LevelInfo
	if opts.Debug {
		logLevel = slog.LevelDebug
	}
	console := opts.Console
	if console == nil {
		console = os.Stdout
	}

	writers := []io.Writer{console, broadcaster}
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    20, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		writers = append(writers, rotating)
		closer = rotating
	}

	// A TextHandler keeps logs human-readable in the console and the log viewer.
	handler := slog.NewTextHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: opts.Debug,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Redirect the standard `log` package to our new structured logger.
	// This captures logs from third-party libraries that still use the old logger.
	log.SetFlags(0)
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelInfo).Writer())
	return logger, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Broadcaster fans log lines out to connected WebSocket clients.
type Broadcaster struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	messages   chan []byte
	mu         sync.Mutex
}

// NewBroadcaster returns a Broadcaster; its run loop must be started before
// clients register.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		messages:   make(chan []byte, 256),
	}
}

func (b *Broadcaster) run() {
	for {
		select {
		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			b.mu.Unlock()
		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				client.Close()
			}
			b.mu.Unlock()
		case message := <-b.messages:
			b.mu.Lock()
			for client := range b.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					// Unregister the client in a separate goroutine to avoid deadlock
					go func(c *websocket.Conn) { b.unregister <- c }(client)
				}
			}
			b.mu.Unlock()
		}
	}
}

// Write queues a copy of p for the clients. Lines are dropped when nobody is
// listening or the queue is full, so logging never blocks on slow viewers.
func (b *Broadcaster) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	listening := len(b.clients) > 0
	b.mu.Unlock()
	if !listening {
		return len(p), nil
	}

	msg := make([]byte, len(p))
	copy(msg, p)
	select {
	case b.messages <- msg:
	default:
	}
	return len(p), nil
}

// WebSocketHandler handles new log viewer connections
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Failed to upgrade WebSocket", "error", err)
		return
	}
	broadcaster.register <- conn
}
