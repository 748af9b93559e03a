package transcription

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sidecue/sidecue-core/internal/config"
	"github.com/sidecue/sidecue-core/internal/pcm"
	"github.com/sidecue/sidecue-core/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testCfg(endpoint string) config.TranscriptionConfig {
	return config.TranscriptionConfig{
		Enabled:           true,
		Endpoint:          endpoint,
		ModelID:           "scribe_v1",
		VADSilenceSecs:    0.8,
		IncludeTimestamps: true,
		KeepaliveMS:       5000,
	}
}

// sttServer is a scripted transcription endpoint.
type sttServer struct {
	srv     *httptest.Server
	queries chan url.Values
	inbound chan protocol.AudioChunkMessage
	conns   chan *websocket.Conn
}

func newSTTServer(t *testing.T) *sttServer {
	t.Helper()
	s := &sttServer{
		queries: make(chan url.Values, 4),
		inbound: make(chan protocol.AudioChunkMessage, 64),
		conns:   make(chan *websocket.Conn, 4),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		s.queries <- r.URL.Query()
		s.conns <- ws
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var chunk protocol.AudioChunkMessage
			if err := json.Unmarshal(data, &chunk); err == nil {
				s.inbound <- chunk
			}
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *sttServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *sttServer) send(t *testing.T, msg protocol.InboundMessage) {
	t.Helper()
	select {
	case ws := <-s.conns:
		data, _ := json.Marshal(msg)
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatalf("server write failed: %v", err)
		}
		s.conns <- ws
	case <-time.After(2 * time.Second):
		t.Fatal("no server-side connection to write to")
	}
}

func TestConnectSendsHandshakeParams(t *testing.T) {
	server := newSTTServer(t)
	conn := NewConn(testCfg(server.URL()), protocol.SourceLocal, Callbacks{}, testLogger())

	if err := conn.Connect(context.Background(), "tok-123"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Disconnect()

	q := <-server.queries
	checks := map[string]string{
		"model_id":                   "scribe_v1",
		"token":                      "tok-123",
		"commit_strategy":            "vad",
		"audio_format":               "pcm_16000",
		"vad_silence_threshold_secs": "0.8",
		"include_timestamps":         "true",
	}
	for key, want := range checks {
		if got := q.Get(key); got != want {
			t.Fatalf("handshake param %s: expected %q, got %q", key, want, got)
		}
	}
	if conn.State() != StateOpen {
		t.Fatalf("expected open state, got %s", conn.State())
	}
}

func TestConnectWhileOpenFails(t *testing.T) {
	server := newSTTServer(t)
	conn := NewConn(testCfg(server.URL()), protocol.SourceLocal, Callbacks{}, testLogger())

	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Disconnect()

	if err := conn.Connect(context.Background(), "tok"); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
}

func TestInboundEventDemux(t *testing.T) {
	server := newSTTServer(t)

	var mu sync.Mutex
	var partials []string
	committed := make(chan string, 1)
	var committedWords []protocol.Word

	cb := Callbacks{
		OnPartial: func(text string, source protocol.Source) {
			mu.Lock()
			partials = append(partials, text)
			mu.Unlock()
		},
		OnCommitted: func(text string, words []protocol.Word, source protocol.Source) {
			mu.Lock()
			committedWords = words
			mu.Unlock()
			committed <- text
		},
	}
	conn := NewConn(testCfg(server.URL()), protocol.SourceLocal, cb, testLogger())
	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	defer conn.Disconnect()

	server.send(t, protocol.InboundMessage{Type: protocol.MsgSessionStarted, SessionID: "s-1"})
	server.send(t, protocol.InboundMessage{Type: protocol.MsgPartialTranscript, Text: "hel"})
	server.send(t, protocol.InboundMessage{Type: protocol.MsgPartialTranscript, Text: "hello th"})
	server.send(t, protocol.InboundMessage{
		Type:  protocol.MsgCommittedWithTimings,
		Text:  "hello there",
		Words: []protocol.Word{{Word: "hello", Start: 0, End: 0.4}, {Word: "there", Start: 0.5, End: 0.9}},
	})

	select {
	case text := <-committed:
		if text != "hello there" {
			t.Fatalf("unexpected committed text %q", text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("committed transcript never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(partials) != 2 || partials[1] != "hello th" {
		t.Fatalf("unexpected partials %v", partials)
	}
	if len(committedWords) != 2 || committedWords[0].Word != "hello" {
		t.Fatalf("unexpected word timings %v", committedWords)
	}
}

func TestSendFrameOutsideOpenStateIsSafe(t *testing.T) {
	server := newSTTServer(t)
	conn := NewConn(testCfg(server.URL()), protocol.SourceLocal, Callbacks{}, testLogger())

	// before connect
	conn.SendFrame(pcm.Silence(pcm.FrameSamples))
	if conn.State() != StateIdle {
		t.Fatalf("expected idle, got %s", conn.State())
	}

	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	conn.Disconnect()

	// after disconnect
	conn.SendFrame(pcm.Silence(pcm.FrameSamples))
	if conn.State() != StateClosed {
		t.Fatalf("expected closed, got %s", conn.State())
	}
}

func TestKeepaliveFiresWhenIdleAndStopsOnDisconnect(t *testing.T) {
	server := newSTTServer(t)
	cfg := testCfg(server.URL())
	cfg.KeepaliveMS = 40
	conn := NewConn(cfg, protocol.SourceLocal, Callbacks{}, testLogger())

	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	select {
	case chunk := <-server.inbound:
		if chunk.Type != "input_audio_chunk" {
			t.Fatalf("unexpected keepalive type %q", chunk.Type)
		}
		if chunk.SampleRate != pcm.SampleRate || chunk.Commit {
			t.Fatalf("unexpected keepalive shape: %+v", chunk)
		}
		data, err := base64.StdEncoding.DecodeString(chunk.AudioBase64)
		if err != nil {
			t.Fatalf("keepalive payload not base64: %v", err)
		}
		for _, s := range pcm.DecodeLE(data) {
			if s != 0 {
				t.Fatal("keepalive frame is not silence")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive never fired on idle connection")
	}

	conn.Disconnect()
	// drain anything in flight, then confirm the timer is gone
	deadline := time.After(200 * time.Millisecond)
	for {
		select {
		case <-server.inbound:
		case <-deadline:
			select {
			case <-server.inbound:
				t.Fatal("keepalive fired after disconnect")
			default:
			}
			return
		}
	}
}

func TestCommittedTranscriptKeepsSourceAttribution(t *testing.T) {
	localServer := newSTTServer(t)
	remoteServer := newSTTServer(t)

	type tagged struct {
		text   string
		source protocol.Source
	}
	events := make(chan tagged, 4)
	cb := Callbacks{
		OnCommitted: func(text string, _ []protocol.Word, source protocol.Source) {
			events <- tagged{text: text, source: source}
		},
	}

	local := NewConn(testCfg(localServer.URL()), protocol.SourceLocal, cb, testLogger())
	remote := NewConn(testCfg(remoteServer.URL()), protocol.SourceRemote, cb, testLogger())

	if err := local.Connect(context.Background(), "tok-l"); err != nil {
		t.Fatalf("local connect failed: %v", err)
	}
	defer local.Disconnect()
	if err := remote.Connect(context.Background(), "tok-r"); err != nil {
		t.Fatalf("remote connect failed: %v", err)
	}
	defer remote.Disconnect()

	localServer.send(t, protocol.InboundMessage{Type: protocol.MsgCommittedTranscript, Text: "from the mic"})

	select {
	case evt := <-events:
		if evt.source != protocol.SourceLocal {
			t.Fatalf("committed transcript attributed to %q, expected local", evt.source)
		}
		if evt.text != "from the mic" {
			t.Fatalf("unexpected text %q", evt.text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("committed transcript never arrived")
	}

	select {
	case evt := <-events:
		t.Fatalf("unexpected second event: %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectDuringHandshakeWins(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	closed := make(chan struct{}, 1)
	cb := Callbacks{
		OnClose: func(_ protocol.Source) { closed <- struct{}{} },
	}
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn := NewConn(testCfg(endpoint), protocol.SourceLocal, cb, testLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- conn.Connect(context.Background(), "tok") }()

	deadline := time.Now().Add(2 * time.Second)
	for conn.State() != StateConnecting {
		if time.Now().After(deadline) {
			t.Fatal("connection never entered the connecting state")
		}
		time.Sleep(2 * time.Millisecond)
	}

	conn.Disconnect()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}
	close(release)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("connect must not succeed after a disconnect during the handshake")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connect never returned")
	}
	if conn.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", conn.State())
	}

	// no read or keepalive loop may have started
	conn.SendFrame(pcm.Silence(pcm.FrameSamples))
	if conn.State() != StateClosed {
		t.Fatalf("state drifted to %s after the rejected handshake", conn.State())
	}
}

func TestTransportErrorSurfacesAndCloses(t *testing.T) {
	server := newSTTServer(t)

	errs := make(chan error, 1)
	closed := make(chan struct{}, 1)
	cb := Callbacks{
		OnError: func(err error, _ protocol.Source) { errs <- err },
		OnClose: func(_ protocol.Source) { closed <- struct{}{} },
	}
	conn := NewConn(testCfg(server.URL()), protocol.SourceLocal, cb, testLogger())
	if err := conn.Connect(context.Background(), "tok"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	ws := <-server.conns
	ws.Close()

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("transport error never surfaced")
	}
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close callback never fired")
	}
	if conn.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", conn.State())
	}

	// frames after the drop are dropped, never panic
	conn.SendFrame(pcm.Silence(pcm.FrameSamples))
}
