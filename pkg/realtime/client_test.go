package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeProvider is a websocket server standing in for the Realtime API.
// It records every event the client sends and can push events back.
type fakeProvider struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any

	connected chan struct{}
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	p := &fakeProvider{connected: make(chan struct{})}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := p.upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		close(p.connected)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			p.mu.Lock()
			p.received = append(p.received, msg)
			p.mu.Unlock()
		}
	}))
	t.Cleanup(p.srv.Close)

	return p
}

func (p *fakeProvider) wsURL() string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http")
}

func (p *fakeProvider) send(t *testing.T, v any) {
	t.Helper()
	select {
	case <-p.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.WriteJSON(v); err != nil {
		t.Fatalf("send failed: %v", err)
	}
}

func (p *fakeProvider) closeConn(t *testing.T) {
	t.Helper()
	select {
	case <-p.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("client never connected")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conn.Close()
}

// waitMessages polls until the client has sent n events.
func (p *fakeProvider) waitMessages(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p.mu.Lock()
		count := len(p.received)
		p.mu.Unlock()
		if count >= n {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.received) < n {
		t.Fatalf("expected at least %d messages, got %d", n, len(p.received))
	}
	out := make([]map[string]any, len(p.received))
	copy(out, p.received)
	return out
}

func (p *fakeProvider) messageCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.received)
}

func connectedClient(t *testing.T, p *fakeProvider, instructions string) *Client {
	t.Helper()
	client, err := NewClient(Config{APIKey: "test-key", URL: p.wsURL()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	if err := client.Connect(context.Background(), instructions); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func sessionUpdatedEvent() map[string]any {
	return map[string]any{"type": "session.updated"}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{}); err != ErrMissingAPIKey {
		t.Errorf("NewClient() error = %v, want ErrMissingAPIKey", err)
	}
}

func TestConnectSendsConfiguration(t *testing.T) {
	p := newFakeProvider(t)
	connectedClient(t, p, "You are a helpful receptionist.")

	msgs := p.waitMessages(t, 1)

	if msgs[0]["type"] != "session.update" {
		t.Fatalf("first message type = %v, want session.update", msgs[0]["type"])
	}
	session, ok := msgs[0]["session"].(map[string]any)
	if !ok {
		t.Fatal("session.update missing session object")
	}
	if session["instructions"] != "You are a helpful receptionist." {
		t.Errorf("instructions = %v", session["instructions"])
	}
	if session["input_audio_format"] != "g711_ulaw" || session["output_audio_format"] != "g711_ulaw" {
		t.Errorf("audio formats = %v / %v, want g711_ulaw both ways",
			session["input_audio_format"], session["output_audio_format"])
	}
	td, ok := session["turn_detection"].(map[string]any)
	if !ok || td["type"] != "server_vad" {
		t.Errorf("turn_detection = %v, want server_vad", session["turn_detection"])
	}
	if session["voice"] != "alloy" {
		t.Errorf("voice = %v, want default alloy", session["voice"])
	}
	if session["temperature"] != 0.7 {
		t.Errorf("temperature = %v, want default 0.7", session["temperature"])
	}
}

func TestOnConfiguredFiresOnAck(t *testing.T) {
	p := newFakeProvider(t)
	configured := make(chan struct{}, 2)

	client, err := NewClient(Config{APIKey: "test-key", URL: p.wsURL()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.OnConfigured = func() { configured <- struct{}{} }
	if err := client.Connect(context.Background(), "instructions"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if client.IsConfigured() {
		t.Error("client should not be configured before the ack")
	}

	p.send(t, sessionUpdatedEvent())

	select {
	case <-configured:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConfigured never fired")
	}
	if !client.IsConfigured() {
		t.Error("client should be configured after the ack")
	}
}

func TestAppendAudioDroppedUntilConfigured(t *testing.T) {
	p := newFakeProvider(t)
	configured := make(chan struct{}, 2)

	client, err := NewClient(Config{APIKey: "test-key", URL: p.wsURL()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.OnConfigured = func() { configured <- struct{}{} }
	if err := client.Connect(context.Background(), "instructions"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	// Ten chunks before the ack must all be dropped
	for i := 0; i < 10; i++ {
		if err := client.AppendAudio("early"); err != nil {
			t.Fatalf("AppendAudio() error = %v", err)
		}
	}

	p.send(t, sessionUpdatedEvent())
	select {
	case <-configured:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConfigured never fired")
	}

	if err := client.AppendAudio("after-ack"); err != nil {
		t.Fatalf("AppendAudio() error = %v", err)
	}

	// session.update + exactly one append
	msgs := p.waitMessages(t, 2)
	appends := 0
	for _, m := range msgs {
		if m["type"] == "input_audio_buffer.append" {
			appends++
			if m["audio"] != "after-ack" {
				t.Errorf("forwarded audio = %v, want after-ack", m["audio"])
			}
		}
	}
	if appends != 1 {
		t.Errorf("append count = %d, want 1", appends)
	}
}

func TestSpeakOpeningLatched(t *testing.T) {
	p := newFakeProvider(t)
	client := connectedClient(t, p, "instructions")

	if err := client.SpeakOpening("Hello, thanks for calling Acme!"); err != nil {
		t.Fatalf("SpeakOpening() error = %v", err)
	}
	// Duplicate configuration acks re-invoke this in the session; must be a no-op
	if err := client.SpeakOpening("Hello, thanks for calling Acme!"); err != nil {
		t.Fatalf("second SpeakOpening() error = %v", err)
	}

	// session.update + conversation.item.create + response.create
	msgs := p.waitMessages(t, 3)
	time.Sleep(50 * time.Millisecond)
	if n := p.messageCount(); n != 3 {
		t.Fatalf("message count = %d, want 3", n)
	}

	if msgs[1]["type"] != "conversation.item.create" {
		t.Fatalf("second message type = %v", msgs[1]["type"])
	}
	item := msgs[1]["item"].(map[string]any)
	if item["role"] != "user" || item["type"] != "message" {
		t.Errorf("item = %v", item)
	}
	content := item["content"].([]any)[0].(map[string]any)
	if content["type"] != "input_text" {
		t.Errorf("content type = %v", content["type"])
	}
	text, _ := content["text"].(string)
	if !strings.HasSuffix(text, "Hello, thanks for calling Acme!") {
		t.Errorf("opening text = %q, want exact script at the end", text)
	}
	if !strings.HasPrefix(text, "Start the call with this exact opening script") {
		t.Errorf("opening text = %q, missing instruction prefix", text)
	}

	if msgs[2]["type"] != "response.create" {
		t.Errorf("third message type = %v, want response.create", msgs[2]["type"])
	}
}

func TestOnAudioOut(t *testing.T) {
	p := newFakeProvider(t)
	audio := make(chan string, 1)

	client, err := NewClient(Config{APIKey: "test-key", URL: p.wsURL()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.OnAudioOut = func(payload string) { audio <- payload }
	if err := client.Connect(context.Background(), "instructions"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	p.send(t, map[string]any{"type": "response.audio.delta", "delta": "XYZ"})

	select {
	case got := <-audio:
		if got != "XYZ" {
			t.Errorf("audio payload = %q, want XYZ", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnAudioOut never fired")
	}
}

func TestProviderErrorIsNonFatal(t *testing.T) {
	p := newFakeProvider(t)
	errs := make(chan error, 1)
	audio := make(chan string, 1)

	client, err := NewClient(Config{APIKey: "test-key", URL: p.wsURL()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.OnError = func(err error) { errs <- err }
	client.OnAudioOut = func(payload string) { audio <- payload }
	if err := client.Connect(context.Background(), "instructions"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	p.send(t, map[string]any{
		"type":  "error",
		"error": map[string]any{"type": "invalid_request_error", "message": "bad item"},
	})

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "bad item") {
			t.Errorf("error = %v, want provider message", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never fired")
	}

	// The socket stays up: audio after the error still flows
	p.send(t, map[string]any{"type": "response.audio.delta", "delta": "still-alive"})
	select {
	case got := <-audio:
		if got != "still-alive" {
			t.Errorf("audio payload = %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio stopped flowing after a provider error event")
	}
}

func TestUnrecognizedEventsIgnored(t *testing.T) {
	p := newFakeProvider(t)
	errs := make(chan error, 1)
	audio := make(chan string, 1)

	client, err := NewClient(Config{APIKey: "test-key", URL: p.wsURL()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.OnError = func(err error) { errs <- err }
	client.OnAudioOut = func(payload string) { audio <- payload }
	if err := client.Connect(context.Background(), "instructions"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	p.send(t, map[string]any{"type": "response.output_item.added"})
	p.send(t, map[string]any{"type": "rate_limits.updated"})
	p.send(t, map[string]any{"type": "response.audio.delta", "delta": "ok"})

	select {
	case <-audio:
	case <-time.After(2 * time.Second):
		t.Fatal("delta after unknown events never arrived")
	}

	select {
	case err := <-errs:
		t.Fatalf("unexpected error for unknown event: %v", err)
	default:
	}
}

func TestOnCloseFiresWhenProviderCloses(t *testing.T) {
	p := newFakeProvider(t)
	closed := make(chan struct{})

	client, err := NewClient(Config{APIKey: "test-key", URL: p.wsURL()})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	client.OnClose = func() { close(closed) }
	if err := client.Connect(context.Background(), "instructions"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	p.closeConn(t)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose never fired")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := newFakeProvider(t)
	client := connectedClient(t, p, "instructions")

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// Audio after close is dropped, not an error
	if err := client.AppendAudio("late"); err != nil {
		t.Errorf("AppendAudio() after close error = %v", err)
	}
}

func TestConnectTwice(t *testing.T) {
	p := newFakeProvider(t)
	client := connectedClient(t, p, "instructions")

	if err := client.Connect(context.Background(), "instructions"); err != ErrAlreadyConnected {
		t.Errorf("second Connect() error = %v, want ErrAlreadyConnected", err)
	}
}
