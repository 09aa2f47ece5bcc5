// Package realtime provides a client for OpenAI's Realtime API for
// low-latency speech-to-speech phone conversations.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voicelane/voicebridge/internal/log"
)

// DefaultURL is the Realtime API websocket endpoint.
const DefaultURL = "wss://api.openai.com/v1/realtime"

// Errors returned by the client.
var (
	ErrMissingAPIKey    = errors.New("realtime: missing API key")
	ErrAlreadyConnected = errors.New("realtime: already connected")
)

// The opening script is delivered as a synthetic user turn so the model
// speaks first. The exact script text is appended to this prefix.
const openingPromptPrefix = "Start the call with this exact opening script, then continue naturally: "

// Config holds the connection settings for a model session.
type Config struct {
	APIKey      string
	Model       string  // model identifier, e.g. "gpt-realtime"
	Voice       string  // synthetic voice name
	Temperature float64 // sampling temperature for responses
	URL         string  // endpoint override, defaults to DefaultURL
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.Model == "" {
		cfg.Model = "gpt-realtime"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.7
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	return cfg
}

// Client manages the outbound websocket to the Realtime API for one call.
// Set callbacks before calling Connect; they are invoked from the read
// loop goroutine.
type Client struct {
	cfg Config

	ws   *websocket.Conn
	wsMu sync.Mutex

	mu          sync.Mutex
	connected   bool
	configured  bool
	openingSent bool
	closed      bool

	closeOnce sync.Once

	// Callbacks. OnConfigured fires when the provider acknowledges the
	// session configuration; OnAudioOut receives base64 audio chunks.
	OnConfigured func()
	OnAudioOut   func(payload string)
	OnError      func(err error)
	OnClose      func()
}

// NewClient creates a client for one model session.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	return &Client{cfg: cfg.withDefaults()}, nil
}

// Connect dials the Realtime API and immediately sends the session
// configuration carrying the agent's instructions. Audio input and output
// both use the telephony leg's native g711 u-law codec so no transcoding
// happens anywhere on the path.
func (c *Client) Connect(ctx context.Context, instructions string) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	url := fmt.Sprintf("%s?model=%s", c.cfg.URL, c.cfg.Model)

	header := make(map[string][]string)
	header["Authorization"] = []string{"Bearer " + c.cfg.APIKey}
	header["OpenAI-Beta"] = []string{"realtime=v1"}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	ws, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return fmt.Errorf("realtime: failed to connect: %w", err)
	}

	c.mu.Lock()
	c.ws = ws
	c.connected = true
	c.mu.Unlock()

	// Keep the connection alive across provider-side pings
	ws.SetPingHandler(func(appData string) error {
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	// Configuration must reach the provider before any audio frame
	if err := c.sendJSON(newSessionUpdate(c.cfg, instructions)); err != nil {
		c.Close()
		return fmt.Errorf("realtime: failed to configure session: %w", err)
	}

	go c.handleMessages()

	return nil
}

// SpeakOpening queues one synthetic user turn instructing the model to
// open the call with the exact script, then requests a response. Latched:
// calling it again is a no-op, even if the provider acknowledges the
// configuration more than once.
func (c *Client) SpeakOpening(script string) error {
	c.mu.Lock()
	if c.openingSent || c.closed {
		c.mu.Unlock()
		return nil
	}
	c.openingSent = true
	c.mu.Unlock()

	if err := c.sendJSON(newOpeningItem(script)); err != nil {
		return err
	}
	return c.sendJSON(responseCreateEvent{Type: eventResponseCreate})
}

// AppendAudio forwards one base64 audio chunk to the model's input
// buffer. Chunks arriving before the configuration is acknowledged, or
// after close, are dropped rather than queued.
func (c *Client) AppendAudio(payload string) error {
	c.mu.Lock()
	ready := c.configured && !c.closed
	c.mu.Unlock()

	if !ready {
		return nil
	}

	return c.sendJSON(audioAppendEvent{Type: eventAudioAppend, Audio: payload})
}

// IsConfigured reports whether the provider has acknowledged the session
// configuration.
func (c *Client) IsConfigured() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configured
}

// Close shuts the connection down. Safe to call from either side of the
// bridge and safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	alreadyClosed := c.closed
	c.closed = true
	c.connected = false
	ws := c.ws
	c.mu.Unlock()

	if alreadyClosed || ws == nil {
		return nil
	}
	return ws.Close()
}

// handleMessages processes incoming events until the socket closes.
func (c *Client) handleMessages() {
	defer c.fireClose()

	for {
		c.mu.Lock()
		closed := c.closed
		ws := c.ws
		c.mu.Unlock()

		if closed {
			return
		}

		_, message, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed && c.OnError != nil {
				c.OnError(err)
			}
			return
		}

		ev, err := parseServerEvent(message)
		if err != nil {
			log.Debug("realtime: ignoring non-JSON frame", "error", err)
			continue
		}

		switch ev.Type {
		case eventSessionUpdated:
			c.mu.Lock()
			c.configured = true
			c.mu.Unlock()
			if c.OnConfigured != nil {
				c.OnConfigured()
			}

		case eventAudioDelta:
			if ev.Delta != "" && c.OnAudioOut != nil {
				c.OnAudioOut(ev.Delta)
			}

		case eventError:
			// Provider error events are non-fatal; the session ends only
			// if the socket itself closes
			if c.OnError != nil {
				c.OnError(fmt.Errorf("realtime: provider error: %s", ev.Error.String()))
			}

		default:
			// Unrecognized event types are expected as the provider
			// protocol grows
			log.Debug("realtime: ignoring event", "type", ev.Type)
		}
	}
}

func (c *Client) fireClose() {
	c.closeOnce.Do(func() {
		if c.OnClose != nil {
			c.OnClose()
		}
	})
}

// sendJSON sends one event over the websocket.
func (c *Client) sendJSON(v any) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return fmt.Errorf("realtime: not connected")
	}
	return ws.WriteJSON(v)
}
