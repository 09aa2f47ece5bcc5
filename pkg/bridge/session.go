// Package bridge connects one Twilio media stream to one Realtime model
// session, relaying audio both ways and enforcing fate-shared teardown:
// whichever leg drops first takes the other down with it.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/voicelane/voicebridge/internal/log"
	"github.com/voicelane/voicebridge/pkg/agents"
	"github.com/voicelane/voicebridge/pkg/twilio"
)

// State is the call session lifecycle state.
type State int32

const (
	StateAwaitingStart State = iota
	StateResolvingAgent
	StateConnectingModel
	StateConfiguring
	StateStreaming
	StateClosed
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "awaiting_start"
	case StateResolvingAgent:
		return "resolving_agent"
	case StateConnectingModel:
		return "connecting_model"
	case StateConfiguring:
		return "configuring"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// TelephonyConn is the subset of the websocket connection the session
// drives. Satisfied by *websocket.Conn from the Fiber upgrade handler.
type TelephonyConn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ModelLeg is the session's handle on the model side of the bridge.
// Satisfied by *realtime.Client.
type ModelLeg interface {
	SpeakOpening(script string) error
	AppendAudio(payload string) error
	Close() error
}

// ModelHooks are the inbound event taps a session wires into the model
// leg before it is dialed.
type ModelHooks struct {
	OnConfigured func()
	OnAudioOut   func(payload string)
	OnError      func(err error)
	OnClose      func()
}

// ModelDialer opens the model leg for a resolved agent with the given
// hooks installed. It is only invoked after the agent resolves to an
// active configuration.
type ModelDialer func(ctx context.Context, agent *agents.Agent, hooks ModelHooks) (ModelLeg, error)

// Session bridges one telephony connection to one model connection.
// One session runs per accepted call; sessions share nothing but the
// directory client.
type Session struct {
	id              string
	fallbackAgentID string
	conn            TelephonyConn
	writeMu         sync.Mutex
	directory       agents.Directory
	dialModel       ModelDialer
	logger          *slog.Logger

	mu          sync.Mutex
	state       State
	streamSid   string
	agent       *agents.Agent
	model       ModelLeg
	openingSent bool

	teardownOnce sync.Once
}

// NewSession creates a session for an accepted telephony connection.
// fallbackAgentID is the agentId query parameter captured at upgrade
// time; the start event's custom parameters take precedence over it.
func NewSession(conn TelephonyConn, directory agents.Directory, dial ModelDialer, fallbackAgentID string) *Session {
	id := uuid.NewString()
	return &Session{
		id:              id,
		fallbackAgentID: fallbackAgentID,
		conn:            conn,
		directory:       directory,
		dialModel:       dial,
		logger:          log.With("session_id", id),
		state:           StateAwaitingStart,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StreamSid returns the telephony stream identifier, empty until the
// start event arrives.
func (s *Session) StreamSid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

// Run consumes the telephony leg until either side closes. It blocks
// for the lifetime of the call; the caller owns the goroutine.
func (s *Session) Run(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Peer close or transport error: fate-shared teardown
			s.teardown(StateClosed, 0, "")
			return
		}
		s.handleEvent(ctx, data)
	}
}

// handleEvent dispatches one inbound telephony frame. Malformed frames
// and unrecognized events are logged and ignored; the call survives.
func (s *Session) handleEvent(ctx context.Context, data []byte) {
	ev, err := twilio.ParseEvent(data)
	if err != nil {
		s.logger.Warn("ignoring malformed telephony frame", "error", err)
		return
	}

	switch ev.Event {
	case twilio.EventStart:
		s.handleStart(ctx, ev.Start)
	case twilio.EventMedia:
		s.handleMedia(ev.Media)
	case twilio.EventStop:
		s.logger.Info("telephony stop signal")
		s.teardown(StateClosed, websocket.CloseNormalClosure, "")
	default:
		s.logger.Debug("ignoring telephony event", "event", string(ev.Event))
	}
}

// handleStart extracts the agent identifier, resolves the agent, and
// dials the model leg. Resolution strictly precedes the model
// connection: invalid calls never open an upstream session.
func (s *Session) handleStart(ctx context.Context, start *twilio.StartData) {
	s.mu.Lock()
	if s.state != StateAwaitingStart {
		s.mu.Unlock()
		s.logger.Warn("ignoring duplicate start event", "state", s.state.String())
		return
	}
	if start != nil {
		s.streamSid = start.StreamSid
	}
	s.state = StateResolvingAgent
	s.mu.Unlock()

	agentID := start.AgentID(s.fallbackAgentID)
	if agentID == "" {
		s.logger.Error("start event carries no agent id")
		s.teardown(StateErrored, websocket.ClosePolicyViolation, "missing agent id")
		return
	}

	agent, err := s.directory.ResolveActive(ctx, agentID)
	if errors.Is(err, agents.ErrAgentNotFound) {
		s.logger.Error("agent not found or inactive", "agent_id", agentID)
		s.teardown(StateErrored, websocket.ClosePolicyViolation, "unknown agent")
		return
	}
	if err != nil {
		s.logger.Error("agent lookup failed", "agent_id", agentID, "error", err)
		s.teardown(StateErrored, websocket.CloseInternalServerErr, "agent lookup failed")
		return
	}

	s.mu.Lock()
	s.agent = agent
	s.state = StateConnectingModel
	s.mu.Unlock()

	s.logger.Info("media stream opened", "agent_id", agent.ID, "stream_sid", s.StreamSid())

	hooks := ModelHooks{
		OnConfigured: s.onModelConfigured,
		OnAudioOut:   s.onModelAudio,
		OnError: func(err error) {
			s.logger.Error("model leg error", "error", err)
		},
		OnClose: func() {
			s.teardown(StateClosed, websocket.CloseNormalClosure, "")
		},
	}

	model, err := s.dialModel(ctx, agent, hooks)
	if err != nil {
		s.logger.Error("model connect failed", "error", err)
		s.teardown(StateErrored, websocket.CloseInternalServerErr, "model connect failed")
		return
	}

	s.mu.Lock()
	s.model = model
	if s.state == StateConnectingModel {
		s.state = StateConfiguring
	}
	s.mu.Unlock()

	// The configuration ack can beat the model handle assignment above;
	// deliver the opening line now if it did.
	s.maybeSpeakOpening()
}

// onModelConfigured fires when the provider acknowledges the session
// configuration. This is the only trigger for the opening line.
func (s *Session) onModelConfigured() {
	s.mu.Lock()
	if s.state == StateConnectingModel || s.state == StateConfiguring {
		s.state = StateStreaming
	}
	s.mu.Unlock()

	s.maybeSpeakOpening()
}

// maybeSpeakOpening delivers the opening line exactly once, after the
// session reaches streaming and the model handle is in place. Duplicate
// configuration acks are a no-op.
func (s *Session) maybeSpeakOpening() {
	s.mu.Lock()
	ready := s.state == StateStreaming && s.model != nil && s.agent != nil && !s.openingSent
	if ready {
		s.openingSent = true
	}
	model := s.model
	var script string
	if s.agent != nil {
		script = s.agent.OpeningScript
	}
	s.mu.Unlock()

	if !ready {
		return
	}
	if err := model.SpeakOpening(script); err != nil {
		s.logger.Error("failed to queue opening line", "error", err)
	}
}

// handleMedia forwards one audio chunk to the model leg. Chunks arriving
// in any state other than streaming are dropped, not queued.
func (s *Session) handleMedia(media *twilio.MediaData) {
	if media == nil || media.Payload == "" {
		return
	}

	s.mu.Lock()
	model := s.model
	streaming := s.state == StateStreaming
	s.mu.Unlock()

	if !streaming || model == nil {
		return
	}

	if err := model.AppendAudio(media.Payload); err != nil {
		s.logger.Error("failed to forward audio", "error", err)
	}
}

// write serializes writes to the telephony connection. The websocket
// allows a single writer, and both the telephony read loop (close
// frames on teardown) and the model read loop (audio out) write to it.
func (s *Session) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(messageType, data)
}

// onModelAudio wraps one model audio chunk in the telephony envelope and
// sends it back down the call.
func (s *Session) onModelAudio(payload string) {
	sid := s.StreamSid()
	if sid == "" {
		return
	}

	msg, err := twilio.NewMediaMessage(sid, payload).Bytes()
	if err != nil {
		s.logger.Error("failed to encode media message", "error", err)
		return
	}
	if err := s.write(websocket.TextMessage, msg); err != nil {
		s.logger.Debug("telephony write failed", "error", err)
	}
}

// teardown closes both legs. Idempotent and safe to invoke from either
// leg's close path; the first caller wins and sets the final state.
// A zero close code skips the close frame (peer already gone).
func (s *Session) teardown(final State, closeCode int, reason string) {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.state = final
		model := s.model
		s.mu.Unlock()

		if closeCode != 0 {
			frame := websocket.FormatCloseMessage(closeCode, reason)
			if err := s.write(websocket.CloseMessage, frame); err != nil {
				s.logger.Debug("close frame write failed", "error", err)
			}
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("telephony close failed", "error", err)
		}
		if model != nil {
			if err := model.Close(); err != nil {
				s.logger.Debug("model close failed", "error", err)
			}
		}

		s.logger.Info("session closed", "state", final.String(), "reason", reason)
	})
}
