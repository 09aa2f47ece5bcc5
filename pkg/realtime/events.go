package realtime

import "encoding/json"

// Event type tags on the wire.
const (
	// Client → provider
	eventSessionUpdate  = "session.update"
	eventItemCreate     = "conversation.item.create"
	eventResponseCreate = "response.create"
	eventAudioAppend    = "input_audio_buffer.append"

	// Provider → client
	eventSessionUpdated = "session.updated"
	eventAudioDelta     = "response.audio.delta"
	eventError          = "error"
)

// sessionUpdateEvent configures the model session.
type sessionUpdateEvent struct {
	Type    string        `json:"type"`
	Session sessionConfig `json:"session"`
}

type sessionConfig struct {
	TurnDetection     turnDetection `json:"turn_detection"`
	InputAudioFormat  string        `json:"input_audio_format"`
	OutputAudioFormat string        `json:"output_audio_format"`
	Voice             string        `json:"voice"`
	Modalities        []string      `json:"modalities"`
	Temperature       float64       `json:"temperature"`
	Instructions      string        `json:"instructions"`
}

type turnDetection struct {
	Type string `json:"type"`
}

func newSessionUpdate(cfg Config, instructions string) sessionUpdateEvent {
	return sessionUpdateEvent{
		Type: eventSessionUpdate,
		Session: sessionConfig{
			TurnDetection:     turnDetection{Type: "server_vad"},
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			Voice:             cfg.Voice,
			Modalities:        []string{"text", "audio"},
			Temperature:       cfg.Temperature,
			Instructions:      instructions,
		},
	}
}

// itemCreateEvent adds one conversation item.
type itemCreateEvent struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []itemContent `json:"content"`
}

type itemContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newOpeningItem(script string) itemCreateEvent {
	return itemCreateEvent{
		Type: eventItemCreate,
		Item: conversationItem{
			Type: "message",
			Role: "user",
			Content: []itemContent{
				{Type: "input_text", Text: openingPromptPrefix + script},
			},
		},
	}
}

// responseCreateEvent asks the model to generate a response.
type responseCreateEvent struct {
	Type string `json:"type"`
}

// audioAppendEvent appends one base64 audio chunk to the input buffer.
type audioAppendEvent struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// serverEvent is the envelope for events received from the provider.
// Fields beyond the tag are populated per event type; unrecognized tags
// are passed through for the caller to ignore.
type serverEvent struct {
	Type  string       `json:"type"`
	Delta string       `json:"delta,omitempty"`
	Error *serverError `json:"error,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *serverError) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Type
}

func parseServerEvent(data []byte) (*serverEvent, error) {
	var ev serverEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
