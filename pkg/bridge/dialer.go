package bridge

import (
	"context"

	"github.com/voicelane/voicebridge/pkg/agents"
	"github.com/voicelane/voicebridge/pkg/realtime"
)

// NewRealtimeDialer returns a ModelDialer backed by the Realtime API.
// Each call gets its own client; cfg carries the shared credentials and
// model selection.
func NewRealtimeDialer(cfg realtime.Config) ModelDialer {
	return func(ctx context.Context, agent *agents.Agent, hooks ModelHooks) (ModelLeg, error) {
		client, err := realtime.NewClient(cfg)
		if err != nil {
			return nil, err
		}

		client.OnConfigured = hooks.OnConfigured
		client.OnAudioOut = hooks.OnAudioOut
		client.OnError = hooks.OnError
		client.OnClose = hooks.OnClose

		if err := client.Connect(ctx, agent.SystemPrompt); err != nil {
			return nil, err
		}
		return client, nil
	}
}
