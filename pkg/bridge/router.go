package bridge

import (
	"context"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/voicelane/voicebridge/internal/log"
	"github.com/voicelane/voicebridge/pkg/agents"
)

// MediaStreamPath is the only path on which websocket upgrades are
// accepted. Upgrade attempts anywhere else never complete a handshake.
const MediaStreamPath = "/twilio-media-stream"

// Router accepts inbound telephony connections and runs one Session per
// call. The directory client and model dialer are shared across all
// sessions; sessions themselves share no state.
type Router struct {
	directory agents.Directory
	dialModel ModelDialer
}

// NewRouter creates a router with its collaborators injected.
func NewRouter(directory agents.Directory, dial ModelDialer) *Router {
	return &Router{directory: directory, dialModel: dial}
}

// Register installs the media-stream websocket route and the liveness
// endpoint on a Fiber app. No authentication happens here: call
// legitimacy is established by agent resolution after the start event.
func (r *Router) Register(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	app.Use(MediaStreamPath, func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get(MediaStreamPath, websocket.New(r.handleMediaStream))

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	})
}

// handleMediaStream runs one call session on the upgrade handler's
// goroutine, blocking until the call ends.
func (r *Router) handleMediaStream(c *websocket.Conn) {
	log.Info("telephony connection accepted",
		"path", MediaStreamPath,
		"from_ip", c.RemoteAddr().String(),
	)

	sess := NewSession(c, r.directory, r.dialModel, c.Query("agentId"))
	sess.Run(context.Background())
}
