// voicebridge: relays Twilio media streams to OpenAI Realtime voice agents
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voicelane/voicebridge/internal/config"
	"github.com/voicelane/voicebridge/internal/log"
	"github.com/voicelane/voicebridge/pkg/agents"
	"github.com/voicelane/voicebridge/pkg/bridge"
	"github.com/voicelane/voicebridge/pkg/realtime"
)

var (
	version = "1.0.0"
	port    = flag.Int("port", 0, "listening port (overrides PORT)")
)

func main() {
	flag.Parse()
	log.Init(config.LogLevel())

	listenPort := config.Port()
	if *port != 0 {
		listenPort = *port
	}

	// Both are fatal at boot: the bridge is useless without them
	apiKey := config.OpenAIKeyRequired()
	dsn := config.DatabaseURLRequired()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		log.Error("failed to open agent directory pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	directory := agents.NewStore(pool)

	dial := bridge.NewRealtimeDialer(realtime.Config{
		APIKey: apiKey,
		Model:  config.RealtimeModel(),
		Voice:  config.RealtimeVoice(),
	})

	app := fiber.New(fiber.Config{
		AppName:               "voicebridge",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())

	bridge.NewRouter(directory, dial).Register(app)

	go func() {
		addr := fmt.Sprintf(":%d", listenPort)
		log.Info("voice bridge listening", "addr", addr, "version", version, "model", config.RealtimeModel())
		if err := app.Listen(addr); err != nil {
			log.Error("server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	if err := app.Shutdown(); err != nil {
		log.Error("shutdown failed", "error", err)
	}
}
