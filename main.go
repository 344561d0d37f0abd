package main

import (
	"context"
	"log"
	"os"

	"github.com/example/campus-messaging/config"
	"github.com/example/campus-messaging/modules/api"
	"github.com/example/campus-messaging/modules/auth"
	"github.com/example/campus-messaging/modules/realtime"
	"github.com/example/campus-messaging/modules/store"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/go-monolith/mono"
)

func main() {
	log.Println("=== Campus Messaging - Fiber + WebSocket + EventBus ===")

	cfg := config.Load()

	app, err := mono.NewMonoApplication(
		mono.WithShutdownTimeout(cfg.ShutdownTimeout),
		mono.WithLogLevel(mono.LogLevelInfo),
		mono.WithLogFormat(mono.LogFormatText),
	)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	storeModule := store.NewModule(cfg.Store)
	authModule := auth.NewModule(cfg.Auth)
	realtimeModule := realtime.NewModule(app.Logger(), realtime.WithLivenessInterval(cfg.LivenessInterval))
	apiModule := api.NewModule(cfg)

	// The socket server is shared in-process; it is not a request/reply
	// service.
	apiModule.SetServer(realtimeModule.Server())

	// Order: independent modules first, then modules with dependencies
	// - store: message persistence (service provider + read receipt emitter)
	// - auth: token verification (service provider)
	// - realtime: registry, rooms, relay, liveness (depends on store)
	// - api: HTTP and socket endpoints (depends on auth and store)
	app.Register(storeModule)
	app.Register(authModule)
	app.Register(realtimeModule)
	app.Register(apiModule)

	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}

	printStartupInfo(cfg)

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"mono-app": func(ctx context.Context) error {
				log.Println("Graceful shutdown initiated...")
				return app.Stop(ctx)
			},
		},
	)

	exitCode := <-wait
	log.Printf("Application exited with code: %d", exitCode)
	os.Exit(exitCode)
}

func printStartupInfo(cfg config.Config) {
	log.Println("")
	log.Println("Application started successfully!")
	log.Println("")
	log.Printf("Store driver: %s", cfg.Store.Driver)
	if cfg.Store.RedisAddr != "" {
		log.Printf("Inbox cache: redis at %s", cfg.Store.RedisAddr)
	}
	log.Printf("Liveness sweep every %s", cfg.LivenessInterval)
	log.Println("")
	log.Printf("REST API Endpoints (http://localhost:%s):", cfg.Port)
	log.Println("  GET    /health                    - Health check")
	log.Println("  GET    /api/v1/messages           - Poll messages (?since=&since_id=&limit=)")
	log.Println("  POST   /api/v1/messages           - Send a message")
	log.Println("  POST   /api/v1/messages/read      - Mark messages read")
	log.Println("  POST   /api/v1/announcements      - Broadcast a system message (admin)")
	log.Println("  GET    /api/v1/presence/:userId   - Is a user connected")
	log.Println("")
	log.Printf("WebSocket Endpoint (ws://localhost:%s/ws/messages?token=...):", cfg.Port)
	log.Println("  Inbound: join_conversation, leave_conversation, send_message, typing_start, typing_stop, ping")
	log.Println("")
	log.Println("Mint a dev token with: chatclient token --user alice")
	log.Println("")
	log.Println("Press Ctrl+C to shutdown gracefully")
}
