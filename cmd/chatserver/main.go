package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/campuslink/chat-app/internal/auth"
	"github.com/campuslink/chat-app/internal/ban"
	"github.com/campuslink/chat-app/internal/chat"
	"github.com/campuslink/chat-app/internal/config"
	"github.com/campuslink/chat-app/internal/member"
	"github.com/campuslink/chat-app/internal/messaging"
	"github.com/campuslink/chat-app/internal/moderation"
	"github.com/campuslink/chat-app/internal/presence"
	"github.com/campuslink/chat-app/internal/protocol"
	"github.com/campuslink/chat-app/internal/registry"
	"github.com/campuslink/chat-app/internal/ws"
)

func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	serverConfig := ws.ServerConfig{
		ListenAddr:     cfg.ListenAddr,
		WorkerPoolSize: cfg.WorkerPoolSize,
		MaxConnections: cfg.MaxConnections,
		ReadTimeout:    cfg.ReadTimeout,
		WriteTimeout:   cfg.WriteTimeout,
	}

	serverName := cfg.ServerName
	if serverName == "" {
		serverName, _ = os.Hostname()
	}
	if serverName == "" {
		serverName = "chat-1"
	}

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("failed to reach postgres: %v", err)
	}
	pingCancel()
	if err := member.Migrate(db); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	memberStore := member.NewStore(db)

	// --- Redis ---
	presenceStore, err := presence.Connect(cfg.RedisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	ledger := ban.NewLedger(memberStore, presenceStore.Client())

	// --- NATS (optional audit channel) ---
	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	// --- Moderation gate ---
	var classifier moderation.Classifier
	if cfg.ModerationAPIKey != "" {
		classifier = moderation.NewLLMClassifier(moderation.LLMConfig{
			BaseURL: cfg.ModerationBaseURL,
			APIKey:  cfg.ModerationAPIKey,
			Model:   cfg.ModerationModel,
		})
	} else {
		log.Printf("MODERATION_API_KEY not set, using built-in lexicon classifier")
		classifier = moderation.NewLexicon()
	}
	gate := moderation.NewGate(classifier, moderation.GateConfig{
		Timeout:    cfg.GateTimeout,
		FailClosed: cfg.GateFailClosed,
	})

	var verifier *auth.Verifier
	if cfg.JWTSecret != "" {
		verifier = auth.NewVerifier(cfg.JWTSecret)
	} else {
		log.Printf("WARNING: JWT_SECRET not set, accepting unauthenticated guest connections")
	}

	log.Printf("CampusLink chat server starting")
	log.Printf("  listen_addr:     %s", serverConfig.ListenAddr)
	log.Printf("  worker_pool:     %d", serverConfig.WorkerPoolSize)
	log.Printf("  max_connections: %d", serverConfig.MaxConnections)
	log.Printf("  read_timeout:    %s", serverConfig.ReadTimeout)
	log.Printf("  write_timeout:   %s", serverConfig.WriteTimeout)
	log.Printf("  redis_addr:      %s", cfg.RedisAddr)
	log.Printf("  nats_url:        %s", cfg.NATSURL)
	log.Printf("  gate_timeout:    %s", cfg.GateTimeout)
	log.Printf("  gate_fail_mode:  closed=%v", cfg.GateFailClosed)
	log.Printf("  server_name:     %s", serverName)

	reg := registry.New()

	dispatcher := ws.NewMessageDispatcher(nil)
	server := ws.NewServer(serverConfig, verifier, dispatcher.Dispatch)
	dispatcher.SetServer(server)
	server.SetPresence(presenceStore)

	broadcaster := chat.NewBroadcaster(reg, server)
	controller := chat.NewController(reg, gate, ledger, broadcaster, server)
	controller.SetPresence(presenceStore)
	if natsClient != nil {
		controller.SetFlaggedPublisher(natsClient)
	}

	// Banned members are refused before the session goes live; everyone else
	// is registered so joins and sends can resolve the connection.
	server.SetOnConnect(func(c *ws.Connection) error {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		banned, err := ledger.IsBanned(ctx, c.MemberID)
		if err != nil {
			// Fail open on ledger errors, same as the send path.
			log.Printf("ban check at connect for member=%s: %v", c.MemberID, err)
			banned = false
		}
		if banned {
			if data, err := protocol.NewServerMessage(protocol.TypeSuspended, protocol.SuspendedMsg{
				Reason: "Your account has been suspended.",
			}); err == nil {
				_ = c.WriteMessage(data)
			}
			return ban.ErrSuspended
		}

		return reg.Register(c.ID, c.MemberID, c.MemberName)
	})

	server.SetOnDisconnect(controller.HandleDisconnect)

	// -----------------------------------------------------------------------
	// join — subscribe the connection to a room
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeJoin, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinMsg)
		if !ok {
			return
		}
		controller.HandleJoin(conn.ID, joinMsg.Room)
	})

	// -----------------------------------------------------------------------
	// message — moderated room send
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeMessage, func(conn *ws.Connection, msg interface{}) {
		chatMsg, ok := msg.(protocol.ChatMsg)
		if !ok {
			return
		}
		controller.HandleSend(conn.ID, chatMsg)
	})

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		if natsClient != nil {
			natsClient.Close()
		}
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := presenceStore.Close(); err != nil {
			log.Printf("presence store close error: %v", err)
		}
		if err := db.Close(); err != nil {
			log.Printf("postgres close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
