package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/campuslink/chat-app/internal/audit"
	"github.com/campuslink/chat-app/internal/config"
	"github.com/campuslink/chat-app/internal/member"
	"github.com/campuslink/chat-app/internal/messaging"
	"github.com/campuslink/chat-app/internal/moderation"
)

func main() {
	log.Println("Starting CampusLink auditor...")

	cfg, err := config.LoadAuditor()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Postgres setup.
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
	store := audit.NewStore(db)

	// NATS setup.
	natsConfig := messaging.DefaultNATSConfig()
	if cfg.NATSURL != "" {
		natsConfig.URL = cfg.NATSURL
	}
	natsConfig.Name = "campuslink-auditor"

	natsClient, err := messaging.NewNATSClient(natsConfig)
	if err != nil {
		log.Fatalf("failed to connect to NATS: %v", err)
	}

	// The lexicon labels events that arrive without one, so the flagged table
	// always carries a reason even when the gate only returned a verdict.
	lexicon := moderation.NewLexicon()

	err = natsClient.SubscribeFlagged(func(data []byte) {
		var event audit.FlaggedEvent
		if err := json.Unmarshal(data, &event); err != nil {
			log.Printf("[auditor] failed to unmarshal event: %v", err)
			return
		}

		if event.Label == "" {
			if m := lexicon.Check(event.Text); m.Blocked {
				event.Label = m.Reason
			} else {
				event.Label = "flagged"
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Record(ctx, &event); err != nil {
			log.Printf("[auditor] failed to record flagged message member=%s room=%s: %v",
				event.MemberID, event.Room, err)
			return
		}

		log.Printf("[auditor] recorded flagged message member=%s room=%s label=%s context=%d",
			event.MemberID, event.Room, event.Label, len(event.Context))
	})
	if err != nil {
		log.Fatalf("failed to subscribe to flagged events: %v", err)
	}

	log.Printf("CampusLink auditor running")
	log.Printf("  nats_url: %s", natsConfig.URL)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("received signal %v, shutting down...", sig)

	natsClient.Close()
	db.Close()
}
