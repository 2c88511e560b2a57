package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sewago/payment-webhooks/internal/config"
	"github.com/sewago/payment-webhooks/internal/database"
	"github.com/sewago/payment-webhooks/internal/services"
	"github.com/sirupsen/logrus"
)

// stateTables hold reservation state only; they never contain financial records
var stateTables = []string{
	"webhook_idempotency_keys",
	"webhook_replay_guard",
	"webhook_velocity_events",
}

func main() {
	var dbURLFlag string
	var truncate bool
	var auditDays int
	flag.StringVar(&dbURLFlag, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	flag.BoolVar(&truncate, "truncate", false, "wipe all webhook state tables instead of sweeping expired rows")
	flag.IntVar(&auditDays, "audit-retention-days", 0, "also prune audit rows older than this many days")
	flag.Parse()

	// Try loading .env from current working directory (optional)
	// This avoids having to pass secrets on the command line.
	_ = godotenv.Load()

	dbURL := dbURLFlag
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set and -database-url was not provided")
	}

	// Build minimal database config without loading full app config
	dbCfg := config.DatabaseConfig{
		URL:                dbURL,
		MaxConnections:     5,
		MaxIdleConnections: 2,
	}

	db, err := database.NewConnection(dbCfg)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if truncate {
		fmt.Println("Connected to database. Truncating webhook state tables...")
		for _, t := range stateTables {
			if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s", t)); err != nil {
				log.Fatalf("failed to truncate %s: %v", t, err)
			}
		}
		fmt.Println("Webhook state cleared. Every transaction id and idempotency key is admissible again.")
	} else {
		fmt.Println("Connected to database. Sweeping expired webhook state...")

		logger := logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})

		// Idempotency and replay rows carry their own expires_at; retention is unused here
		retention := 24 * time.Hour
		sweeper := services.NewCronService("@every 1h", logger)
		sweeper.AddTable("webhook_idempotency_keys", database.NewIdempotencyRepository(db.DB, retention))
		sweeper.AddTable("webhook_replay_guard", database.NewReplayRepository(db.DB, retention))
		sweeper.AddTable("webhook_velocity_events", database.NewVelocityRepository(db.DB, 1, velocityWindow()))
		if auditDays > 0 {
			sweeper.SetAuditRetention(
				database.NewPaymentAuditRepository(db.DB, logger),
				time.Duration(auditDays)*24*time.Hour,
			)
		}

		for name, count := range sweeper.RunOnce(ctx) {
			fmt.Printf("  %s: %d rows removed\n", name, count)
		}
	}

	fmt.Println("Post-clear row counts:")
	for _, t := range stateTables {
		var count int
		if err := db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", t)).Scan(&count); err != nil {
			fmt.Printf("  %s: error: %v\n", t, err)
			continue
		}
		fmt.Printf("  %s: %d\n", t, count)
	}
}

// velocityWindow reads FRAUD_VELOCITY_WINDOW_SECONDS so the sweep keeps rows still inside the live window
func velocityWindow() time.Duration {
	if raw := os.Getenv("FRAUD_VELOCITY_WINDOW_SECONDS"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return time.Minute
}
