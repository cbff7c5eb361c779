package main

import (
	"context"
	"flag"
	"log"
	"time"

	"peerstudy-backend/internal/database"
	"peerstudy-backend/internal/registry"
)

// Sweeps sessions with no activity past the TTL. The server runs the same
// sweep on a timer; this tool exists for one-off runs and cron fallback.
func main() {
	ttl := flag.Duration("ttl", registry.StaleSessionTTL, "close sessions idle longer than this")
	flag.Parse()

	db, err := database.ConnectDB()
	if err != nil {
		log.Fatalf("❌ Database connection failed: %v", err)
	}
	defer database.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	reg := registry.New(db)
	closed, err := reg.CloseStale(ctx, *ttl)
	if err != nil {
		log.Fatalf("❌ Sweep failed: %v", err)
	}
	log.Printf("✅ Closed %d stale sessions (ttl %s)", closed, *ttl)
}
