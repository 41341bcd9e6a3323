// Migrate applies the embedded SQL migrations: go run ./cmd/migrate -direction up
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"schoolhub/backend/internal/config"
	"schoolhub/backend/internal/db/migrate"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.DatabaseDriver == "memory" {
		fmt.Fprintln(os.Stderr, "DATABASE_DRIVER=memory has nothing to migrate")
		os.Exit(1)
	}

	if err := migrate.Run(cfg.DatabaseDriver, cfg.DatabaseURL, *direction); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return
		}
		fmt.Fprintln(os.Stderr, "migrate:", err)
		os.Exit(1)
	}
	fmt.Printf("migrations applied (%s, %s)\n", cfg.DatabaseDriver, *direction)
}
