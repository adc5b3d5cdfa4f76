// Command migrate applies or rolls back the schema migrations embedded
// in internal/database/migrations against the configured primary database.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/commandmesh/platform/internal/database/migrations"
	"github.com/commandmesh/platform/pkg/config"
	"github.com/commandmesh/platform/pkg/logger"
)

func main() {
	down := flag.Bool("down", false, "roll back all migrations instead of applying pending ones")
	flag.Parse()

	if err := run(*down); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(down bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New("migrate", "info")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	mgr, err := migrations.NewManager(dsn(cfg), log)
	if err != nil {
		return fmt.Errorf("create migration manager: %w", err)
	}
	defer mgr.Close()

	ctx := context.Background()
	if down {
		return mgr.Down(ctx)
	}
	return mgr.Up(ctx)
}

func dsn(cfg *config.Config) string {
	if cfg.Database.URL != "" {
		return cfg.Database.URL
	}
	p := cfg.Database.Primary
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		p.Username, p.Password, p.Host, p.Port, p.Database)
}
