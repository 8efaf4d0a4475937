package cli

import (
	"context"
	"fmt"

	"github.com/droidpool/droidpool/internal/config"
	"github.com/droidpool/droidpool/internal/domain"
	"github.com/droidpool/droidpool/internal/store"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the pool's persisted credential state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}

	return cmd
}

func runStatus() error {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	credentialStore, err := store.Load(cfg.SnapshotPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load credential snapshot")
	}

	records, err := credentialStore.List(context.Background())
	if err != nil {
		return err
	}

	if len(records) == 0 {
		fmt.Println("No credentials stored")
		fmt.Printf("Snapshot path: %s\n", cfg.SnapshotPath)
		return nil
	}

	byHealth := map[domain.HealthStatus]int{}
	disabled := 0
	for _, rec := range records {
		byHealth[rec.HealthStatus]++
		if rec.IsDisabled {
			disabled++
		}
	}

	fmt.Printf("Credentials: %d (%d disabled)\n", len(records), disabled)
	fmt.Printf("  healthy: %d  unhealthy: %d  unknown: %d\n",
		byHealth[domain.HealthHealthy], byHealth[domain.HealthUnhealthy], byHealth[domain.HealthUnknown])

	for _, rec := range records {
		name := rec.DisplayName
		if name == "" {
			name = "(unnamed)"
		}
		fmt.Printf("  %s  %-8s %-9s %-9s usage=%d errors=%d  %s\n",
			rec.UUID, rec.AuthKind, rec.Endpoint, rec.HealthStatus, rec.UsageCount, rec.ErrorCount, name)
	}

	return nil
}
