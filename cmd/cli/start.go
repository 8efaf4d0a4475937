package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/droidpool/droidpool/internal/config"
	"github.com/droidpool/droidpool/internal/controllers"
	"github.com/droidpool/droidpool/internal/crypto"
	"github.com/droidpool/droidpool/internal/health"
	"github.com/droidpool/droidpool/internal/managers"
	"github.com/droidpool/droidpool/internal/pool"
	"github.com/droidpool/droidpool/internal/refresh"
	"github.com/droidpool/droidpool/internal/server"
	"github.com/droidpool/droidpool/internal/store"
	"github.com/droidpool/droidpool/internal/workos"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func NewStartCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the credential pool service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
			return runStart()
		},
	}

	return cmd
}

func runStart() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	cipher, err := crypto.NewCipher(cfg.MasterSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize secret cipher")
	}

	credentialStore, err := store.Load(cfg.SnapshotPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load credential snapshot")
	}

	workosClient := workos.NewClient(
		workos.WithTokenURL(cfg.WorkOSTokenURL),
		workos.WithOrgURL(cfg.FactoryOrgURL),
		workos.WithHTTPClient(&http.Client{Timeout: cfg.UpstreamTimeout}),
	)

	refresher := refresh.NewRefresher(refresh.Config{
		Store:   credentialStore,
		Cipher:  cipher,
		WorkOS:  workosClient,
		Timeout: cfg.UpstreamTimeout,
	})

	checker := health.NewChecker(health.Config{
		Store:          credentialStore,
		Cipher:         cipher,
		Refresher:      refresher,
		WorkOS:         workosClient,
		FactoryBaseURL: cfg.FactoryAPIBaseURL,
		RefreshSkew:    cfg.RefreshSkew,
		Timeout:        cfg.UpstreamTimeout,
	})

	credentialPool := pool.NewPool(pool.Config{
		Store:              credentialStore,
		Cipher:             cipher,
		Refresher:          refresher,
		FactoryBaseURL:     cfg.FactoryAPIBaseURL,
		RefreshSkew:        cfg.RefreshSkew,
		UnhealthyThreshold: cfg.UnhealthyThreshold,
	})

	credentialManager := managers.NewCredentialManager(managers.CredentialManagerDependencies{
		Store:  credentialStore,
		Cipher: cipher,
		WorkOS: workosClient,
	})

	controller := controllers.NewCredentialController(controllers.CredentialControllerDependencies{
		Manager:   credentialManager,
		Store:     credentialStore,
		Pool:      credentialPool,
		Refresher: refresher,
		Checker:   checker,
	})

	app := server.NewHTTPServer(server.HTTPServerDependencies{
		CredentialController: controller,
	})

	log.Info().
		Str("address", cfg.HTTPAddress).
		Dur("refresh_skew", cfg.RefreshSkew).
		Uint64("unhealthy_threshold", cfg.UnhealthyThreshold).
		Msg("Starting credential pool service")

	if err := app.Listen(cfg.HTTPAddress, fiber.ListenConfig{
		GracefulContext:       ctx,
		DisableStartupMessage: true,
	}); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
		return err
	}

	log.Info().Msg("Credential pool service stopped")
	return nil
}
