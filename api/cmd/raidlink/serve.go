package raidlink

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/raidlink/raidlink/api/pkg/config"
	"github.com/raidlink/raidlink/api/pkg/hub"
	"github.com/raidlink/raidlink/api/pkg/server"
	"github.com/raidlink/raidlink/api/pkg/stream"
	"github.com/raidlink/raidlink/api/pkg/vod"
)

func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the raidlink hub server.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("failed to load server config: %w", err)
			}
			setupLogging(cfg.Log)
			return serve(cmd, &cfg)
		},
	}
}

func setupLogging(cfg config.Log) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func serve(cmd *cobra.Command, cfg *config.ServerConfig) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// A nil *vod.Client must stay a nil interface so the manager can
	// detect the unconfigured store.
	var uploader stream.Uploader
	if client := vod.NewClient(cfg.VOD.SiteURL, cfg.VOD.Token); client != nil {
		uploader = client
	} else {
		log.Warn().Msg("VOD store not configured, recordings will be discarded after streaming")
	}

	streams := stream.NewManager(cfg.Stream.FFmpegPath, cfg.Stream.LiveRoot, cfg.Stream.RecordingRoot, uploader)
	coordinator := hub.New(streams)
	streams.OnStatus = coordinator.BroadcastStreamStatus

	apiServer := server.NewServer(cfg, coordinator, streams)
	return apiServer.ListenAndServe(ctx)
}
