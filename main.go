package main

import (
	"context"
	"net/http"
	"os"

	"github.com/rs/zerolog"

	"tgauto/internal/auth"
	"tgauto/internal/engine"
	httpapi "tgauto/internal/http"
	"tgauto/internal/session"
	"tgauto/internal/stats"
	"tgauto/internal/storage"
	"tgauto/internal/wa"
)

func main() {
	level, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	dsn := envOr("DB_DSN", "file:tgauto.db?_foreign_keys=on")
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open storage")
	}
	defer store.Close()

	// Jobs left running by a previous process can never resume; fail them so
	// admission control starts clean.
	if n, err := store.FailOrphanedJobs(); err != nil {
		log.Fatal().Err(err).Msg("recover orphaned jobs")
	} else if n > 0 {
		log.Warn().Int64("jobs", n).Msg("failed orphaned running jobs from previous process")
	}

	var client session.Client
	switch platform := envOr("PLATFORM", "sim"); platform {
	case "whatsapp":
		client, err = wa.NewClient(context.Background(), dsn, log)
		if err != nil {
			log.Fatal().Err(err).Msg("init whatsapp driver")
		}
	case "sim":
		client = session.NewSim()
		log.Warn().Msg("using simulated platform; set PLATFORM=whatsapp for real sessions")
	default:
		log.Fatal().Str("platform", platform).Msg("unknown PLATFORM")
	}

	flow := auth.New(store, client, log)
	runner := engine.New(store, client, log)
	agg := stats.New(store)
	router := httpapi.NewRouter(store, flow, runner, agg, client, log)

	port := envOr("PORT", "9810")
	log.Info().Str("port", port).Msg("HTTP listening")
	if err := http.ListenAndServe(":"+port, router); err != nil {
		log.Fatal().Err(err).Msg("http server")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
