package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bourse/internal/auth"
	"bourse/internal/config"
	"bourse/internal/exchange"
	"bourse/internal/feed"
	"bourse/internal/httpapi"
	"bourse/internal/logging"
	"bourse/internal/net"
	"bourse/internal/store"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const stopTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("server exited")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(ctx, store.Config{
		Driver: cfg.Store.Driver,
		Path:   cfg.Store.Path,
		DSN:    cfg.Store.DSN,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close store")
		}
	}()

	// Setup the matching engine and the trade feed.
	x := exchange.New(exchange.Config{
		CompletedHistory: cfg.History.Completed,
		QuoteHistory:     cfg.History.Quotes,
	}, st)

	var publisher *feed.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = feed.New(feed.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), cfg.Kafka.Buffer)
		publisher.Start()
		x.SetReporter(publisher)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("trade feed enabled")
	}

	if err := x.Start(ctx); err != nil {
		return err
	}

	// Setup the TCP server and the market data API.
	authService := auth.New(st, x, auth.Config{
		Secret:   cfg.Auth.Secret,
		TokenTTL: cfg.Auth.TokenTTL,
	})
	srv := net.New(cfg.Server.Host, cfg.Server.Port, cfg.Server.Workers, x, authService)

	t, tctx := tomb.WithContext(ctx)
	t.Go(func() error {
		return srv.Run(tctx)
	})
	if cfg.HTTP.Address != "" {
		api := httpapi.NewServer(x, cfg.HTTP.AllowedOrigins)
		t.Go(func() error {
			return api.Run(tctx, cfg.HTTP.Address)
		})
	}

	// Block until a signal arrives or a server fails.
	<-t.Dying()
	serveErr := t.Wait()
	if serveErr != nil && ctx.Err() != nil {
		serveErr = nil
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := x.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("unable to persist exchange state")
	}
	if publisher != nil {
		if err := publisher.Stop(); err != nil {
			log.Error().Err(err).Msg("unable to close trade feed")
		}
	}
	return serveErr
}
