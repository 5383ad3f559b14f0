// README: Entry point; loads config, wires services, starts HTTP server and the dispatch loop.
package main

import (
	"context"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"presto/internal/ai"
	"presto/internal/auth"
	"presto/internal/config"
	"presto/internal/events"
	httptransport "presto/internal/http"
	"presto/internal/infra"
	"presto/internal/logger"
	"presto/internal/maps"
	"presto/internal/modules/dispatch"
	"presto/internal/modules/presence"
	"presto/internal/modules/quota"
	"presto/internal/modules/request"
	"presto/internal/modules/wallet"
	"presto/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		stdlog.Fatalf("config: %v", err)
	}

	log := logger.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPool, err := infra.NewDB(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres init")
	}
	defer dbPool.Close()

	if err := infra.Migrate(ctx, dbPool, log); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	redisClient := infra.NewRedis(cfg.Redis)

	rmq, err := infra.NewRabbitMQ(cfg.AMQP.URL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbitmq init")
	}
	defer rmq.Close()

	publisher, err := events.NewPublisher(rmq.Chan, cfg.AMQP.Exchange, log)
	if err != nil {
		log.Fatal().Err(err).Msg("exchange declare")
	}

	tokens := auth.NewManager(cfg.Auth.Secret, 24*time.Hour)

	requestStore := request.NewPGStore(dbPool)
	requestSvc := request.NewService(requestStore, publisher, log)

	walletStore := wallet.NewPGStore(dbPool)
	walletSvc := wallet.NewService(walletStore, publisher, log)

	quotaSvc := quota.NewService(quota.NewStore(dbPool))

	var geocoder ws.Geocoder
	if cfg.Google.MapsKey != "" {
		g, err := maps.NewGeocodeService(cfg.Google.MapsKey)
		if err != nil {
			log.Fatal().Err(err).Msg("maps init")
		}
		geocoder = g
	}

	var advisor ai.Advisor
	if cfg.Google.GeminiKey != "" {
		g, err := ai.NewGeminiAdvisor(ctx, cfg.Google.GeminiKey)
		if err != nil {
			log.Fatal().Err(err).Msg("gemini init")
		}
		defer g.Close()
		advisor = g
	}

	registry := presence.NewRegistry()
	hub := ws.NewHub(geocoder, log)

	dispatchStore := dispatch.NewStore(redisClient)
	broker := dispatch.NewBroker(registry, requestSvc, dispatchStore, hub, publisher, cfg.Dispatch, log)

	registry.Subscribe(hub)
	registry.Subscribe(broker)

	socket := ws.NewHandler(hub, registry, broker, requestSvc, walletSvc, tokens, log)

	handler := httptransport.NewRouter(httptransport.Deps{
		Requests: requestSvc,
		Registry: registry,
		Broker:   broker,
		Wallet:   walletSvc,
		Advisor:  advisor,
		Quota:    quotaSvc,
		Socket:   socket,
		Tokens:   tokens,
		Log:      log,
	})

	server := &http.Server{Addr: cfg.HTTP.Addr, Handler: handler}

	go broker.Run(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}
	}()

	log.Info().Str("addr", cfg.HTTP.Addr).Msg("presto api listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("http server")
	}
}
