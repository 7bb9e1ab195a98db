package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/config"
	httpServer "github.com/adwski/peergroup/backend/server/http"
	websocketServer "github.com/adwski/peergroup/backend/server/websocket"
	"github.com/adwski/peergroup/backend/service"
	store "github.com/adwski/peergroup/backend/storage/memory"
	sw "github.com/adwski/peergroup/backend/switch"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.ParseBroker(os.Args[1:])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	logger = logger.Level(cfg.LogLevel)

	names := store.NewMemStore()
	svc := service.NewService(service.Config{
		NameStore: names,
		Switch:    sw.NewSwitch(&logger, names),
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:           &logger,
		DirectoryService: svc,
		ListenAddr:       cfg.APIListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:        &logger,
		BrokerService: svc,
		ListenAddr:    cfg.WSListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
