package main

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/broker/loopback"
	wsbroker "github.com/adwski/peergroup/backend/broker/websocket"
	"github.com/adwski/peergroup/backend/config"
	"github.com/adwski/peergroup/backend/group"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	cfg, err := config.ParsePeer(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	logger = logger.Level(cfg.LogLevel)

	var svc broker.Service
	if cfg.Loopback {
		network := loopback.NewNetwork(&logger)
		bot, errB := startDemoHost(network, cfg.Group, &logger)
		if errB != nil {
			logger.Fatal().Err(errB).Msg("failed to start demo host")
		}
		defer func() { _ = bot.Close() }()
		svc = network
	} else {
		svc, err = wsbroker.NewService(wsbroker.Config{
			Logger:    &logger,
			URL:       cfg.BrokerURL,
			Namespace: cfg.Namespace,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to configure broker client")
		}
	}

	con := newConsole(os.Stdout, &logger)
	s, err := group.New(group.Config{
		Logger:  &logger,
		Service: svc,
		Hooks:   con.hooks(),
		Group:   cfg.Group,
		Bio:     encodeBio(cfg.Bio),
		Retry:   cfg.Retry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create session")
	}
	con.s = s

	if err = s.Connect(!cfg.NoRetry); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

inputLoop:
	for {
		select {
		case <-ctx.Done():
			logger.Warn().Msg("interrupted")
			break inputLoop
		case line, ok := <-lines:
			if !ok {
				break inputLoop
			}
			cmd, errC := parseCommand(line)
			if errC != nil {
				con.printf("! %v", errC)
				continue
			}
			quit, errC := con.exec(cmd)
			if errC != nil {
				con.printf("! %v", errC)
			}
			if quit {
				break inputLoop
			}
		}
	}

	if err = s.Close(); err != nil {
		logger.Error().Err(err).Msg("failed to close session")
	}
}
