// Package config parses command line configuration of the broker and the
// participant binaries.
package config

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/adwski/peergroup/backend/group"
)

var (
	ErrInvalid = errors.New("invalid configuration")
)

type Broker struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      zerolog.Level
}

func ParseBroker(args []string) (*Broker, error) {
	fs := pflag.NewFlagSet("broker", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket broker listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
	)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	if *apiListenAddr == "" || *wsListenAddr == "" {
		return nil, fmt.Errorf("%w: listen addresses must be set", ErrInvalid)
	}
	return &Broker{
		APIListenAddr: *apiListenAddr,
		WSListenAddr:  *wsListenAddr,
		LogLevel:      lvl,
	}, nil
}

type Peer struct {
	BrokerURL string
	Namespace string
	Group     string
	Bio       string
	Retry     group.RetryPolicy
	NoRetry   bool
	Loopback  bool
	LogLevel  zerolog.Level
}

func ParsePeer(args []string) (*Peer, error) {
	fs := pflag.NewFlagSet("peergroup", pflag.ContinueOnError)

	var (
		brokerURL     = fs.StringP("broker", "b", "ws://localhost:8888", "broker websocket url")
		namespace     = fs.StringP("namespace", "n", "default", "broker namespace")
		groupName     = fs.StringP("group", "g", "", "group to join")
		bio           = fs.String("bio", "", "how others see you, JSON or plain text")
		retryAttempts = fs.Int("retry-attempts", group.DefaultRetryAttempts, "reconnect attempts after unexpected disconnect")
		retryInterval = fs.Duration("retry-interval", group.DefaultRetryInterval, "interval between reconnect attempts")
		noRetry       = fs.Bool("no-retry", false, "do not reconnect after unexpected disconnect")
		loopback      = fs.Bool("loopback", false, "run a local demo group in-process instead of using a broker")
		logLevel      = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(args); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	cfg := &Peer{
		BrokerURL: *brokerURL,
		Namespace: *namespace,
		Group:     *groupName,
		Bio:       *bio,
		Retry: group.RetryPolicy{
			Attempts: *retryAttempts,
			Interval: *retryInterval,
		},
		NoRetry:  *noRetry,
		Loopback: *loopback,
		LogLevel: lvl,
	}
	if err = cfg.validate(); err != nil {
		return nil, errors.Join(ErrInvalid, err)
	}
	return cfg, nil
}

func (p *Peer) validate() error {
	if p.Group == "" {
		return errors.New("group name is required")
	}
	if !p.Loopback && p.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	if p.Retry.Interval < 0 {
		return fmt.Errorf("negative retry interval %s", p.Retry.Interval)
	}
	return p.Retry.Validate()
}
