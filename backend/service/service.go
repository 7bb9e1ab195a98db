package service

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/model"
	store "github.com/adwski/peergroup/backend/storage/memory"
)

var (
	ErrNameTaken = errors.New("name is already registered")
	ErrClaim     = errors.New("unable to claim name")
	ErrConnect   = errors.New("unable to connect")
	ErrClose     = errors.New("unable to close endpoint")
)

type (
	NameStore interface {
		Claim(key, name string) (string, error)
		Release(key, name string) error
		Claimed(key, name string) bool
		List(key string) []string
	}

	Switch interface {
		Connect(ctx context.Context, key, endpoint string, wire model.Wire) error
		Disconnect(ctx context.Context, key, endpoint string) error
		Has(key, endpoint string) bool
	}

	Service struct {
		store  NameStore
		sw     Switch
		logger zerolog.Logger
	}

	Config struct {
		NameStore NameStore
		Switch    Switch
		Logger    *zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		store:  cfg.NameStore,
		sw:     cfg.Switch,
		logger: cfg.Logger.With().Str("component", "broker").Logger(),
	}
}

// OpenEndpoint claims name within key and returns the endpoint id, which is
// the claimed name. An empty name asks for an anonymous one. A name is
// taken while it is registered or while an endpoint that once held it is
// still connected.
func (svc *Service) OpenEndpoint(key, name string) (string, error) {
	if name != "" && svc.sw.Has(key, name) {
		return "", ErrNameTaken
	}
	id, err := svc.store.Claim(key, name)
	if err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return "", errors.Join(ErrNameTaken, err)
		}
		return "", errors.Join(ErrClaim, err)
	}
	svc.logger.Debug().
		Str("key", key).
		Str("endpoint", id).
		Msg("name claimed")
	return id, nil
}

// AttachEndpoint starts forwarding frames for an opened endpoint.
func (svc *Service) AttachEndpoint(ctx context.Context, key, id string, wire model.Wire) error {
	if err := svc.sw.Connect(ctx, key, id, wire); err != nil {
		_ = svc.store.Release(key, id)
		return errors.Join(ErrConnect, err)
	}
	svc.logger.Debug().
		Str("key", key).
		Str("endpoint", id).
		Msg("endpoint attached")
	return nil
}

// CloseEndpoint detaches the endpoint, closes its channels and releases its
// name if it still holds one.
func (svc *Service) CloseEndpoint(ctx context.Context, key, id string) error {
	if err := svc.sw.Disconnect(ctx, key, id); err != nil {
		return errors.Join(ErrClose, err)
	}
	if svc.store.Claimed(key, id) {
		_ = svc.store.Release(key, id)
	}
	svc.logger.Debug().
		Str("key", key).
		Str("endpoint", id).
		Msg("endpoint closed")
	return nil
}

func (svc *Service) ListNames(key string) []string {
	return svc.store.List(key)
}

func (svc *Service) NewID() string {
	return uuid.NewString()
}
