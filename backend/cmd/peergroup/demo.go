package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/group"
	"github.com/adwski/peergroup/backend/model"
)

const demoStartTimeout = 5 * time.Second

// startDemoHost hosts groupName on svc with a bot that greets newcomers and
// echoes private messages back to their sender.
func startDemoHost(svc broker.Service, groupName string, logger *zerolog.Logger) (*group.Session, error) {
	botLogger := logger.With().Str("participant", "demo-bot").Logger()

	var (
		bot   *group.Session
		ready = make(chan struct{})
		once  sync.Once
	)
	hooks := group.Hooks{
		OnJoinedGroup: func(map[model.ParticipantID]model.Bio) {
			once.Do(func() { close(ready) })
		},
		OnPeerJoined: func(id model.ParticipantID, _ model.Bio) {
			if err := bot.SendTo(id, fmt.Sprintf("welcome to %s, you are #%d", groupName, id)); err != nil {
				botLogger.Warn().Err(err).Msg("failed to greet")
			}
		},
		OnReceive: func(env model.Envelope) {
			if env.ID == model.HostID {
				return
			}
			if _, private := env.Target(); !private {
				return
			}
			if err := bot.SendTo(env.ID, env.Data); err != nil {
				botLogger.Warn().Err(err).Msg("failed to echo")
			}
		},
	}

	bot, err := group.New(group.Config{
		Logger:  &botLogger,
		Service: svc,
		Hooks:   hooks,
		Group:   groupName,
		Bio:     encodeBio("demo-bot"),
	})
	if err != nil {
		return nil, err
	}
	if err = bot.Connect(false); err != nil {
		_ = bot.Close()
		return nil, err
	}
	// the user must not win the group name
	select {
	case <-ready:
	case <-time.After(demoStartTimeout):
		_ = bot.Close()
		return nil, errors.New("demo host did not come up")
	}
	if !bot.IsHost() {
		_ = bot.Close()
		return nil, errors.New("demo host lost the group name")
	}
	return bot, nil
}
