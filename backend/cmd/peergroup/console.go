package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/group"
	"github.com/adwski/peergroup/backend/model"
)

type cmdKind int

const (
	cmdNone cmdKind = iota
	cmdBroadcast
	cmdPrivate
	cmdKick
	cmdWho
	cmdDump
	cmdQuit
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArgs        = errors.New("bad command arguments")
)

type command struct {
	text string
	kind cmdKind
	to   model.ParticipantID
}

func parseID(s string) (model.ParticipantID, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad id %q", ErrBadArgs, s)
	}
	return model.ParticipantID(n), nil
}

// parseCommand turns an input line into a command. Lines not starting with
// a slash are broadcast as is.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return command{kind: cmdNone}, nil
	}
	if !strings.HasPrefix(line, "/") {
		return command{kind: cmdBroadcast, text: line}, nil
	}

	fields := strings.SplitN(line, " ", 3)
	switch fields[0] {
	case "/to":
		if len(fields) < 3 || strings.TrimSpace(fields[2]) == "" {
			return command{}, fmt.Errorf("%w: usage /to <id> <text>", ErrBadArgs)
		}
		id, err := parseID(fields[1])
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdPrivate, to: id, text: strings.TrimSpace(fields[2])}, nil
	case "/kick":
		if len(fields) != 2 {
			return command{}, fmt.Errorf("%w: usage /kick <id>", ErrBadArgs)
		}
		id, err := parseID(fields[1])
		if err != nil {
			return command{}, err
		}
		return command{kind: cmdKick, to: id}, nil
	case "/who":
		return command{kind: cmdWho}, nil
	case "/dump":
		return command{kind: cmdDump}, nil
	case "/quit":
		return command{kind: cmdQuit}, nil
	}
	return command{}, fmt.Errorf("%w: %s", ErrUnknownCommand, fields[0])
}

// session is what the console drives.
type session interface {
	Send(data any) error
	SendTo(id model.ParticipantID, data any) error
	Evict(id model.ParticipantID) error
	ID() (model.ParticipantID, bool)
	State() model.SessionState
	Roster() []model.Member
}

type console struct {
	s      session
	logger zerolog.Logger

	mx  sync.Mutex
	out io.Writer
}

func newConsole(out io.Writer, logger *zerolog.Logger) *console {
	return &console{
		out:    out,
		logger: logger.With().Str("component", "console").Logger(),
	}
}

func (c *console) printf(format string, args ...any) {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, _ = fmt.Fprintf(c.out, format+"\n", args...)
}

// exec runs cmd and reports whether the console should stop.
func (c *console) exec(cmd command) (bool, error) {
	switch cmd.kind {
	case cmdBroadcast:
		return false, c.s.Send(cmd.text)
	case cmdPrivate:
		return false, c.s.SendTo(cmd.to, cmd.text)
	case cmdKick:
		return false, c.s.Evict(cmd.to)
	case cmdWho:
		c.who()
	case cmdDump:
		c.printf("state: %s\n%s", c.s.State(), spew.Sdump(c.s.Roster()))
	case cmdQuit:
		return true, nil
	}
	return false, nil
}

func (c *console) who() {
	self, live := c.s.ID()
	c.printf("state %s, you are #%d", c.s.State(), self)
	if !live {
		return
	}
	for _, m := range c.s.Roster() {
		if !m.Live {
			continue
		}
		marker := ""
		if m.ID == self {
			marker = " (you)"
		}
		if m.ID == model.HostID {
			marker += " (host)"
		}
		c.printf("  #%d %s%s", m.ID, formatBio(m.Bio), marker)
	}
}

func (c *console) hooks() group.Hooks {
	return group.Hooks{
		OnJoinedGroup: func(roster map[model.ParticipantID]model.Bio) {
			id, _ := c.s.ID()
			c.printf("* joined as #%d, %d other member(s) online", id, len(roster))
		},
		OnLeftGroup: func() {
			c.printf("* left the group")
		},
		OnPeerJoined: func(id model.ParticipantID, bio model.Bio) {
			c.printf("* #%d %s joined", id, formatBio(bio))
		},
		OnPeerLeft: func(id model.ParticipantID) {
			c.printf("* #%d left", id)
		},
		OnReceive: func(env model.Envelope) {
			c.logger.Trace().Str("envelope", spew.Sdump(env)).Msg("received")
			if _, private := env.Target(); private {
				c.printf("[#%d -> you] %s", env.ID, formatData(env.Data))
				return
			}
			c.printf("[#%d] %s", env.ID, formatData(env.Data))
		},
		OnError: func(err error) {
			c.printf("! %v", err)
		},
		OnStateChange: func(state model.SessionState) {
			c.logger.Debug().Stringer("state", state).Msg("session state")
		},
	}
}

// encodeBio accepts JSON as is and wraps anything else as a JSON string.
func encodeBio(s string) model.Bio {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return model.Bio(s)
	}
	b, _ := json.Marshal(s)
	return b
}

func formatBio(b model.Bio) string {
	if len(b) == 0 {
		return "(anonymous)"
	}
	return formatData(json.RawMessage(b))
}

func formatData(d json.RawMessage) string {
	var s string
	if err := json.Unmarshal(d, &s); err == nil {
		return s
	}
	return string(d)
}
