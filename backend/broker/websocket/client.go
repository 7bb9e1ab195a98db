// Package websocket is a broker.Service backed by the rendezvous broker
// server. Each registration is one websocket; channels are multiplexed
// over it and identified by uuid.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/peergroup/backend/broker"
	"github.com/adwski/peergroup/backend/mailbox"
	"github.com/adwski/peergroup/backend/model"
)

const (
	defaultNamespace = "default"

	defaultHandshakeTimeout     = 5 * time.Second
	defaultWriteDeadline        = 5 * time.Second
	defaultCloseWriteDeadline   = 2 * time.Second
	defaultReadTimeout          = 15 * time.Second
	defaultMaxMessageSize       = 64 * 1024
	defaultWebsocketBufferSizes = 10000
)

var (
	ErrBadURL      = errors.New("bad broker url")
	ErrBadOpen     = errors.New("broker did not confirm registration")
	ErrRemoteError = errors.New("broker reported an error")
	errConnClosed  = errors.New("connection is closed")
)

type Config struct {
	Logger *zerolog.Logger
	// URL of the broker websocket server, ws:// or wss://.
	URL       string
	Namespace string
}

type Service struct {
	logger    zerolog.Logger
	base      *url.URL
	namespace string
	dialer    *websocket.Dialer
}

func NewService(cfg Config) (*Service, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Join(ErrBadURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: scheme %q", ErrBadURL, u.Scheme)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Service{
		logger:    logger.With().Str("component", "broker-client").Logger(),
		base:      u,
		namespace: ns,
		dialer: &websocket.Dialer{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketBufferSizes,
			WriteBufferSize:  defaultWebsocketBufferSizes,
		},
	}, nil
}

func (s *Service) endpoint(name string) string {
	u := *s.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/broker/" + url.PathEscape(s.namespace)
	q := url.Values{}
	if name != "" {
		q.Set("name", name)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Service) Register(ctx context.Context, name string, ev broker.Events) (broker.Handle, error) {
	ws, resp, err := s.dialer.DialContext(ctx, s.endpoint(name), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, broker.NewError(broker.KindNameCollision, fmt.Errorf("%s: %w", name, err))
		}
		return nil, broker.NewError(broker.KindNetwork, err)
	}

	id, err := readOpen(ctx, ws)
	if err != nil {
		_ = ws.Close()
		return nil, broker.NewError(broker.KindProtocol, err)
	}

	h := &handle{
		id:      id,
		ws:      ws,
		ev:      ev,
		logger:  s.logger.With().Str("handle", id).Logger(),
		out:     mailbox.New[model.Frame](),
		events:  mailbox.New[func()](),
		done:    make(chan struct{}),
		conns:   make(map[string]*conn),
		pending: make(map[string]chan error),
	}
	go h.dispatch()
	go h.write()
	go h.read()

	h.logger.Debug().Str("name", name).Msg("registered")
	return h, nil
}

func readOpen(ctx context.Context, ws *websocket.Conn) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultHandshakeTimeout)
	}
	if err := ws.SetReadDeadline(deadline); err != nil {
		return "", err
	}
	var fr model.Frame
	if err := ws.ReadJSON(&fr); err != nil {
		return "", errors.Join(ErrBadOpen, err)
	}
	if fr.Type != model.FrameTypeOpen || fr.SRC == "" {
		return "", fmt.Errorf("%w: got %q frame", ErrBadOpen, fr.Type)
	}
	return fr.SRC, nil
}

// encodeMetadata makes metadata fit a JSON frame. Non-JSON metadata is
// sent as a JSON string.
func encodeMetadata(md []byte) json.RawMessage {
	if len(md) == 0 {
		return nil
	}
	if json.Valid(md) {
		return md
	}
	b, _ := json.Marshal(string(md))
	return b
}

func codeKind(code string) broker.ErrorKind {
	switch code {
	case model.FrameCodePeerUnavailable:
		return broker.KindPeerUnavailable
	case model.FrameCodeBadFrame:
		return broker.KindProtocol
	}
	return broker.KindUnknown
}
