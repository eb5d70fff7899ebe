package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/coachpo/tidemark/errs"
	"github.com/coachpo/tidemark/internal/observability"
)

// WSConfig configures a managed websocket stream.
type WSConfig struct {
	URL string
	// ControlRate throttles outbound control frames, venue limits permitting.
	ControlRate  rate.Limit
	ControlBurst int
	// MaxReconnectWait caps the exponential reconnect backoff.
	MaxReconnectWait time.Duration
	DialTimeout      time.Duration
}

func (c WSConfig) normalize() WSConfig {
	if c.ControlRate <= 0 {
		c.ControlRate = rate.Limit(4)
	}
	if c.ControlBurst <= 0 {
		c.ControlBurst = 1
	}
	if c.MaxReconnectWait <= 0 {
		c.MaxReconnectWait = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	return c
}

// WSStream is a websocket connection that reads frames into a handler and
// reconnects with exponential backoff when the peer drops.
type WSStream struct {
	cfg     WSConfig
	handler func([]byte) error
	// onReconnect fires after a successful re-dial so subscriptions and
	// order book state can be rebuilt.
	onReconnect func()
	limiter     *rate.Limiter
	log         observability.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.RWMutex
	conn *websocket.Conn

	done chan struct{}
}

// NewWSStream constructs a stream. handler receives every inbound frame;
// onReconnect may be nil.
func NewWSStream(cfg WSConfig, handler func([]byte) error, onReconnect func(), log observability.Logger) (*WSStream, error) {
	if cfg.URL == "" {
		return nil, errs.New("client/ws", errs.CodeInvalid, errs.WithMessage("websocket url required"))
	}
	if handler == nil {
		return nil, errs.New("client/ws", errs.CodeInvalid, errs.WithMessage("frame handler required"))
	}
	if log == nil {
		log = observability.Log()
	}
	cfg = cfg.normalize()
	s := new(WSStream)
	s.cfg = cfg
	s.handler = handler
	s.onReconnect = onReconnect
	s.limiter = rate.NewLimiter(cfg.ControlRate, cfg.ControlBurst)
	s.log = log
	s.done = make(chan struct{})
	return s, nil
}

// Start dials the stream and launches the read loop. It returns once the
// first connection is established.
func (s *WSStream) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.dial(); err != nil {
		s.cancel()
		return err
	}
	go s.readLoop()
	return nil
}

// Stop closes the connection and stops reconnecting.
func (s *WSStream) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.mu.Unlock()
	<-s.done
}

// SendJSON marshals and writes a control message, honoring the rate limit.
func (s *WSStream) SendJSON(ctx context.Context, payload any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return errs.New("client/ws", errs.CodeTimeout,
			errs.WithMessage("control rate limit wait"), errs.WithCause(err))
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.New("client/ws", errs.CodeInvalid,
			errs.WithMessage("marshal control message"), errs.WithCause(err))
	}
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errs.New("client/ws", errs.CodeNetwork, errs.WithMessage("stream not connected"))
	}
	if err := conn.Write(ctx, websocket.MessageText, raw); err != nil {
		return errs.New("client/ws", errs.CodeNetwork,
			errs.WithMessage("write control message"), errs.WithCause(err))
	}
	return nil
}

func (s *WSStream) dial() error {
	dialCtx, cancel := context.WithTimeout(s.ctx, s.cfg.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return errs.New("client/ws", errs.CodeNetwork,
			errs.WithMessage("websocket dial"), errs.WithCause(err),
			errs.WithField("url", s.cfg.URL))
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	return nil
}

func (s *WSStream) redial() error {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = s.cfg.MaxReconnectWait
	_, err := backoff.Retry(s.ctx, func() (struct{}, error) {
		return struct{}{}, s.dial()
	}, backoff.WithBackOff(policy))
	return err
}

func (s *WSStream) readLoop() {
	defer close(s.done)
	for {
		s.mu.RLock()
		conn := s.conn
		s.mu.RUnlock()
		if conn == nil {
			return
		}

		_, frame, err := conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			s.log.Warn("websocket read failed, reconnecting",
				observability.F("url", s.cfg.URL),
				observability.F("error", err))
			if err := s.redial(); err != nil {
				if s.ctx.Err() == nil {
					s.log.Error("websocket reconnect abandoned",
						observability.F("url", s.cfg.URL),
						observability.F("error", err))
				}
				return
			}
			if s.onReconnect != nil {
				s.onReconnect()
			}
			continue
		}
		if err := s.handler(frame); err != nil {
			s.log.Warn("frame handler failed",
				observability.F("url", s.cfg.URL),
				observability.F("error", err))
		}
	}
}
