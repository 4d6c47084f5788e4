package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"binance-userstream-supervisor/internal/metrics"
	"binance-userstream-supervisor/pkg/logger"
)

// Frame classification for payloads that carry no usable "e" field.
const (
	// TypeUnknown marks valid JSON without an event discriminator.
	TypeUnknown = "unknown"
	// TypeMalformed marks payloads that are not valid JSON at all.
	TypeMalformed = "malformed"
)

// RawFrame carries one frame from the user data stream and its event
// type (the "e" field, or one of the classification constants above).
type RawFrame struct {
	Data []byte
	Type string
}

// WSConfig holds the user-data-stream WebSocket configuration.
type WSConfig struct {
	URL         string        `mapstructure:"url"` // e.g. "wss://stream.binance.com:9443/ws"
	BufferSize  int           `mapstructure:"buffer_size"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// ApplyDefaults fills unset values.
func (c *WSConfig) ApplyDefaults() {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
}

// Validate checks required fields.
func (c *WSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("binance: ws url is required")
	}
	return nil
}

// WSDialer opens one user data stream per listen key. Unlike a market
// stream there is no resubscribe protocol: the stream exists as long as
// the listen key is valid, so the dialer performs no reconnects of its
// own: closure of the returned channel is the signal the session
// supervisor acts on.
type WSDialer struct {
	cfg WSConfig
	log *logger.Logger
}

// NewWSDialer builds a dialer for user data streams.
func NewWSDialer(cfg WSConfig, log *logger.Logger) (*WSDialer, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &WSDialer{cfg: cfg, log: log.Named("binance-ws")}, nil
}

// Stream dials the user data stream for listenKey and returns a frame
// channel. The channel is closed when the socket closes for any reason
// or ctx is cancelled.
func (d *WSDialer) Stream(ctx context.Context, listenKey string) (<-chan RawFrame, error) {
	endpoint := strings.TrimRight(d.cfg.URL, "/") + "/" + listenKey
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("dial user stream: %w", err)}
	}

	ch := make(chan RawFrame, d.cfg.BufferSize)
	go d.run(ctx, conn, ch)
	return ch, nil
}

func (d *WSDialer) run(ctx context.Context, conn *websocket.Conn, ch chan<- RawFrame) {
	defer close(ch)
	defer conn.Close()

	connCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()

	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.cfg.ReadTimeout))
	})

	// ping loop keeps the read deadline honest
	go func() {
		ticker := time.NewTicker(d.cfg.ReadTimeout / 3)
		defer ticker.Stop()
		for {
			select {
			case <-connCtx.Done():
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					d.log.Warn("ws: ping failed", zap.Error(err))
				}
			}
		}
	}()

	// unblock ReadMessage on ctx cancellation
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				d.log.Warn("ws: read error, stream closed", zap.Error(err))
			}
			return
		}
		metrics.FramesTotal.Inc()

		msgType := TypeUnknown
		var meta struct {
			Event string `json:"e"`
		}
		if uErr := json.Unmarshal(data, &meta); uErr != nil {
			msgType = TypeMalformed
		} else if meta.Event != "" {
			msgType = meta.Event
		}

		select {
		case ch <- RawFrame{Data: data, Type: msgType}:
		default:
			metrics.BufferDrops.Inc()
			d.log.Warn("ws: buffer full, dropping frame", zap.String("type", msgType))
		}
	}
}
