// Package stream consumes the venue's push channel and turns raw frames into
// tracker updates.
package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Source delivers raw push frames. The message channel closes when the
// underlying connection dies; errors are reported best-effort on the second
// channel and never block.
type Source interface {
	Messages(ctx context.Context) (<-chan []byte, <-chan error)
}

// WSSource reads frames from a websocket endpoint with a ping keepalive and
// a read deadline derived from it.
type WSSource struct {
	url       string
	keepalive time.Duration
	log       zerolog.Logger
}

func NewWSSource(url string, keepalive time.Duration, log zerolog.Logger) *WSSource {
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	return &WSSource{url: url, keepalive: keepalive, log: log}
}

func (s *WSSource) Messages(ctx context.Context) (<-chan []byte, <-chan error) {
	msgs := make(chan []byte)
	errCh := make(chan error, 4)
	reportErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
		default:
		}
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		reportErr(err)
		close(msgs)
		return msgs, errCh
	}

	readTimeout := s.keepalive * 3
	if readTimeout < 30*time.Second {
		readTimeout = 30 * time.Second
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(msgs)
		defer conn.Close()
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, data, err := conn.ReadMessage()
			if err != nil {
				reportErr(err)
				return
			}
			if len(data) == 0 {
				continue
			}
			select {
			case msgs <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					reportErr(err)
					_ = conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	return msgs, errCh
}
