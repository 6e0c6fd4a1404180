package speech

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the part of a websocket connection the recognizer uses.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type Dialer func(ctx context.Context, url string, header http.Header) (Conn, error)

// WebsocketDialer dials with gorilla/websocket.
func WebsocketDialer(handshakeTimeout time.Duration) Dialer {
	d := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, _, err := d.DialContext(ctx, url, header)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

type Config struct {
	APIKey   string
	URL      string
	Model    string
	Language string
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = "wss://api.deepgram.com/v1/listen"
	}
	if c.Model == "" {
		c.Model = "nova-2"
	}
	if c.Language == "" {
		c.Language = "ru"
	}
	return c
}
