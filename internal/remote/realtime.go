package remote

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// changeMessage is one frame on the change feed. The server emits
// "change" when another device commits writes for the subscribed user,
// and "ping" keepalives which are ignored.
type changeMessage struct {
	Type  string `json:"type"`
	Table string `json:"table,omitempty"`
}

// subscribeMessage is the first frame the client sends after dialing.
type subscribeMessage struct {
	Action string `json:"action"`
	UserID string `json:"user_id"`
}

// Listener consumes the remote change feed over a websocket and invokes
// a callback for every change notification. It reconnects with backoff
// until its context is cancelled; the feed is best-effort — a missed
// notification only delays sync until the next periodic tick.
type Listener struct {
	url        string
	token      TokenFunc
	logger     *log.Logger
	backoffMin time.Duration
	backoffMax time.Duration
}

// NewListener creates a change feed listener for the given websocket URL.
func NewListener(wsURL string, token TokenFunc, logger *log.Logger) *Listener {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Listener{
		url:        wsURL,
		token:      token,
		logger:     logger,
		backoffMin: time.Second,
		backoffMax: time.Minute,
	}
}

// Run blocks consuming the feed until ctx is cancelled. notify is called
// once per change message, on the listener goroutine.
func (l *Listener) Run(ctx context.Context, userID string, notify func()) error {
	backoff := l.backoffMin

	for {
		connectedAt := time.Now()
		err := l.listen(ctx, userID, notify)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A connection that held for a while earns a fresh backoff.
		if time.Since(connectedAt) > l.backoffMax {
			backoff = l.backoffMin
		}
		l.logger.Printf("Change feed disconnected: %v (reconnecting in %v)", err, backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > l.backoffMax {
			backoff = l.backoffMax
		}
	}
}

// listen runs one connection: dial, subscribe, then read until error.
func (l *Listener) listen(ctx context.Context, userID string, notify func()) error {
	opts := &websocket.DialOptions{}
	if l.token != nil {
		tok, err := l.token(ctx)
		if err != nil {
			return err
		}
		opts.HTTPHeader = map[string][]string{"Authorization": {"Bearer " + tok}}
	}

	conn, _, err := websocket.Dial(ctx, l.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "listener stopped")

	if err := wsjson.Write(ctx, conn, subscribeMessage{Action: "subscribe", UserID: userID}); err != nil {
		return err
	}
	l.logger.Printf("Subscribed to change feed for %s", userID)

	for {
		var msg changeMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			return err
		}
		if msg.Type == "change" {
			l.logger.Printf("Remote change notification (table=%s)", msg.Table)
			notify()
		}
	}
}
