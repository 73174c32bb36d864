package client

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/covenantlabs/covenant-go/pkg/sidekick"
)

const sessionWriteTimeout = 10 * time.Second

/*
SessionHandlers receives broker traffic. Any handler may be nil; frames
without a handler are dropped. Handlers run on the session's read
goroutine, so they must not block.
*/
type SessionHandlers struct {
	OnUpdated func(resource string)
	OnMessage func(channel string, params map[string]string, data any)
	OnError   func(frame sidekick.ErrorFrame)
}

/*
Session is one live WebSocket to a broker. Writes are serialized behind a
mutex; the read loop dispatches frames to the handlers until the socket
closes.
*/
type Session struct {
	conn     *websocket.Conn
	handlers SessionHandlers

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

// Dial opens a broker session at url (ws:// or wss://) and starts the
// read loop.
func Dial(url string, handlers SessionHandlers) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("sidekick dial: %w", err)
	}

	sess := &Session{
		conn:     conn,
		handlers: handlers,
		done:     make(chan struct{}),
	}

	conn.SetPingHandler(func(payload string) error {
		sess.writeMu.Lock()
		defer sess.writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
		return conn.WriteMessage(websocket.PongMessage, []byte(payload))
	})

	go sess.readLoop()

	return sess, nil
}

// Done closes when the session has ended, from either side.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close tears the session down. Safe to call more than once.
func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		err = s.conn.Close()
	})
	return err
}

// Listen asks for updated-events on the resources.
func (s *Session) Listen(resources []string) error {
	return s.send(sidekick.Listen{Resources: resources})
}

// Unlisten stops updated-events on the resources.
func (s *Session) Unlisten(resources []string) error {
	return s.send(sidekick.Unlisten{Resources: resources})
}

// Subscribe joins the channel topic behind token. The broker acknowledges
// before any topic traffic arrives on this session.
func (s *Session) Subscribe(token string) error {
	return s.send(sidekick.Subscribe{Token: token})
}

// Unsubscribe leaves the channel topic behind token.
func (s *Session) Unsubscribe(token string) error {
	return s.send(sidekick.Unsubscribe{Token: token})
}

// Send delegates a client message into the channel behind token. The
// channel and params must match the ones the token was minted for.
func (s *Session) Send(token, channel string, params map[string]string, data any) error {
	return s.send(sidekick.Send{Token: token, Channel: channel, Params: params, Data: data})
}

func (s *Session) send(frame sidekick.Inbound) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(sessionWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(sidekick.EncodeInbound(frame)))
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer s.Close()

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}

		frame, err := sidekick.ParseOutbound(string(data))
		if err != nil {
			log.Error("unreadable broker frame", "error", err)
			continue
		}

		switch f := frame.(type) {
		case sidekick.Updated:
			if s.handlers.OnUpdated != nil {
				s.handlers.OnUpdated(f.Resource)
			}
		case sidekick.Message:
			if s.handlers.OnMessage != nil {
				s.handlers.OnMessage(f.Channel, f.Params, f.Data)
			}
		case sidekick.ErrorFrame:
			if s.handlers.OnError != nil {
				s.handlers.OnError(f)
			}
		default:
			// Acks carry no payload the client core needs.
		}
	}
}
