package sidekick

import (
	"time"

	"github.com/google/uuid"
)

/*
Session is one live client connection to the broker: an id, the set of
joined topics, and a bounded outbound queue drained by the transport.
Sessions are created on connect and destroyed on disconnect, error, or
queue overflow; the broker's mutex guards all of their mutable state.
*/
type Session struct {
	ID string

	out     chan string
	topics  map[string]struct{}
	dropped bool
}

func newSession(queueSize int) *Session {
	return &Session{
		ID:     uuid.NewString(),
		out:    make(chan string, queueSize),
		topics: make(map[string]struct{}),
	}
}

/*
Frames is the outbound queue. The transport owns the receiving side: it
writes every frame to the client in order and treats channel close as the
end of the session.
*/
func (sess *Session) Frames() <-chan string {
	return sess.out
}

// finalError tries to deliver one last frame before the queue closes. Best
// effort only: a full queue that stays full loses the frame.
func (sess *Session) finalError(frame string) {
	go func() {
		select {
		case sess.out <- frame:
		case <-time.After(100 * time.Millisecond):
		}
		close(sess.out)
	}()
}
