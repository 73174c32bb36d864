package sidekick

import (
	"context"
	"fmt"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/covenantlabs/covenant-go/pkg/errors"
)

// nextFrame pops one decoded frame off the session queue, failing the
// assertion chain if none arrives.
func nextFrame(sess *Session) Outbound {
	select {
	case text, ok := <-sess.Frames():
		if !ok {
			return nil
		}
		frame, err := ParseOutbound(text)
		So(err, ShouldBeNil)
		return frame
	case <-time.After(time.Second):
		So("timed out waiting for frame", ShouldBeEmpty)
		return nil
	}
}

func noFrame(sess *Session) bool {
	select {
	case <-sess.Frames():
		return false
	default:
		return true
	}
}

func sendFrame(b *Broker, sess *Session, frame Inbound) {
	b.HandleFrame(context.Background(), sess, EncodeInbound(frame))
}

func TestResourceTopics(t *testing.T) {
	Convey("Given a broker with two sessions", t, func() {
		broker := NewBroker()
		listener := broker.OpenSession()
		bystander := broker.OpenSession()

		Convey("When one session listens to a resource", func() {
			sendFrame(broker, listener, Listen{Resources: []string{"/data/test-key"}})

			ack := nextFrame(listener)
			So(ack, ShouldHaveSameTypeAs, Listening{})

			Convey("An update should reach the listener only", func() {
				So(broker.UpdateResources(context.Background(),
					[]string{"/data/test-key"}), ShouldBeNil)

				frame := nextFrame(listener)
				So(frame, ShouldHaveSameTypeAs, Updated{})
				So(frame.(Updated).Resource, ShouldEqual, "/data/test-key")

				So(noFrame(bystander), ShouldBeTrue)
			})

			Convey("After unlistening no more updates should arrive", func() {
				sendFrame(broker, listener, Unlisten{Resources: []string{"/data/test-key"}})
				So(nextFrame(listener), ShouldHaveSameTypeAs, Unlistening{})

				So(broker.UpdateResources(context.Background(),
					[]string{"/data/test-key"}), ShouldBeNil)

				So(noFrame(listener), ShouldBeTrue)
			})

			Convey("Updates to other resources should not leak over", func() {
				So(broker.UpdateResources(context.Background(),
					[]string{"/data/other-key"}), ShouldBeNil)

				So(noFrame(listener), ShouldBeTrue)
			})
		})
	})
}

func TestChannelTopics(t *testing.T) {
	Convey("Given a broker with registered connections", t, func() {
		broker := NewBroker()
		ctx := context.Background()

		roomA := map[string]string{"chatChannel": "room-A"}
		roomB := map[string]string{"chatChannel": "room-B"}

		So(broker.AddConnection(ctx, "token-a1", "chatroom", roomA, map[string]any{"senderId": "a1"}), ShouldBeNil)
		So(broker.AddConnection(ctx, "token-a2", "chatroom", roomA, map[string]any{"senderId": "a2"}), ShouldBeNil)
		So(broker.AddConnection(ctx, "token-b1", "chatroom", roomB, map[string]any{"senderId": "b1"}), ShouldBeNil)

		alice := broker.OpenSession()
		anna := broker.OpenSession()
		bob := broker.OpenSession()

		sendFrame(broker, alice, Subscribe{Token: "token-a1"})
		sendFrame(broker, anna, Subscribe{Token: "token-a2"})
		sendFrame(broker, bob, Subscribe{Token: "token-b1"})

		Convey("Each subscriber should be acked before any traffic", func() {
			for _, sess := range []*Session{alice, anna, bob} {
				ack := nextFrame(sess)
				So(ack, ShouldHaveSameTypeAs, Subscribed{})
			}

			Convey("A broadcast should reach the matching room only", func() {
				data := map[string]any{"senderId": "a1", "text": "hi"}
				So(broker.PostServerMessage(ctx, "chatroom", roomA, data), ShouldBeNil)

				for _, sess := range []*Session{alice, anna} {
					frame := nextFrame(sess)
					So(frame, ShouldHaveSameTypeAs, Message{})
					So(frame.(Message).Params, ShouldResemble, roomA)
				}

				So(noFrame(bob), ShouldBeTrue)
			})

			Convey("After unsubscribing a session stops receiving", func() {
				sendFrame(broker, anna, Unsubscribe{Token: "token-a2"})
				So(nextFrame(anna), ShouldHaveSameTypeAs, Unsubscribed{})

				data := map[string]any{"senderId": "a1", "text": "again"}
				So(broker.PostServerMessage(ctx, "chatroom", roomA, data), ShouldBeNil)

				So(nextFrame(alice), ShouldHaveSameTypeAs, Message{})
				So(noFrame(anna), ShouldBeTrue)
			})

			Convey("Frames on one topic should arrive in publish order", func() {
				for i := 0; i < 10; i++ {
					data := map[string]any{"senderId": "a1", "text": fmt.Sprintf("m%d", i)}
					So(broker.PostServerMessage(ctx, "chatroom", roomA, data), ShouldBeNil)
				}

				for i := 0; i < 10; i++ {
					frame := nextFrame(alice)
					msg := frame.(Message)
					text := msg.Data.(map[string]any)["text"]
					So(text, ShouldEqual, fmt.Sprintf("m%d", i))
				}
			})
		})

		Convey("Subscribing with an unknown token should error the session", func() {
			stranger := broker.OpenSession()
			sendFrame(broker, stranger, Subscribe{Token: "bogus"})

			frame := nextFrame(stranger)
			So(frame, ShouldHaveSameTypeAs, ErrorFrame{})
			So(frame.(ErrorFrame).Fault, ShouldEqual, errors.FaultSidekick)
		})
	})
}

func TestSendDelegation(t *testing.T) {
	Convey("Given a broker with a server callback", t, func() {
		broker := NewBroker()
		ctx := context.Background()

		roomA := map[string]string{"chatChannel": "room-A"}
		connContext := map[string]any{"senderId": "a1"}
		So(broker.AddConnection(ctx, "token-a1", "chatroom", roomA, connContext), ShouldBeNil)

		type delivery struct {
			channel string
			params  map[string]string
			data    any
			context any
		}
		var deliveries []delivery

		broker.SetServerCallback(func(ctx context.Context, channel string, params map[string]string, data any, connContext any) error {
			deliveries = append(deliveries, delivery{channel, params, data, connContext})
			return nil
		})

		sess := broker.OpenSession()

		Convey("A send matching the token should reach the callback", func() {
			sendFrame(broker, sess, Send{
				Token:   "token-a1",
				Channel: "chatroom",
				Params:  roomA,
				Data:    map[string]any{"text": "hi"},
			})

			So(deliveries, ShouldHaveLength, 1)
			So(deliveries[0].channel, ShouldEqual, "chatroom")
			So(deliveries[0].context, ShouldResemble, connContext)
			So(noFrame(sess), ShouldBeTrue)
		})

		Convey("A send with mismatched params should be refused as a client fault", func() {
			sendFrame(broker, sess, Send{
				Token:   "token-a1",
				Channel: "chatroom",
				Params:  map[string]string{"chatChannel": "room-B"},
				Data:    map[string]any{"text": "hi"},
			})

			So(deliveries, ShouldBeEmpty)
			frame := nextFrame(sess)
			So(frame, ShouldHaveSameTypeAs, ErrorFrame{})
			So(frame.(ErrorFrame).Fault, ShouldEqual, errors.FaultClient)
		})

		Convey("A send with an unknown token should be a sidekick fault", func() {
			sendFrame(broker, sess, Send{
				Token:   "bogus",
				Channel: "chatroom",
				Params:  roomA,
			})

			frame := nextFrame(sess)
			So(frame.(ErrorFrame).Fault, ShouldEqual, errors.FaultSidekick)
		})

		Convey("A callback error should reach the sender only", func() {
			broker.SetServerCallback(func(ctx context.Context, channel string, params map[string]string, data any, connContext any) error {
				return errors.NewChannelError(channel, params, errors.FaultServer, "handler exploded")
			})

			sendFrame(broker, sess, Send{
				Token:   "token-a1",
				Channel: "chatroom",
				Params:  roomA,
				Data:    map[string]any{"text": "hi"},
			})

			frame := nextFrame(sess)
			So(frame.(ErrorFrame).Fault, ShouldEqual, errors.FaultServer)
			So(frame.(ErrorFrame).Message, ShouldEqual, "handler exploded")
		})
	})
}

func TestConnectionLifecycle(t *testing.T) {
	Convey("Given a broker", t, func() {
		broker := NewBroker()
		ctx := context.Background()

		params := map[string]string{"chatChannel": "room-A"}

		Convey("Re-adding an identical connection should be idempotent", func() {
			So(broker.AddConnection(ctx, "t1", "chatroom", params, "c"), ShouldBeNil)
			So(broker.AddConnection(ctx, "t1", "chatroom", params, "c"), ShouldBeNil)
		})

		Convey("Rebinding a token differently should be refused", func() {
			So(broker.AddConnection(ctx, "t1", "chatroom", params, "c"), ShouldBeNil)
			So(broker.AddConnection(ctx, "t1", "other", params, "c"), ShouldNotBeNil)
		})

		Convey("A removed token should stop resolving", func() {
			So(broker.AddConnection(ctx, "t1", "chatroom", params, "c"), ShouldBeNil)
			broker.RemoveConnection(ctx, "t1")

			sess := broker.OpenSession()
			sendFrame(broker, sess, Subscribe{Token: "t1"})

			frame := nextFrame(sess)
			So(frame, ShouldHaveSameTypeAs, ErrorFrame{})
		})
	})
}

func TestSlowConsumer(t *testing.T) {
	Convey("Given a broker with a tiny queue bound", t, func() {
		broker := NewBroker(WithQueueHighWater(2))
		ctx := context.Background()

		sess := broker.OpenSession()
		sendFrame(broker, sess, Listen{Resources: []string{"/hot"}})

		// The ack occupies one slot; nobody is draining the queue.
		Convey("When publishes outrun the consumer", func() {
			for i := 0; i < 5; i++ {
				So(broker.UpdateResources(ctx, []string{"/hot"}), ShouldBeNil)
			}

			Convey("The session should be dropped with a final error frame", func() {
				var last Outbound
				for {
					text, ok := <-sess.Frames()
					if !ok {
						break
					}
					frame, err := ParseOutbound(text)
					So(err, ShouldBeNil)
					last = frame
				}

				So(last, ShouldHaveSameTypeAs, ErrorFrame{})
				So(last.(ErrorFrame).Fault, ShouldEqual, errors.FaultSidekick)

				Convey("And further publishes should not reach it", func() {
					So(broker.UpdateResources(ctx, []string{"/hot"}), ShouldBeNil)
				})
			})
		})
	})
}

func TestMalformedFrames(t *testing.T) {
	Convey("Given an open session", t, func() {
		broker := NewBroker()
		sess := broker.OpenSession()
		ctx := context.Background()

		Convey("Unparseable text should error the offending session only", func() {
			broker.HandleFrame(ctx, sess, "not even close")

			frame := nextFrame(sess)
			So(frame, ShouldHaveSameTypeAs, ErrorFrame{})
			So(frame.(ErrorFrame).Fault, ShouldEqual, errors.FaultClient)
		})

		Convey("A frame with an unknown type tag should be refused", func() {
			broker.HandleFrame(ctx, sess, `{"type":"teleport"}`)

			frame := nextFrame(sess)
			So(frame, ShouldHaveSameTypeAs, ErrorFrame{})
		})

		Convey("A subscribe frame without a token should be refused", func() {
			broker.HandleFrame(ctx, sess, `{"type":"subscribe"}`)

			frame := nextFrame(sess)
			So(frame, ShouldHaveSameTypeAs, ErrorFrame{})
		})
	})
}

func TestCloseSession(t *testing.T) {
	Convey("Given an open session on a topic", t, func() {
		broker := NewBroker()
		sess := broker.OpenSession()

		sendFrame(broker, sess, Listen{Resources: []string{"/r"}})
		So(nextFrame(sess), ShouldHaveSameTypeAs, Listening{})

		Convey("Closing it should close the frame channel", func() {
			broker.CloseSession(sess)

			_, ok := <-sess.Frames()
			So(ok, ShouldBeFalse)

			Convey("And closing again should be safe", func() {
				broker.CloseSession(sess)
			})
		})
	})
}
