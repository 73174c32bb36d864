package auth

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestGuard(t *testing.T) {
	Convey("Given a guard over a shared secret", t, func() {
		guard := NewGuard("test-secret", time.Second)

		var slept []time.Duration
		guard.sleep = func(d time.Duration) { slept = append(slept, d) }

		Convey("A minted token should authorize", func() {
			token, err := guard.MintToken("covenant-server", time.Minute)

			So(err, ShouldBeNil)
			So(guard.Authorize("Bearer "+token), ShouldBeNil)
			So(slept, ShouldBeEmpty)
		})

		Convey("A missing credential should fail after the stall", func() {
			So(guard.Authorize(""), ShouldNotBeNil)
			So(slept, ShouldResemble, []time.Duration{time.Second})
		})

		Convey("A garbage token should fail", func() {
			So(guard.Authorize("Bearer not.a.token"), ShouldNotBeNil)
			So(slept, ShouldHaveLength, 1)
		})

		Convey("A token minted with a different secret should fail", func() {
			other := NewGuard("other-secret", time.Second)
			token, err := other.MintToken("covenant-server", time.Minute)

			So(err, ShouldBeNil)
			So(guard.Authorize("Bearer "+token), ShouldNotBeNil)
		})

		Convey("An expired token should fail", func() {
			token, err := guard.MintToken("covenant-server", -time.Minute)

			So(err, ShouldBeNil)
			So(guard.Authorize("Bearer "+token), ShouldNotBeNil)
		})

		Convey("The bearer prefix should be case-insensitive", func() {
			token, err := guard.MintToken("covenant-server", time.Minute)

			So(err, ShouldBeNil)
			So(guard.Authorize("bearer "+token), ShouldBeNil)
		})
	})
}
