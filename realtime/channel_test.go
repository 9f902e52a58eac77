package realtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects every event a channel raises.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(ch *Channel) *recorder {
	var r = &recorder{}
	ch.Subscribe(func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	return r
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) states() []ConnectionState {
	var states []ConnectionState
	for _, ev := range r.all() {
		if changed, ok := ev.(StateChanged); ok {
			states = append(states, changed.To)
		}
	}
	return states
}

func (r *recorder) connectionErrors() []ConnectionError {
	var errs []ConnectionError
	for _, ev := range r.all() {
		if ce, ok := ev.(ConnectionError); ok {
			errs = append(errs, ce)
		}
	}
	return errs
}

func (r *recorder) count(name string) int {
	var n int
	for _, ev := range r.all() {
		if ev.EventName() == name {
			n++
		}
	}
	return n
}

func TestChannel(t *testing.T) {
	const hubURL = "memory://hub"

	var (
		fastPolicy = ReconnectPolicy{MaxAttempts: 3, Unit: time.Millisecond, Cap: 4 * time.Millisecond, Jitter: 0.25}
		newChannel = func(hub *MemoryHub, clientID string, opts ...Option) *Channel {
			var all = append([]Option{
				WithClientID(clientID),
				WithReconnectPolicy(fastPolicy),
				WithHealthCheck(time.Hour, time.Second),
			}, opts...)
			return NewChannel(hub, all...)
		}
		connect = func(t *testing.T, ch *Channel) {
			require.NoError(t, ch.Connect(context.Background(), hubURL))
			t.Cleanup(ch.Disconnect)
		}
	)

	t.Run("should reject a missing hub url", func(t *testing.T) {
		// Arrange
		var (
			sut    = newChannel(NewMemoryHub(), "A")
			events = record(sut)
		)

		// Act
		err := sut.Connect(context.Background(), "")

		// Assert
		assert.ErrorIs(t, err, ErrMissingHubURL)
		require.Len(t, events.connectionErrors(), 1)
		assert.ErrorIs(t, events.connectionErrors()[0].Err, ErrMissingHubURL)
		assert.Equal(t, Disconnected, sut.State())
	})

	t.Run("should reject a malformed hub url", func(t *testing.T) {
		var sut = newChannel(NewMemoryHub(), "A")

		for _, raw := range []string{"not a url", "hub-without-scheme", "tcp://", "://broken"} {
			err := sut.Connect(context.Background(), raw)
			assert.ErrorIs(t, err, ErrInvalidHubURL, raw)
		}
		assert.Equal(t, Disconnected, sut.State())
	})

	t.Run("should report a dial failure as a connection error", func(t *testing.T) {
		// Arrange
		var (
			hub    = NewMemoryHub()
			sut    = newChannel(hub, "A")
			events = record(sut)
		)
		hub.SetDown(true)

		// Act
		err := sut.Connect(context.Background(), hubURL)

		// Assert
		assert.ErrorIs(t, err, ErrConnect)
		assert.ErrorIs(t, err, ErrHubUnavailable)
		assert.Equal(t, []ConnectionState{Connecting, Disconnected}, events.states())
		assert.Len(t, events.connectionErrors(), 1)
	})

	t.Run("should walk the connect and disconnect states", func(t *testing.T) {
		// Arrange
		var (
			hub    = NewMemoryHub()
			sut    = newChannel(hub, "A")
			events = record(sut)
		)

		// Act
		require.NoError(t, sut.Connect(context.Background(), hubURL))
		sut.Disconnect()
		sut.Disconnect()

		// Assert
		assert.Equal(t, []ConnectionState{Connecting, Connected, Disconnected}, events.states())
		assert.False(t, hub.Connected("A"))
	})

	t.Run("should ignore a second connect while started", func(t *testing.T) {
		var (
			hub = NewMemoryHub()
			sut = newChannel(hub, "A")
		)
		connect(t, sut)

		assert.NoError(t, sut.Connect(context.Background(), hubURL))
		assert.Equal(t, 1, hub.Dials())
	})

	t.Run("should broadcast to other clients without echoing to the sender", func(t *testing.T) {
		// Arrange
		var (
			hub      = NewMemoryHub()
			sender   = newChannel(hub, "A")
			receiver = newChannel(hub, "B")
			sent     = record(sender)
			got      = record(receiver)
		)
		connect(t, sender)
		connect(t, receiver)

		// Act
		sender.Publish(context.Background(), TripCreated{TripKey: "T1", OwnerID: "O1"})

		// Assert
		assert.Equal(t, 0, sent.count("TripCreated"))
		require.Equal(t, 1, got.count("TripCreated"))

		var created TripCreated
		for _, ev := range got.all() {
			if tc, ok := ev.(TripCreated); ok {
				created = tc
			}
		}
		assert.Equal(t, TripCreated{TripKey: "T1", OwnerID: "O1"}, created)
	})

	t.Run("should scope group broadcasts to joined clients", func(t *testing.T) {
		// Arrange
		var (
			hub      = NewMemoryHub()
			desktop  = newChannel(hub, "desktop")
			member   = newChannel(hub, "D1")
			outsider = newChannel(hub, "D2")
			inGroup  = record(member)
			outGroup = record(outsider)
			ctx      = context.Background()
		)
		connect(t, desktop)
		connect(t, member)
		connect(t, outsider)
		member.JoinGroup(ctx, "T1")
		outsider.JoinGroup(ctx, "T2")

		// Act
		desktop.PublishToGroup(ctx, "T1", TripFinalized{TripKey: "T1"})

		// Assert
		assert.Equal(t, 1, inGroup.count("TripFinalized"))
		assert.Equal(t, 0, outGroup.count("TripFinalized"))
		assert.Equal(t, "T1", member.ActiveGroup())
	})

	t.Run("should leave the previous group when switching", func(t *testing.T) {
		// Arrange
		var (
			hub = NewMemoryHub()
			sut = newChannel(hub, "D1")
			ctx = context.Background()
		)
		connect(t, sut)
		sut.JoinGroup(ctx, "T1")

		// Act
		sut.JoinGroup(ctx, "T2")

		// Assert
		assert.Equal(t, 0, hub.Subscribers("tripsync/trips/T1"))
		assert.Equal(t, 1, hub.Subscribers("tripsync/trips/T2"))
		assert.Equal(t, "T2", sut.ActiveGroup())

		sut.LeaveGroup(ctx, "T1")
		assert.Equal(t, "T2", sut.ActiveGroup())

		sut.LeaveGroup(ctx, "T2")
		assert.Equal(t, "", sut.ActiveGroup())
		assert.Equal(t, 0, hub.Subscribers("tripsync/trips/T2"))
	})

	t.Run("should ignore group changes while disconnected", func(t *testing.T) {
		var sut = newChannel(NewMemoryHub(), "D1")

		sut.JoinGroup(context.Background(), "T1")

		assert.Equal(t, "", sut.ActiveGroup())
	})

	t.Run("should deliver direct messages only to the addressed client", func(t *testing.T) {
		// Arrange
		var (
			hub     = NewMemoryHub()
			desktop = newChannel(hub, "desktop")
			d1      = newChannel(hub, "D1")
			d2      = newChannel(hub, "D2")
			got1    = record(d1)
			got2    = record(d2)
		)
		connect(t, desktop)
		connect(t, d1)
		connect(t, d2)

		// Act
		desktop.SendTo(context.Background(), "D1", ErrorNotice{Code: "not_claimed", Message: "trip is not open"})

		// Assert
		assert.Equal(t, 1, got1.count("ErrorNotice"))
		assert.Equal(t, 0, got2.count("ErrorNotice"))
	})

	t.Run("should drop publishes while disconnected", func(t *testing.T) {
		var (
			hub      = NewMemoryHub()
			sut      = newChannel(hub, "A")
			receiver = newChannel(hub, "B")
			got      = record(receiver)
		)
		connect(t, receiver)

		sut.Publish(context.Background(), InfoNotice{Message: "hello"})

		assert.Equal(t, 0, got.count("InfoNotice"))
	})

	t.Run("should dispatch typed handlers registered with On", func(t *testing.T) {
		// Arrange
		var (
			hub       = NewMemoryHub()
			desktop   = newChannel(hub, "desktop")
			device    = newChannel(hub, "D1")
			mu        sync.Mutex
			submitted []PalletNumberSubmitted
		)
		var unsubscribe = On(desktop, func(ev PalletNumberSubmitted) {
			mu.Lock()
			defer mu.Unlock()
			submitted = append(submitted, ev)
		})
		connect(t, desktop)
		connect(t, device)

		// Act
		device.SendTo(context.Background(), "desktop", PalletNumberSubmitted{TripKey: "T1", PalletNumber: "PAL001", DeviceID: "D1"})
		device.SendTo(context.Background(), "desktop", InfoNotice{Message: "ignored"})
		unsubscribe()
		device.SendTo(context.Background(), "desktop", PalletNumberSubmitted{TripKey: "T1", PalletNumber: "PAL002", DeviceID: "D1"})

		// Assert
		mu.Lock()
		defer mu.Unlock()
		require.Len(t, submitted, 1)
		assert.Equal(t, "PAL001", submitted[0].PalletNumber)
	})

	t.Run("should reconnect after a dropped connection and restore the group", func(t *testing.T) {
		// Arrange
		var (
			hub    = NewMemoryHub()
			sut    = newChannel(hub, "D1")
			events = record(sut)
			ctx    = context.Background()
		)
		connect(t, sut)
		sut.JoinGroup(ctx, "T1")

		// Act
		require.True(t, hub.Drop("D1"))

		// Assert
		assert.Eventually(t, func() bool {
			return sut.State() == Connected && hub.Subscribers("tripsync/trips/T1") == 1
		}, time.Second, 5*time.Millisecond)
		assert.Eventually(t, func() bool {
			return assert.ObjectsAreEqual([]ConnectionState{Connecting, Connected, Reconnecting, Connected}, events.states())
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, "T1", sut.ActiveGroup())
	})

	t.Run("should reconnect when a health probe fails", func(t *testing.T) {
		// Arrange
		var (
			hub    = NewMemoryHub()
			sut    = newChannel(hub, "D1", WithHealthCheck(10*time.Millisecond, 50*time.Millisecond))
			events = record(sut)
		)
		connect(t, sut)

		// Act
		hub.SetPingFailure("D1", true)
		assert.Eventually(t, func() bool {
			for _, state := range events.states() {
				if state == Reconnecting {
					return true
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
		hub.SetPingFailure("D1", false)

		// Assert
		assert.Eventually(t, func() bool {
			return sut.State() == Connected
		}, time.Second, 5*time.Millisecond)

		var probeFailed bool
		for _, ce := range events.connectionErrors() {
			if errors.Is(ce.Err, ErrProbeFailed) {
				probeFailed = true
			}
		}
		assert.True(t, probeFailed)
	})

	t.Run("should give up after the configured attempts and allow a manual reconnect", func(t *testing.T) {
		// Arrange
		var (
			hub    = NewMemoryHub()
			sut    = newChannel(hub, "D1")
			events = record(sut)
			ctx    = context.Background()
		)
		connect(t, sut)
		hub.SetDown(true)

		// Act
		hub.Drop("D1")

		// Assert
		assert.Eventually(t, func() bool {
			var errs = events.connectionErrors()
			return len(errs) > 0 && errors.Is(errs[len(errs)-1].Err, ErrReconnectExhausted)
		}, time.Second, 5*time.Millisecond)
		assert.Equal(t, Disconnected, sut.State())

		var attempts int
		for _, ce := range events.connectionErrors() {
			if errors.Is(ce.Err, ErrConnect) {
				attempts++
			}
		}
		assert.Equal(t, fastPolicy.MaxAttempts, attempts)

		// Act
		hub.SetDown(false)
		require.NoError(t, sut.Reconnect(ctx))

		// Assert
		assert.Equal(t, Connected, sut.State())
		assert.True(t, hub.Connected("D1"))
	})

	t.Run("should stop reconnecting when disconnected", func(t *testing.T) {
		// Arrange
		var (
			hub = NewMemoryHub()
			sut = newChannel(hub, "D1", WithReconnectPolicy(ReconnectPolicy{MaxAttempts: 10, Unit: 50 * time.Millisecond, Cap: time.Second}))
		)
		require.NoError(t, sut.Connect(context.Background(), hubURL))
		hub.SetDown(true)
		hub.Drop("D1")
		require.Equal(t, Reconnecting, sut.State())

		// Act
		sut.Disconnect()

		// Assert
		assert.Equal(t, Disconnected, sut.State())
		hub.SetDown(false)
		time.Sleep(150 * time.Millisecond)
		assert.False(t, hub.Connected("D1"))
	})
}
