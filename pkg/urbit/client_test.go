package urbit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan json.RawMessage) (json.RawMessage, bool) {
	t.Helper()
	select {
	case raw, ok := <-ch:
		return raw, ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription data")
		return nil, false
	}
}

func TestDialAsksShipName(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{})
	assert.Equal(t, "~zod", c.Ship())

	c2 := dialFake(t, f, Options{Ship: "~nec"})
	assert.Equal(t, "~nec", c2.Ship())
}

func TestDialRejectsBadCode(t *testing.T) {
	f := newFakeShip(t)
	_, err := Dial(context.Background(), f.URL(), "wrong", Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))
}

func TestPoke(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{})

	require.NoError(t, c.Poke(context.Background(), "chat", "chat-action", map[string]string{"hi": "there"}))
	pokes := f.sent(actionPoke)
	require.Len(t, pokes, 1)
	assert.Equal(t, "zod", pokes[0].Ship)
	assert.Equal(t, "chat", pokes[0].App)
	assert.Equal(t, "chat-action", pokes[0].Mark)
	assert.JSONEq(t, `{"hi":"there"}`, string(pokes[0].JSON))
	assert.Equal(t, 1, f.streamCount())

	f.setNack("chat-action", "crash")
	err := c.Poke(context.Background(), "chat", "chat-action", map[string]string{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))
	assert.Contains(t, err.Error(), "crash")
}

func TestPokeHonoursContext(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{})
	f.setQuiet(true)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Poke(ctx, "chat", "chat-action", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPokeRateLimit(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{PokeRate: 20, PokeBurst: 1})

	begin := time.Now()
	for range 3 {
		require.NoError(t, c.Poke(context.Background(), "chat", "chat-action", nil))
	}
	assert.GreaterOrEqual(t, time.Since(begin), 90*time.Millisecond)
}

func TestScry(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{})
	f.serve("chat", "/chat", `["~zod/general","~bus/random"]`)

	var flags []string
	require.NoError(t, c.Scry(context.Background(), "chat", "/chat", &flags))
	assert.Equal(t, []string{"~zod/general", "~bus/random"}, flags)

	err := c.Scry(context.Background(), "chat", "/nope", &flags)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestSubscriptionLifecycle(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{})

	sub, err := c.Subscribe(context.Background(), "chat", "/chat/~zod/general/ui/writs")
	require.NoError(t, err)
	id, ok := f.subscription("/chat/~zod/general/ui/writs")
	require.True(t, ok)
	assert.Equal(t, id, sub.ID)

	f.fact(sub.ID, `{"n":1}`)
	f.fact(sub.ID, `{"n":2}`)
	raw, ok := recv(t, sub.Data())
	require.True(t, ok)
	assert.JSONEq(t, `{"n":1}`, string(raw))
	raw, _ = recv(t, sub.Data())
	assert.JSONEq(t, `{"n":2}`, string(raw))

	// one ack covers the burst: watch ack, then two facts
	require.Eventually(t, func() bool {
		acks := f.sent(actionAck)
		return len(acks) > 0 && acks[len(acks)-1].EventID == 3
	}, 2*time.Second, 5*time.Millisecond)

	f.quit(sub.ID)
	_, ok = recv(t, sub.Data())
	assert.False(t, ok)
	assert.NoError(t, sub.Close())
	assert.Empty(t, f.sent(actionUnsubscribe))
}

func TestSubscribeNack(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{})
	f.setNack("/chat/~zod/secret/ui/writs", "no permission")

	_, err := c.Subscribe(context.Background(), "chat", "/chat/~zod/secret/ui/writs")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestFailed))
}

func TestCloseUnsubscribes(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{})

	sub, err := c.Subscribe(context.Background(), "chat", "/dm/~nec/ui")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	unsubs := f.sent(actionUnsubscribe)
	require.Len(t, unsubs, 1)
	assert.Equal(t, sub.ID, unsubs[0].Subscription)
	_, ok := recv(t, sub.Data())
	assert.False(t, ok)
}

func TestLaggingSubscriptionIsCut(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{SubscriptionBuffer: 1})

	sub, err := c.Subscribe(context.Background(), "chat", "/chat/~zod/general/ui/writs")
	require.NoError(t, err)
	for i := range 3 {
		f.fact(sub.ID, `{"n":`+string(rune('0'+i))+`}`)
	}

	require.Eventually(t, func() bool { return len(f.sent(actionUnsubscribe)) == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := recv(t, sub.Data())
	assert.True(t, ok)
	_, ok = recv(t, sub.Data())
	assert.False(t, ok)
}

func TestStreamDropEndsSubscriptions(t *testing.T) {
	f := newFakeShip(t)
	c := dialFake(t, f, Options{})

	sub, err := c.Subscribe(context.Background(), "chat", "/chat/~zod/general/ui/writs")
	require.NoError(t, err)

	f.dropStream()
	_, ok := recv(t, sub.Data())
	assert.False(t, ok)

	// the next request reopens the stream
	require.NoError(t, c.Poke(context.Background(), "chat", "chat-action", nil))
	assert.Equal(t, 2, f.streamCount())
}

func TestCloseDeletesChannel(t *testing.T) {
	f := newFakeShip(t)
	c, err := Dial(context.Background(), f.URL(), fakeCode, Options{})
	require.NoError(t, err)
	require.NoError(t, c.Poke(context.Background(), "chat", "chat-action", nil))

	require.NoError(t, c.Close())
	assert.True(t, f.channelDeleted())
	assert.NoError(t, c.Close())

	err = c.Poke(context.Background(), "chat", "chat-action", nil)
	assert.ErrorIs(t, err, ErrClosed)
}
