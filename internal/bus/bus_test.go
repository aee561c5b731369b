package bus

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingPayload struct {
	Value int `json:"value"`
}

type pongPayload struct {
	Doubled int `json:"doubled"`
}

func TestSendInvokesRemoteHandler(t *testing.T) {
	net := NewNetwork()
	a := net.NewServer(0)
	b := net.NewServer(1)

	received := make(chan pingPayload, 1)
	b.Handle(TagPutRequest, func(ctx context.Context, from int, payload json.RawMessage) (any, error) {
		var p pingPayload
		require.NoError(t, json.Unmarshal(payload, &p))
		received <- p
		return nil, nil
	})

	require.NoError(t, a.Send(context.Background(), 1, TagPutRequest, pingPayload{Value: 7}))

	got := <-received
	assert.Equal(t, 7, got.Value)
}

func TestRequestRoundTrip(t *testing.T) {
	net := NewNetwork()
	a := net.NewServer(0)
	b := net.NewServer(1)

	b.Handle(TagGetRequest, func(ctx context.Context, from int, payload json.RawMessage) (any, error) {
		var p pingPayload
		require.NoError(t, json.Unmarshal(payload, &p))
		return pongPayload{Doubled: p.Value * 2}, nil
	})

	var out pongPayload
	err := a.Request(context.Background(), 1, TagGetRequest, pingPayload{Value: 5}, &out)
	require.NoError(t, err)
	assert.Equal(t, 10, out.Doubled)
}

func TestSendToUnknownRankFails(t *testing.T) {
	net := NewNetwork()
	a := net.NewServer(0)

	err := a.Send(context.Background(), 99, TagShutdown, nil)
	assert.Error(t, err)
}

func TestSendWithoutHandlerFails(t *testing.T) {
	net := NewNetwork()
	a := net.NewServer(0)
	net.NewServer(1)

	err := a.Send(context.Background(), 1, TagCheckpoint, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no handler")
}

func TestBroadcastReachesEveryOtherRank(t *testing.T) {
	net := NewNetwork()
	coord := net.NewServer(CoordinatorRank)
	w0 := net.NewServer(0)
	w1 := net.NewServer(1)

	var gotW0, gotW1 bool
	w0.Handle(TagRunKernel, func(ctx context.Context, from int, payload json.RawMessage) (any, error) {
		gotW0 = true
		return nil, nil
	})
	w1.Handle(TagRunKernel, func(ctx context.Context, from int, payload json.RawMessage) (any, error) {
		gotW1 = true
		return nil, nil
	})

	require.NoError(t, coord.Broadcast(context.Background(), TagRunKernel, nil))
	assert.True(t, gotW0)
	assert.True(t, gotW1)
}

func TestServeBlocksUntilCanceled(t *testing.T) {
	net := NewNetwork()
	s := net.NewServer(0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}
