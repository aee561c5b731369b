package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Network is an in-process registry of LocalServer instances, used for
// tests and for the single-binary demo topology. It delivers envelopes
// synchronously per destination, which trivially satisfies the FIFO-per-
// (sender,receiver,tag) contract for any single sending goroutine.
type Network struct {
	mu      sync.RWMutex
	servers map[int]*LocalServer
}

// NewNetwork creates an empty in-process bus.
func NewNetwork() *Network {
	return &Network{servers: make(map[int]*LocalServer)}
}

// NewServer registers and returns a new rank on the network. rank must be
// unique; CoordinatorRank is conventionally used for the single coordinator.
func (n *Network) NewServer(rank int) *LocalServer {
	s := &LocalServer{
		rank:     rank,
		net:      n,
		handlers: make(map[Tag]Handler),
	}
	n.mu.Lock()
	n.servers[rank] = s
	n.mu.Unlock()
	return s
}

func (n *Network) lookup(rank int) (*LocalServer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	s, ok := n.servers[rank]
	return s, ok
}

// otherRanks returns every registered rank other than self.
func (n *Network) otherRanks(self int) []int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]int, 0, len(n.servers))
	for r := range n.servers {
		if r != self {
			out = append(out, r)
		}
	}
	return out
}

// LocalServer is both the Client and Server view of one rank on a Network.
type LocalServer struct {
	net      *Network
	handlers map[Tag]Handler
	mu       sync.Mutex
	rank     int
	closed   bool
}

var _ Client = (*LocalServer)(nil)
var _ Server = (*LocalServer)(nil)

func (s *LocalServer) Rank() int { return s.rank }

func (s *LocalServer) Handle(tag Tag, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[tag] = h
}

// Serve is a no-op for LocalServer: delivery is synchronous (deliver calls
// the handler directly on the sender's goroutine), so there is no separate
// dispatch loop to run. It blocks until ctx is canceled, matching the
// Server contract's "serve until canceled" shape for callers that select on
// it alongside other goroutines.
func (s *LocalServer) Serve(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *LocalServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *LocalServer) Send(ctx context.Context, to int, tag Tag, payload any) error {
	_, err := s.deliver(ctx, to, tag, payload, false)
	return err
}

func (s *LocalServer) Request(ctx context.Context, to int, tag Tag, payload any, out any) error {
	raw, err := s.deliver(ctx, to, tag, payload, true)
	if err != nil {
		return err
	}
	return decodePayload(raw, out)
}

func (s *LocalServer) Broadcast(ctx context.Context, tag Tag, payload any) error {
	for _, rank := range s.net.otherRanks(s.rank) {
		if err := s.Send(ctx, rank, tag, payload); err != nil {
			return fmt.Errorf("bus: broadcast to rank %d: %w", rank, err)
		}
	}
	return nil
}

// deliver encodes payload, invokes the target rank's handler for tag
// directly, and — if the caller wants a response — returns the handler's
// result re-encoded as bytes.
func (s *LocalServer) deliver(ctx context.Context, to int, tag Tag, payload any, wantResponse bool) ([]byte, error) {
	enc, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}

	target, ok := s.net.lookup(to)
	if !ok {
		return nil, fmt.Errorf("bus: no such rank %d", to)
	}

	target.mu.Lock()
	h, ok := target.handlers[tag]
	target.mu.Unlock()
	if !ok {
		return nil, errNoHandler(tag)
	}

	env := Envelope{ID: uuid.NewString(), From: s.rank, To: to, Tag: tag, Payload: enc}
	result, err := h(ctx, env.From, env.Payload)
	if err != nil {
		return nil, err
	}
	if !wantResponse {
		return nil, nil
	}
	respRaw, err := encodePayload(result)
	if err != nil {
		return nil, err
	}
	return respRaw, nil
}
