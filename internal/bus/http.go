package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/dreamware/bsptable/internal/cluster"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Peer is the address a rank is reachable at over HTTP.
type Peer struct {
	Rank int
	Addr string // host:port, no scheme
}

// HTTP is the production bus binding: each rank runs an HTTP server exposing
// one endpoint per tag (POST /bus/<tag>) and reaches peers via
// cluster.PostJSON. Unlike Local, delivery crosses a real network, so
// Request blocks on an actual round trip rather than an in-process call.
type HTTP struct {
	log  *zap.Logger
	rank int

	mu    sync.RWMutex
	peers map[int]Peer

	hmu      sync.Mutex
	handlers map[Tag]Handler

	srv *http.Server
}

var _ Client = (*HTTP)(nil)
var _ Server = (*HTTP)(nil)

// NewHTTP constructs a rank's HTTP bus binding. listenAddr is the address
// this rank's server should bind; peers maps every other rank (including
// CoordinatorRank, if applicable) to its reachable address.
func NewHTTP(log *zap.Logger, rank int, listenAddr string, peers map[int]Peer) *HTTP {
	if log == nil {
		log = zap.NewNop()
	}
	h := &HTTP{
		log:      log,
		rank:     rank,
		peers:    make(map[int]Peer, len(peers)),
		handlers: make(map[Tag]Handler),
	}
	for r, p := range peers {
		h.peers[r] = p
	}
	mux := http.NewServeMux()
	for _, tag := range allTags {
		tag := tag
		mux.HandleFunc("/bus/"+string(tag), h.serveTag(tag))
	}
	h.srv = &http.Server{Addr: listenAddr, Handler: mux}
	return h
}

var allTags = []Tag{
	TagGetRequest, TagGetResponse, TagPutRequest, TagRunKernel,
	TagKernelDone, TagCheckpoint, TagCheckpointDone, TagRestore,
	TagRestoreDone, TagShutdown,
}

func (h *HTTP) Rank() int { return h.rank }

func (h *HTTP) Handle(tag Tag, fn Handler) {
	h.hmu.Lock()
	defer h.hmu.Unlock()
	h.handlers[tag] = fn
}

func (h *HTTP) serveTag(tag Tag) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		h.hmu.Lock()
		fn, ok := h.handlers[tag]
		h.hmu.Unlock()
		if !ok {
			http.Error(w, errNoHandler(tag).Error(), http.StatusNotImplemented)
			return
		}

		result, err := fn(r.Context(), env.From, env.Payload)
		if err != nil {
			h.log.Warn("bus handler failed", zap.String("tag", string(tag)), zap.Int("from", env.From), zap.Error(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		raw, err := encodePayload(result)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Envelope{ID: env.ID, From: h.rank, To: env.From, Tag: tag, Payload: raw})
	}
}

// Serve starts the HTTP server and blocks until ctx is canceled, then shuts
// down gracefully.
func (h *HTTP) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return h.srv.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (h *HTTP) Close() error {
	return h.srv.Close()
}

func (h *HTTP) peerAddr(rank int) (string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.peers[rank]
	if !ok {
		return "", fmt.Errorf("bus: no known address for rank %d", rank)
	}
	return p.Addr, nil
}

func (h *HTTP) Send(ctx context.Context, to int, tag Tag, payload any) error {
	_, err := h.roundTrip(ctx, to, tag, payload)
	return err
}

func (h *HTTP) Request(ctx context.Context, to int, tag Tag, payload any, out any) error {
	env, err := h.roundTrip(ctx, to, tag, payload)
	if err != nil {
		return err
	}
	return decodePayload(env.Payload, out)
}

func (h *HTTP) roundTrip(ctx context.Context, to int, tag Tag, payload any) (Envelope, error) {
	addr, err := h.peerAddr(to)
	if err != nil {
		return Envelope{}, err
	}
	enc, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	req := Envelope{ID: uuid.NewString(), From: h.rank, To: to, Tag: tag, Payload: enc}

	var resp Envelope
	url := fmt.Sprintf("http://%s/bus/%s", addr, tag)
	if err := cluster.PostJSON(ctx, url, req, &resp); err != nil {
		return Envelope{}, fmt.Errorf("bus: send %s to rank %d: %w", tag, to, err)
	}
	return resp, nil
}

func (h *HTTP) Broadcast(ctx context.Context, tag Tag, payload any) error {
	h.mu.RLock()
	ranks := make([]int, 0, len(h.peers))
	for r := range h.peers {
		ranks = append(ranks, r)
	}
	h.mu.RUnlock()

	for _, r := range ranks {
		if err := h.Send(ctx, r, tag, payload); err != nil {
			return fmt.Errorf("bus: broadcast to rank %d: %w", r, err)
		}
	}
	return nil
}
