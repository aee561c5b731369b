// Package worker runs one BSP worker rank: it owns a set of Global tables,
// answers remote GET_REQUEST/PUT_REQUEST traffic from other ranks, executes
// kernel methods on RUN_KERNEL, and periodically flushes buffered writes to
// their owning ranks.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/checkpoint"
	"github.com/dreamware/bsptable/internal/kernel"
	"github.com/dreamware/bsptable/internal/registry"
	"github.com/dreamware/bsptable/internal/table"
	"go.uber.org/zap"
)

// Worker is one BSP rank's runtime: the tables it participates in (owned or
// shadow/outbound), the kernel methods it can execute, and its bus
// endpoint.
type Worker struct {
	rank    int
	bus     bus.Server
	client  bus.Client
	env     *registry.Environment
	methods *kernel.Registry
	log     *zap.SugaredLogger

	mu     sync.RWMutex
	tables map[int]managedTable

	checkpointStore *checkpoint.Store

	flushInterval time.Duration
	highWaterMark int
	flusherCancel context.CancelFunc
	flusherDone   chan struct{}
}

// New constructs a Worker bound to rank, serving over srv and shipping
// flushed writes through client, against env's table catalog and methods'
// kernel registry.
func New(rank int, srv bus.Server, client bus.Client, env *registry.Environment, methods *kernel.Registry, log *zap.SugaredLogger) *Worker {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	w := &Worker{
		rank:          rank,
		bus:           srv,
		client:        client,
		env:           env,
		methods:       methods,
		log:           log,
		tables:        make(map[int]managedTable),
		flushInterval: 100 * time.Millisecond,
		highWaterMark: 1 << 20, // 1 MiB of buffered writes
	}
	w.registerHandlers()
	return w
}

// RegisterTable makes g reachable through the worker's message loop for
// GET_REQUEST/PUT_REQUEST and the flusher. Like registry.Register, this is
// a free function rather than a method because Go methods can't introduce
// new type parameters.
func RegisterTable[K comparable, V any](w *Worker, g *table.Global[K, V]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tables[g.TableID()] = newTableAdapter(g)
}

// SetCheckpointStore attaches the badger-backed store this worker writes
// checkpoints into and restores from. A Worker with no store attached
// fails any CHECKPOINT it receives, matching a config where checkpointing
// is simply turned off (config.Config.Checkpoint unset).
func (w *Worker) SetCheckpointStore(store *checkpoint.Store) {
	w.checkpointStore = store
}

func (w *Worker) registerHandlers() {
	w.bus.Handle(bus.TagGetRequest, w.handleGetRequest)
	w.bus.Handle(bus.TagPutRequest, w.handlePutRequest)
	w.bus.Handle(bus.TagRunKernel, w.handleRunKernel)
	w.bus.Handle(bus.TagCheckpoint, w.handleCheckpoint)
	w.bus.Handle(bus.TagRestore, w.handleRestore)
	w.bus.Handle(bus.TagShutdown, w.handleShutdown)
}

func (w *Worker) table(id int) (managedTable, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tables[id]
	return t, ok
}

func (w *Worker) handleGetRequest(ctx context.Context, from int, payload json.RawMessage) (any, error) {
	var req getRequestMsg
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("worker: decode get-request: %w", err)
	}
	t, ok := w.table(req.TableID)
	if !ok {
		return getResponseMsg{Found: false}, nil
	}
	ev, found, err := t.HandleGetRequest(req.Key)
	if err != nil {
		return nil, err
	}
	return getResponseMsg{Value: ev, Found: found}, nil
}

func (w *Worker) handlePutRequest(ctx context.Context, from int, payload json.RawMessage) (any, error) {
	var req putRequestMsg
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("worker: decode put-request: %w", err)
	}
	t, ok := w.table(req.TableID)
	if !ok {
		return nil, fmt.Errorf("worker: unknown table id %d", req.TableID)
	}
	return nil, t.HandlePutRequest(req.Entries)
}

func (w *Worker) handleRunKernel(ctx context.Context, from int, payload json.RawMessage) (any, error) {
	var req runKernelMsg
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("worker: decode run-kernel: %w", err)
	}

	for _, shard := range req.Shards {
		kc := &kernel.Context{Shard: shard, Params: req.Params, Env: w.env}
		if err := w.methods.Invoke(ctx, req.Kernel, req.Method, kc); err != nil {
			w.log.Errorw("kernel method failed", "kernel", req.Kernel, "method", req.Method, "shard", shard, "err", err)
			return kernelDoneMsg{Err: err.Error()}, nil
		}
	}

	// Flush synchronously before replying, not just on the ticker: the
	// coordinator's barrier is "every rank's KERNEL_DONE arrived", so any
	// outbound write this superstep produced must already be on its way
	// to the owning rank by the time this handler returns, or the next
	// iteration could read a stale value from a remote shard.
	w.flushAll(ctx)

	return kernelDoneMsg{PendingBytes: w.PendingWriteBytes()}, nil
}

func (w *Worker) handleCheckpoint(ctx context.Context, from int, payload json.RawMessage) (any, error) {
	var req checkpointMsg
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("worker: decode checkpoint: %w", err)
	}
	if w.checkpointStore == nil {
		return checkpointDoneMsg{Err: "worker: no checkpoint store configured"}, nil
	}
	for _, tableID := range req.TableIDs {
		t, ok := w.table(tableID)
		if !ok {
			continue // table not hosted on this rank, nothing to checkpoint
		}
		if err := t.WriteCheckpoint(w.checkpointStore, req.Iteration); err != nil {
			w.log.Errorw("checkpoint write failed", "table_id", tableID, "iteration", req.Iteration, "err", err)
			return checkpointDoneMsg{Err: err.Error()}, nil
		}
	}
	return checkpointDoneMsg{}, nil
}

func (w *Worker) handleRestore(ctx context.Context, from int, payload json.RawMessage) (any, error) {
	var req restoreMsg
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("worker: decode restore: %w", err)
	}
	var tableIDs []int
	if len(req.TableIDs) > 0 {
		tableIDs = req.TableIDs
	}
	if err := w.RestoreFromCheckpoint(req.Iteration, tableIDs); err != nil {
		w.log.Errorw("restore failed", "iteration", req.Iteration, "err", err)
		return restoreDoneMsg{Err: err.Error()}, nil
	}
	return restoreDoneMsg{}, nil
}

// RestoreFromCheckpoint reloads every owned shard of every registered
// table hosting tableIDs (all registered tables if tableIDs is nil) from
// iteration, ahead of resuming the iteration loop.
func (w *Worker) RestoreFromCheckpoint(iteration int, tableIDs []int) error {
	if w.checkpointStore == nil {
		return fmt.Errorf("worker: no checkpoint store configured")
	}
	w.mu.RLock()
	targets := make([]managedTable, 0, len(w.tables))
	for id, t := range w.tables {
		if tableIDs == nil || containsInt(tableIDs, id) {
			targets = append(targets, t)
		}
	}
	w.mu.RUnlock()

	for _, t := range targets {
		if err := t.RestoreCheckpoint(w.checkpointStore, iteration); err != nil {
			return fmt.Errorf("worker: restore table %d: %w", t.TableID(), err)
		}
	}
	return nil
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func (w *Worker) handleShutdown(ctx context.Context, from int, payload json.RawMessage) (any, error) {
	w.StopFlusher()
	return nil, nil
}

// StartFlusher launches the background goroutine that periodically drains
// outbound write buffers and ships them to their owning ranks. Calling it
// more than once without an intervening StopFlusher is a programmer error.
func (w *Worker) StartFlusher(ctx context.Context) {
	flusherCtx, cancel := context.WithCancel(ctx)
	w.flusherCancel = cancel
	w.flusherDone = make(chan struct{})

	go func() {
		defer close(w.flusherDone)
		ticker := time.NewTicker(w.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-flusherCtx.Done():
				return
			case <-ticker.C:
				w.flushAll(flusherCtx)
			}
		}
	}()
}

// StopFlusher cancels the flusher goroutine, waits for it to exit, then
// drains one final time so SHUTDOWN never drops a buffered write.
func (w *Worker) StopFlusher() {
	if w.flusherCancel != nil {
		w.flusherCancel()
		<-w.flusherDone
	}
	w.flushAll(context.Background())
}

func (w *Worker) flushAll(ctx context.Context) {
	w.mu.RLock()
	tables := make([]managedTable, 0, len(w.tables))
	for _, t := range w.tables {
		tables = append(tables, t)
	}
	w.mu.RUnlock()

	for _, t := range tables {
		if err := t.Flush(ctx, w.client); err != nil {
			w.log.Errorw("flush failed", "table_id", t.TableID(), "err", err)
		}
	}
}

// PendingWriteBytes sums PendingWriteBytes across every registered table.
// The RUN_KERNEL handler reports it in KERNEL_DONE, and the coordinator
// fails the round if any rank reports a nonzero value.
func (w *Worker) PendingWriteBytes() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	total := 0
	for _, t := range w.tables {
		total += t.PendingWriteBytes()
	}
	return total
}

// Serve runs the worker's bus server until ctx is canceled.
func (w *Worker) Serve(ctx context.Context) error {
	return w.bus.Serve(ctx)
}
