// Package kernel is the execution harness kernels run under: a registry of
// (kernel name, method name) pairs to the Go function implementing them, and
// the per-invocation Context that binds current_shard() the way Piccolo's
// kernel runner does (kernel/kernel.h, kernel/kernel-registry.h) — freshly
// per call, never as ambient global state.
package kernel

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/bsptable/internal/registry"
)

// Context is passed to a Method on every invocation. Shard is the partition
// this call is bound to (Piccolo's current_shard()); Params carries the
// RunDescriptor's parameter map (iteration number, kernel-specific
// arguments, all as strings); Env is the process's table catalog.
type Context struct {
	Shard  int
	Params map[string]string
	Env    *registry.Environment
}

// Method is a kernel entry point, e.g. PRKernel.PageRankIter.
type Method func(ctx context.Context, kc *Context) error

// Registry maps (kernelName, methodName) to its Method. Safe for concurrent
// Register and Invoke calls.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Method
}

// NewRegistry constructs an empty kernel method registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Method)}
}

func key(kernelName, methodName string) string {
	return kernelName + "." + methodName
}

// Register binds fn under (kernelName, methodName), overwriting any prior
// registration — kernels are typically registered once at process startup,
// so silent overwrite is the simpler choice here, unlike registry.Register,
// which errors on a duplicate table id.
func (r *Registry) Register(kernelName, methodName string, fn Method) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods[key(kernelName, methodName)] = fn
}

// Invoke looks up (kernelName, methodName) and calls it with kc, returning
// an error if no such method is registered.
func (r *Registry) Invoke(ctx context.Context, kernelName, methodName string, kc *Context) error {
	r.mu.RLock()
	fn, ok := r.methods[key(kernelName, methodName)]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("kernel: no method registered for %s.%s", kernelName, methodName)
	}
	return fn(ctx, kc)
}
