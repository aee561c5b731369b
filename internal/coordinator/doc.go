// Package coordinator drives a BSP job: it runs a kernel method across
// every worker rank for one superstep, waits for every rank's KERNEL_DONE,
// and only then starts the next superstep. It owns none of the data —
// tables live on worker ranks — only the iteration loop, the static
// shard-to-rank placement, the health probe, and (optionally) checkpoint
// orchestration between supersteps.
//
// # Overview
//
// A BSP job alternates between ranks computing locally and the coordinator
// waiting for all of them to finish before releasing the next superstep.
// Coordinator implements that barrier: RunKernelMethod broadcasts one
// (kernelName, methodName) call to every worker rank over a bus.Client and
// blocks until every one of them has replied, surfacing the first error it
// sees. RunIteration is a thin convenience wrapper for jobs that run
// exactly one kernel method per iteration (set once via WorkloadPlan.Kernel/
// Method); jobs whose driver needs several methods per iteration — BuildGraph
// and Initialize once, then PageRankIter/ResetTable/WriteStatus per round,
// as cmd/pagerank's driver does — call
// RunKernelMethod directly instead.
//
// # Shard placement
//
// Shard-to-rank placement is derived once from (NumShards, NumWorkers) via
// BuildShardAssignment and never renegotiated: a BSP job's worker set and
// shard count are fixed for the job's lifetime, so every worker process can
// compute the same placement independently instead of registering it with
// the coordinator at startup. OwnerRank and OwnedBitmap turn that
// assignment into the lookup functions internal/registry.CreateTable and
// internal/worker.Worker need.
//
// # Health monitoring
//
// StartHealthMonitoring runs internal/coordinator's HealthMonitor against
// the job's worker ranks, on the same periodic-probe/N-failures-before-
// unhealthy design as a conventional cluster health checker, probing each
// worker rank's health over the same bus.Client used for RUN_KERNEL rather
// than a dedicated HTTP /health endpoint.
//
// # Checkpointing
//
// SetCheckpointTables/Checkpoint drive internal/checkpoint.Store between
// iterations when WorkloadPlan.Checkpoint is set: the coordinator tells
// every worker rank which table ids to serialize for the current iteration,
// same broadcast-and-wait shape as RunKernelMethod.
//
// # See Also
//
// Related packages:
//   - internal/bus: the Client interface RunKernelMethod and the health probe send requests over
//   - internal/worker: the per-rank process that answers RUN_KERNEL/CHECKPOINT requests
//   - internal/checkpoint: badger-backed per-(table,shard,iteration) storage driven by Checkpoint
//   - cmd/coordinator, cmd/pagerank: process entry points that construct a Coordinator
package coordinator
