// Package cluster provides the low-level HTTP transport helpers shared by
// internal/bus's network binding: JSON request/response plumbing between a
// coordinator process and its worker ranks.
//
// # Overview
//
// cluster does not know about BSP, kernels, or tables. It exposes exactly
// two functions, PostJSON and GetJSON, plus the NodeInfo type used to
// address a rank for health probing. internal/bus.HTTP builds
// run_kernel/checkpoint/shutdown envelopes on top of PostJSON; nothing in
// this package depends on what's inside an envelope.
//
// # Communication
//
// All inter-process traffic is plain HTTP with a JSON body:
//
//	PostJSON(ctx, url, body, out) error   // encode body, POST, decode into out
//	GetJSON(ctx, url, out) error          // GET, decode into out
//
// A shared *http.Client with a 5-second timeout backs both.
// internal/coordinator's health probes set their own 2-second deadline, so
// over the HTTP bus binding a probe gives up before this client timeout.
//
// # See Also
//
// Related packages:
//   - internal/bus: envelope types and the HTTP/in-process bus bindings (the HTTP one built on PostJSON)
//   - internal/coordinator: drives health checks against NodeInfo values returned by a node provider
package cluster
