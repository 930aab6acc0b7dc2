// Package pluginhost provides a host-side runtime for pluggable extensions.
// It registers, validates, loads, activates, executes and tears down plugins
// under concurrency limits, keeping every extension isolated from the others.
//
// Key Features:
//   - Closed plugin kinds: in-process Native plugins and RemoteTool plugins
//     executed through a transport (a gRPC client is included)
//   - Explicit lifecycle state machine with load and init timeouts
//   - Registration-time dependency resolution with topological enable order
//   - Bounded-concurrency execution scheduler with per-call timeouts
//   - Event bus with optional Redis and AMQP forwarding
//   - Derived health and performance statistics, capped error logs
//   - Circuit breaking, panic isolation and graceful shutdown
//   - Argus-powered configuration loading and hot reload
//
// Basic Usage:
//
//	manager, err := pluginhost.NewManager(pluginhost.DefaultManagerConfig(),
//		pluginhost.WithLogger(myLogger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer manager.Shutdown(context.Background())
//
//	if err := manager.Register(ctx, calculator); err != nil {
//		log.Fatal(err)
//	}
//	if err := manager.Enable(ctx, "calc"); err != nil {
//		log.Fatal(err)
//	}
//
//	out, err := manager.ExecutePlugin(ctx, "calc", pluginhost.ExecutionContext{
//		Input: map[string]any{"op": "add", "a": 2, "b": 3},
//	})
//
// Remote tools:
// A RemoteTool plugin only describes a tool binding. The manager hands the
// binding and the caller's input to the configured RemoteToolTransport, for
// example the one returned by NewGRPCToolTransport.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginhost
