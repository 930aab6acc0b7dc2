// remote_tool.go: Contract between the manager and remote tool servers
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
)

// ToolCall is one invocation of a remote tool.
type ToolCall struct {
	PluginID  string            `json:"plugin_id"`
	RequestID string            `json:"request_id"`
	Binding   ToolBinding       `json:"binding"`
	Arguments map[string]any    `json:"arguments,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ToolResult is the decoded response of a remote tool.
type ToolResult struct {
	Content map[string]any `json:"content"`
}

// RemoteToolTransport executes RemoteTool plugins. The manager treats it as an
// opaque capability: it either returns a result or an error.
type RemoteToolTransport interface {
	CallTool(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// RemoteToolTransportFunc adapts a function to RemoteToolTransport.
type RemoteToolTransportFunc func(ctx context.Context, call ToolCall) (*ToolResult, error)

func (f RemoteToolTransportFunc) CallTool(ctx context.Context, call ToolCall) (*ToolResult, error) {
	return f(ctx, call)
}

func newToolCall(pluginID string, binding ToolBinding, execCtx ExecutionContext) ToolCall {
	metadata := make(map[string]string, len(binding.Metadata)+len(execCtx.Metadata))
	for k, v := range binding.Metadata {
		metadata[k] = v
	}
	for k, v := range execCtx.Metadata {
		metadata[k] = v
	}
	if execCtx.SessionID != "" {
		metadata["x-session-id"] = execCtx.SessionID
	}

	return ToolCall{
		PluginID:  pluginID,
		RequestID: execCtx.RequestID,
		Binding:   binding,
		Arguments: execCtx.Input,
		Metadata:  metadata,
	}
}
