// grpc_transport.go: gRPC remote tool transport with TLS support
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCToolTransport calls remote tools through a single unary gRPC method.
//
// Requests and responses are google.protobuf.Struct messages, so no generated
// stubs are needed on either side. The request carries:
//
//	{ "tool": "...", "server": "...", "plugin_id": "...", "arguments": {...} }
//
// and the response Struct becomes ToolResult.Content.
//
// Example usage:
//
//	transport, err := NewGRPCToolTransport(RemoteToolConfig{
//	    Endpoint: "tools.internal:9090",
//	    APIKey:   os.Getenv("TOOLS_API_KEY"),
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer transport.Close()
//
//	manager, err := NewManager(config, WithRemoteToolTransport(transport))
//	if err != nil {
//	    log.Fatal(err)
//	}
type GRPCToolTransport struct {
	config     RemoteToolConfig
	connection *grpc.ClientConn
	logger     Logger
	closed     atomic.Bool
}

// NewGRPCToolTransport creates the client connection described by config.
// Extra dial options are appended after the ones derived from config.
func NewGRPCToolTransport(config RemoteToolConfig, logger any, opts ...grpc.DialOption) (*GRPCToolTransport, error) {
	if config.Endpoint == "" {
		return nil, NewTransportConfigError("endpoint is required")
	}
	if config.Method == "" {
		config.Method = DefaultToolMethod
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 4 * 1024 * 1024
	}

	t := &GRPCToolTransport{
		config: config,
		logger: NewLogger(logger),
	}

	var dialOpts []grpc.DialOption
	if config.TLS.Enabled {
		creds, err := t.buildTLSCredentials()
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	dialOpts = append(dialOpts,
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(config.MaxMessageSize),
		),
	)
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(config.Endpoint, dialOpts...)
	if err != nil {
		return nil, NewGRPCTransportError(err)
	}
	t.connection = conn

	t.logger.Info("gRPC tool transport created",
		"endpoint", config.Endpoint,
		"method", config.Method,
		"tls", config.TLS.Enabled)
	return t, nil
}

func (t *GRPCToolTransport) buildTLSCredentials() (credentials.TransportCredentials, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: t.config.TLS.ServerName,
	}

	if t.config.TLS.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.config.TLS.CertFile, t.config.TLS.KeyFile)
		if err != nil {
			return nil, NewTransportConfigError(fmt.Sprintf("failed to load client certificate: %v", err))
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if t.config.TLS.CAFile != "" {
		caCert, err := os.ReadFile(t.config.TLS.CAFile)
		if err != nil {
			return nil, NewTransportConfigError(fmt.Sprintf("failed to read CA certificate: %v", err))
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, NewTransportConfigError("failed to parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return credentials.NewTLS(tlsConfig), nil
}

// CallTool implements RemoteToolTransport.
func (t *GRPCToolTransport) CallTool(ctx context.Context, call ToolCall) (*ToolResult, error) {
	if t.closed.Load() {
		return nil, NewGRPCTransportError(fmt.Errorf("transport is closed"))
	}

	request, err := buildToolRequest(call)
	if err != nil {
		return nil, NewGRPCTransportError(err)
	}

	ctx = t.addAuthMetadata(ctx)
	ctx = addCallMetadata(ctx, call)

	response := &structpb.Struct{}
	if err := t.connection.Invoke(ctx, t.config.Method, request, response); err != nil {
		return nil, t.handleGRPCError(call, err)
	}

	return &ToolResult{Content: response.AsMap()}, nil
}

// Close releases the client connection.
func (t *GRPCToolTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.connection.Close()
	t.logger.Info("gRPC tool transport closed", "endpoint", t.config.Endpoint)
	return err
}

// buildToolRequest encodes call as a Struct. Arguments go through a JSON round
// trip first so that typed slices and maps become values structpb accepts.
func buildToolRequest(call ToolCall) (*structpb.Struct, error) {
	arguments := map[string]interface{}{}
	if len(call.Arguments) > 0 {
		raw, err := json.Marshal(call.Arguments)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool arguments: %w", err)
		}
		if err := json.Unmarshal(raw, &arguments); err != nil {
			return nil, fmt.Errorf("failed to normalize tool arguments: %w", err)
		}
	}

	return structpb.NewStruct(map[string]interface{}{
		"tool":      call.Binding.Tool,
		"server":    call.Binding.Server,
		"plugin_id": call.PluginID,
		"arguments": arguments,
	})
}

func (t *GRPCToolTransport) addAuthMetadata(ctx context.Context) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.New(nil)
	}

	if t.config.APIKey != "" {
		md.Set("x-api-key", t.config.APIKey)
	}
	if t.config.BearerToken != "" {
		md.Set("authorization", "Bearer "+t.config.BearerToken)
	}
	for key, value := range t.config.Headers {
		md.Set(key, value)
	}

	return metadata.NewOutgoingContext(ctx, md)
}

func addCallMetadata(ctx context.Context, call ToolCall) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.New(nil)
	}

	for key, value := range call.Metadata {
		md.Set(key, value)
	}
	if call.RequestID != "" {
		md.Set("x-request-id", call.RequestID)
	}
	md.Set("x-plugin-id", call.PluginID)

	return metadata.NewOutgoingContext(ctx, md)
}

// handleGRPCError maps gRPC status codes to transport errors. Only
// Unavailable, DeadlineExceeded and ResourceExhausted stay retryable.
func (t *GRPCToolTransport) handleGRPCError(call ToolCall, err error) error {
	grpcStatus, ok := status.FromError(err)
	if !ok {
		return NewGRPCTransportError(err)
	}

	t.logger.Warn("Remote tool call failed",
		"plugin", call.PluginID,
		"tool", call.Binding.Tool,
		"code", grpcStatus.Code().String(),
		"message", grpcStatus.Message())

	retryable := false
	switch grpcStatus.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		retryable = true
	}
	return NewGRPCCallError(err, grpcStatus.Code().String(), call.Binding.Tool, retryable)
}
