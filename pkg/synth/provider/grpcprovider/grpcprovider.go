// Package grpcprovider is a synthesizer provider leg for a sidecar LLM
// gateway reached over gRPC, grounded on the teacher's pkg/agent/llm_grpc.go
// client shape — minus the protoc-generated stub package, which the example
// pack ships no .proto for (see DESIGN.md). Instead of generated message
// types, this adapter defines a tiny wire struct and registers it with
// google.golang.org/grpc's encoding.Codec registry, so the call still goes
// over a real grpc.ClientConn using google.golang.org/protobuf's JSON
// companion codec rather than hand-rolled framing.
package grpcprovider

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

const jsonCodecName = "advisory-json"

// jsonCodec marshals proto messages as JSON text instead of binary wire
// format, letting a sidecar gateway that only speaks JSON still be called
// through grpc.ClientConn.Invoke without generated .pb.go stubs.
type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("grpcprovider: %T does not implement proto.Message", v)
	}
	return protojson.Marshal(msg)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("grpcprovider: %T does not implement proto.Message", v)
	}
	return protojson.Unmarshal(data, msg)
}

func init() {
	// Registering under a distinct name (rather than overriding the default
	// "proto" codec) keeps this opt-in per call via grpc.CallContentSubtype.
	encoding.RegisterCodec(jsonCodec{})
}

// Provider calls a single unary RPC method on a sidecar gateway, encoding
// the request/response as a google.protobuf.Struct so no generated message
// types are required.
type Provider struct {
	conn       *grpc.ClientConn
	fullMethod string
}

// New dials target (e.g. "localhost:50061") and returns a Provider that
// invokes fullMethod (e.g. "/spark.advisory.v1.Synth/Complete").
func New(target, fullMethod string) (*Provider, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpcprovider: dialing %s: %w", target, err)
	}
	return &Provider{conn: conn, fullMethod: fullMethod}, nil
}

// Close releases the underlying connection.
func (p *Provider) Close() error { return p.conn.Close() }

func (p *Provider) Name() string { return "grpc_sidecar" }

// Query wraps prompt in a protobuf Struct request, invokes fullMethod, and
// reads a "text" field back out of the Struct response.
func (p *Provider) Query(ctx context.Context, prompt string) (string, error) {
	req, err := structpb.NewStruct(map[string]any{"prompt": prompt})
	if err != nil {
		return "", fmt.Errorf("grpcprovider: building request: %w", err)
	}

	resp := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, p.fullMethod, req, resp, grpc.CallContentSubtype(jsonCodecName)); err != nil {
		return "", fmt.Errorf("grpcprovider: invoking %s: %w", p.fullMethod, err)
	}

	text, ok := resp.Fields["text"]
	if !ok {
		return "", fmt.Errorf("grpcprovider: response missing text field")
	}
	return text.GetStringValue(), nil
}
