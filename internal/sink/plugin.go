package sink

import (
	"context"
	"errors"
	"fmt"
	"net/rpc"
	"os/exec"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-plugin"

	icdc "github.com/katasec/dstream-ingester-wikibase/internal/cdc"
	"github.com/katasec/dstream-ingester-wikibase/pkg/cdc"
)

// PluginName is the name a sink plugin is dispensed under.
const PluginName = "sink"

// Handshake is shared by the ingester and every sink plugin binary.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "DSTREAM_WIKIBASE_SINK",
	MagicCookieValue: "5f1b7c0e-wikibase-sink",
}

// DeliverResponse carries a sink error across the RPC boundary together
// with its classification.
type DeliverResponse struct {
	Error     string
	Retryable bool
}

// CursorResponse is the reply to LastCommittedCursor.
type CursorResponse struct {
	Cursor cdc.Cursor
	Error  string
}

// SinkRPCServer exposes a cdc.Sink over net/rpc.
type SinkRPCServer struct {
	Impl cdc.Sink
}

// Deliver is the server side of SinkRPC.Deliver.
func (s *SinkRPCServer) Deliver(batch *cdc.Batch, resp *DeliverResponse) error {
	if err := s.Impl.Deliver(context.Background(), batch); err != nil {
		resp.Error = err.Error()
		resp.Retryable = icdc.IsRetryable(err)
	}
	return nil
}

// LastCommittedCursor is the server side of SinkRPC.LastCommittedCursor.
func (s *SinkRPCServer) LastCommittedCursor(_ interface{}, resp *CursorResponse) error {
	cursor, err := s.Impl.LastCommittedCursor(context.Background())
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Cursor = cursor
	return nil
}

// SinkRPC is the client side of a sink plugin. It implements cdc.Sink.
type SinkRPC struct {
	client *rpc.Client
}

// Deliver implements cdc.Sink.
func (s *SinkRPC) Deliver(_ context.Context, batch *cdc.Batch) error {
	var resp DeliverResponse
	if err := s.client.Call("Plugin.Deliver", batch, &resp); err != nil {
		return rpcError(err)
	}
	if resp.Error == "" {
		return nil
	}
	err := errors.New(resp.Error)
	if resp.Retryable {
		return icdc.NewRetryableError(err)
	}
	return icdc.NewFatalError(err)
}

// LastCommittedCursor implements cdc.Sink.
func (s *SinkRPC) LastCommittedCursor(_ context.Context) (cdc.Cursor, error) {
	var resp CursorResponse
	if err := s.client.Call("Plugin.LastCommittedCursor", new(interface{}), &resp); err != nil {
		return cdc.Cursor{}, rpcError(err)
	}
	if resp.Error != "" {
		return cdc.Cursor{}, errors.New(resp.Error)
	}
	return resp.Cursor, nil
}

func rpcError(err error) error {
	if errors.Is(err, rpc.ErrShutdown) {
		return icdc.NewFatalError(fmt.Errorf("sink plugin exited: %w", err))
	}
	return fmt.Errorf("sink plugin call: %w", err)
}

// SinkPlugin is the go-plugin glue for cdc.Sink.
type SinkPlugin struct {
	Impl cdc.Sink
}

func (p *SinkPlugin) Server(*plugin.MuxBroker) (interface{}, error) {
	return &SinkRPCServer{Impl: p.Impl}, nil
}

func (p *SinkPlugin) Client(_ *plugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &SinkRPC{client: c}, nil
}

// OpenPluginSink launches a sink plugin binary and returns the dispensed
// sink. The returned func kills the plugin process.
func OpenPluginSink(path string, args []string, logger hclog.Logger) (cdc.Sink, func(), error) {
	client := plugin.NewClient(&plugin.ClientConfig{
		HandshakeConfig:  Handshake,
		Plugins:          map[string]plugin.Plugin{PluginName: &SinkPlugin{}},
		Cmd:              exec.Command(path, args...),
		AllowedProtocols: []plugin.Protocol{plugin.ProtocolNetRPC},
		Logger:           logger.Named("plugin"),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("start sink plugin %s: %w", path, err)
	}

	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, nil, fmt.Errorf("dispense sink plugin %s: %w", path, err)
	}

	sink, ok := raw.(cdc.Sink)
	if !ok {
		client.Kill()
		return nil, nil, fmt.Errorf("plugin %s does not implement the sink interface", path)
	}
	return sink, client.Kill, nil
}

// ServeSink serves impl as a sink plugin. It blocks until the host exits.
func ServeSink(impl cdc.Sink, logger hclog.Logger) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins:         map[string]plugin.Plugin{PluginName: &SinkPlugin{Impl: impl}},
		Logger:          logger,
	})
}
