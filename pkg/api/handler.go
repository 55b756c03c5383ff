package api

import "context"

// Handler executes one block type.
//
// config is the block's static configuration and inputs holds the values
// routed to its input ports. Ports without a connection are absent from
// inputs. Handlers may block on I/O and should honour ctx.
type Handler interface {
	Execute(ctx context.Context, config, inputs map[string]any) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, config, inputs map[string]any) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, config, inputs map[string]any) (map[string]any, error) {
	return f(ctx, config, inputs)
}

// PortSpec is the default port declaration for a block type. Blocks that do
// not declare ports of their own inherit these.
type PortSpec struct {
	Inputs  []string
	Outputs []string
}
