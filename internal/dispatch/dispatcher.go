// Package dispatch maps block types to handlers and invokes them.
package dispatch

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"runtime/debug"

	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/pkg/api"
)

// Dispatcher invokes the handler registered for a block's type.
type Dispatcher struct {
	registry *Registry
}

// New returns a Dispatcher backed by reg.
func New(reg *Registry) *Dispatcher {
	return &Dispatcher{registry: reg}
}

// Registry returns the registry the dispatcher looks handlers up in.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch runs block with the resolved inputs.
//
// An unregistered type yields *api.UnknownBlockTypeError. Any error or panic
// from the handler is wrapped in *api.HandlerExecutionError, as is an output
// that cannot be gob-encoded (a value whose concrete type was never passed
// to gob.Register). A nil output map is returned as an empty BlockOutput.
func (d *Dispatcher) Dispatch(ctx context.Context, block api.Block, inputs map[string]any) (out api.BlockOutput, err error) {
	h, ok := d.registry.Lookup(block.Type)
	if !ok {
		return nil, &api.UnknownBlockTypeError{BlockID: block.ID, BlockType: block.Type}
	}

	defer func() {
		if r := recover(); r != nil {
			ctxlog.FromContext(ctx).ErrorContext(ctx, "handler_panic",
				"block", block.ID,
				"type", block.Type,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			out = nil
			err = &api.HandlerExecutionError{
				BlockID:   block.ID,
				BlockType: block.Type,
				Err:       fmt.Errorf("panic: %v", r),
			}
		}
	}()

	config := block.Config
	if config == nil {
		config = map[string]any{}
	}
	if inputs == nil {
		inputs = map[string]any{}
	}

	res, err := h.Execute(ctx, config, inputs)
	if err != nil {
		return nil, &api.HandlerExecutionError{BlockID: block.ID, BlockType: block.Type, Err: err}
	}
	if res == nil {
		return api.BlockOutput{}, nil
	}
	out = api.BlockOutput(res)
	if err := checkEncodable(out); err != nil {
		return nil, &api.HandlerExecutionError{BlockID: block.ID, BlockType: block.Type, Err: err}
	}
	return out, nil
}

// checkEncodable fails when out could not be persisted with the run result.
func checkEncodable(out api.BlockOutput) error {
	if err := gob.NewEncoder(io.Discard).Encode(out); err != nil {
		return fmt.Errorf("output is not serializable: %w", err)
	}
	return nil
}
