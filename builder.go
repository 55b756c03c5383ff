package synapse

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// WorkflowBuilder provides a fluent API for defining workflow graphs:
//
//	flow := synapse.NewWorkflow("study-notes").
//	    Block("sum", "ai/summarize", map[string]any{"style": "brief"}).
//	    Block("show", "display/text", nil).
//	    Connect("__input__.text", "sum.text").
//	    Connect("sum.summary", "show.text")
//
//	if err := flow.Register(ctx, engine); err != nil {
//	    log.Fatal(err)
//	}
//
// Errors are collected and reported by Build, so calls can be chained
// without checks in between.
type WorkflowBuilder struct {
	def  Definition
	errs []error
}

// NewWorkflow creates a new workflow builder with the given id.
func NewWorkflow(id string) *WorkflowBuilder {
	b := &WorkflowBuilder{def: Definition{ID: id}}
	if id == "" {
		b.errs = append(b.errs, errors.New("workflow id must not be empty"))
	}
	return b
}

// ID returns the workflow id.
func (b *WorkflowBuilder) ID() string {
	return b.def.ID
}

// Name sets the human-readable workflow name.
func (b *WorkflowBuilder) Name(name string) *WorkflowBuilder {
	b.def.Name = name
	return b
}

// Block appends a block. Ports default to those registered for blockType.
func (b *WorkflowBuilder) Block(id, blockType string, config map[string]any) *WorkflowBuilder {
	return b.BlockWithPorts(id, blockType, config, nil, nil)
}

// BlockWithPorts appends a block with explicit input and output ports.
func (b *WorkflowBuilder) BlockWithPorts(id, blockType string, config map[string]any, inputs, outputs []string) *WorkflowBuilder {
	if id == "" {
		b.errs = append(b.errs, errors.New("block id must not be empty"))
		return b
	}
	if blockType == "" {
		b.errs = append(b.errs, fmt.Errorf("block %q: type must not be empty", id))
		return b
	}
	b.def.Blocks = append(b.def.Blocks, Block{
		ID:      id,
		Type:    blockType,
		Config:  config,
		Inputs:  inputs,
		Outputs: outputs,
	})
	return b
}

// Connect adds a connection from an output port to an input port, both
// written as "block.port". Connection ids are assigned in order as c1, c2
// and so on.
func (b *WorkflowBuilder) Connect(from, to string) *WorkflowBuilder {
	return b.ConnectID(fmt.Sprintf("c%d", len(b.def.Connections)+1), from, to)
}

// ConnectID is like Connect with an explicit connection id.
func (b *WorkflowBuilder) ConnectID(id, from, to string) *WorkflowBuilder {
	src, err := parseEndpoint(from)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("connection %q: %w", id, err))
		return b
	}
	dst, err := parseEndpoint(to)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("connection %q: %w", id, err))
		return b
	}
	b.def.Connections = append(b.def.Connections, Connection{ID: id, Source: src, Target: dst})
	return b
}

func parseEndpoint(s string) (Endpoint, error) {
	block, port, ok := strings.Cut(s, ".")
	if !ok || block == "" || port == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q must have the form block.port", s)
	}
	return Endpoint{BlockID: block, Port: port}, nil
}

// Build returns the definition, or every error recorded while building.
// Graph validation happens when the definition is registered.
func (b *WorkflowBuilder) Build() (Definition, error) {
	if err := errors.Join(b.errs...); err != nil {
		return Definition{}, err
	}
	return b.def, nil
}

// Register builds the workflow and registers it with the given engine.
func (b *WorkflowBuilder) Register(ctx context.Context, eng Engine) error {
	def, err := b.Build()
	if err != nil {
		return err
	}
	return eng.RegisterWorkflow(ctx, def)
}

// MustRegister is like Register but panics on error.
// Useful for initialization in main().
func (b *WorkflowBuilder) MustRegister(ctx context.Context, eng Engine) {
	if err := b.Register(ctx, eng); err != nil {
		panic(err)
	}
}
