// Package hcldef reads and writes workflow definitions as HCL files.
//
// A file holds one or more workflow blocks:
//
//	workflow "study" {
//	  name = "Study pack"
//
//	  block "in" {
//	    type   = "input/text"
//	    config = { text = "hello" }
//	  }
//
//	  block "sum" {
//	    type = "ai/summarize"
//	  }
//
//	  connection "c1" {
//	    from = "in.text"
//	    to   = "sum.text"
//	  }
//	}
//
// Endpoints are written "block.port"; the block id ends at the first dot.
// Initial run inputs are addressed through the reserved "__input__" block.
package hcldef

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/7ama2004/synapse/internal/ctxlog"
	"github.com/7ama2004/synapse/pkg/api"
)

// fileExt is the extension of definition files.
const fileExt = ".hcl"

// fileRoot decodes all top-level blocks of a file.
type fileRoot struct {
	Workflows []*workflowBlock `hcl:"workflow,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type workflowBlock struct {
	ID          string             `hcl:"id,label"`
	Name        string             `hcl:"name,optional"`
	Blocks      []*blockBlock      `hcl:"block,block"`
	Connections []*connectionBlock `hcl:"connection,block"`
}

type blockBlock struct {
	ID      string         `hcl:"id,label"`
	Type    string         `hcl:"type"`
	Config  hcl.Expression `hcl:"config,optional"`
	Inputs  []string       `hcl:"inputs,optional"`
	Outputs []string       `hcl:"outputs,optional"`
}

type connectionBlock struct {
	ID   string `hcl:"id,label"`
	From string `hcl:"from"`
	To   string `hcl:"to"`
}

// Parse decodes the workflows in src. filename is used in diagnostics.
func Parse(src []byte, filename string) ([]api.Definition, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}
	return decodeFile(f, filename)
}

// ParseFile reads and decodes one definition file.
func ParseFile(path string) ([]api.Definition, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", path, diags)
	}
	return decodeFile(f, path)
}

// Load decodes every .hcl file found under paths. Directories are walked
// recursively and missing paths are skipped. A workflow id defined twice
// is an error.
func Load(ctx context.Context, paths ...string) ([]api.Definition, error) {
	sources, err := loadSources(ctx, paths)
	if err != nil {
		return nil, err
	}
	var out []api.Definition
	for _, src := range sources {
		out = append(out, src.defs...)
	}
	return out, nil
}

// source is one parsed file.
type source struct {
	path string
	defs []api.Definition
}

func loadSources(ctx context.Context, paths []string) ([]source, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := findHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	logger.DebugContext(ctx, "hcl_files_discovered", "count", len(files))

	var out []source
	origin := map[string]string{}
	total := 0
	for _, file := range files {
		defs, err := ParseFile(file)
		if err != nil {
			return nil, err
		}
		for _, def := range defs {
			if prev, dup := origin[def.ID]; dup {
				return nil, fmt.Errorf("workflow %q defined in both %s and %s", def.ID, prev, file)
			}
			origin[def.ID] = file
		}
		total += len(defs)
		out = append(out, source{path: file, defs: defs})
	}
	logger.DebugContext(ctx, "hcl_loaded", "workflows", total)
	return out, nil
}

func decodeFile(f *hcl.File, filename string) ([]api.Definition, error) {
	var root fileRoot
	if diags := gohcl.DecodeBody(f.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	defs := make([]api.Definition, 0, len(root.Workflows))
	for _, wf := range root.Workflows {
		def, err := translateWorkflow(wf)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filename, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func translateWorkflow(wf *workflowBlock) (api.Definition, error) {
	def := api.Definition{ID: wf.ID, Name: wf.Name}

	for _, b := range wf.Blocks {
		config, err := decodeConfig(b.Config)
		if err != nil {
			return api.Definition{}, fmt.Errorf("workflow %q block %q: %w", wf.ID, b.ID, err)
		}
		def.Blocks = append(def.Blocks, api.Block{
			ID:      b.ID,
			Type:    b.Type,
			Config:  config,
			Inputs:  b.Inputs,
			Outputs: b.Outputs,
		})
	}

	for _, c := range wf.Connections {
		src, err := parseEndpoint(c.From)
		if err != nil {
			return api.Definition{}, fmt.Errorf("workflow %q connection %q: from: %w", wf.ID, c.ID, err)
		}
		dst, err := parseEndpoint(c.To)
		if err != nil {
			return api.Definition{}, fmt.Errorf("workflow %q connection %q: to: %w", wf.ID, c.ID, err)
		}
		def.Connections = append(def.Connections, api.Connection{ID: c.ID, Source: src, Target: dst})
	}
	return def, nil
}

func parseEndpoint(s string) (api.Endpoint, error) {
	block, port, ok := strings.Cut(s, ".")
	if !ok || block == "" || port == "" {
		return api.Endpoint{}, fmt.Errorf("endpoint %q must be written block.port", s)
	}
	return api.Endpoint{BlockID: block, Port: port}, nil
}

// decodeConfig evaluates a block's config attribute. An absent attribute
// yields a nil map.
func decodeConfig(expr hcl.Expression) (map[string]any, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("invalid config: %w", diags)
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("config must be an object, got %s", val.Type().FriendlyName())
	}
	native, err := ctyToNative(val)
	if err != nil {
		return nil, err
	}
	return native.(map[string]any), nil
}

// ctyToNative converts a cty.Value to plain Go values: string, float64,
// bool, []any and map[string]any.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("could not convert number to float64: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		slice := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			n, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			slice = append(slice, n)
		}
		return slice, nil

	case ty.IsObjectType() || ty.IsMapType():
		m := make(map[string]any, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			n, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute '%s': %w", key.AsString(), err)
			}
			m[key.AsString()] = n
		}
		return m, nil
	}
	return nil, fmt.Errorf("unsupported config value of type %s", ty.FriendlyName())
}

// findHCLFiles walks paths and returns the .hcl files found, without
// duplicates.
func findHCLFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, ok := seen[p]; !ok {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}
		if !info.IsDir() {
			if filepath.Ext(path) == fileExt {
				add(path)
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == fileExt {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}
