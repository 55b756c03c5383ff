package hcldef

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/7ama2004/synapse/pkg/api"
)

// Format renders defs as an HCL file that Parse reads back.
func Format(defs ...api.Definition) ([]byte, error) {
	f := hclwrite.NewEmptyFile()
	root := f.Body()

	for i, def := range defs {
		if i > 0 {
			root.AppendNewline()
		}
		wf := root.AppendNewBlock("workflow", []string{def.ID}).Body()
		if def.Name != "" {
			wf.SetAttributeValue("name", cty.StringVal(def.Name))
		}

		for _, b := range def.Blocks {
			wf.AppendNewline()
			body := wf.AppendNewBlock("block", []string{b.ID}).Body()
			body.SetAttributeValue("type", cty.StringVal(b.Type))
			if len(b.Config) > 0 {
				val, err := nativeToCty(b.Config)
				if err != nil {
					return nil, fmt.Errorf("workflow %q block %q: config: %w", def.ID, b.ID, err)
				}
				body.SetAttributeValue("config", val)
			}
			if len(b.Inputs) > 0 {
				body.SetAttributeValue("inputs", stringList(b.Inputs))
			}
			if len(b.Outputs) > 0 {
				body.SetAttributeValue("outputs", stringList(b.Outputs))
			}
		}

		for _, c := range def.Connections {
			wf.AppendNewline()
			body := wf.AppendNewBlock("connection", []string{c.ID}).Body()
			body.SetAttributeValue("from", cty.StringVal(c.Source.String()))
			body.SetAttributeValue("to", cty.StringVal(c.Target.String()))
		}
	}
	return hclwrite.Format(f.Bytes()), nil
}

func stringList(ss []string) cty.Value {
	vals := make([]cty.Value, len(ss))
	for i, s := range ss {
		vals[i] = cty.StringVal(s)
	}
	return cty.ListVal(vals)
}

// nativeToCty is the inverse of ctyToNative for the value shapes block
// configs hold.
func nativeToCty(v any) (cty.Value, error) {
	switch x := v.(type) {
	case nil:
		return cty.NullVal(cty.DynamicPseudoType), nil
	case string:
		return cty.StringVal(x), nil
	case bool:
		return cty.BoolVal(x), nil
	case int:
		return cty.NumberIntVal(int64(x)), nil
	case int32:
		return cty.NumberIntVal(int64(x)), nil
	case int64:
		return cty.NumberIntVal(x), nil
	case float32:
		return cty.NumberFloatVal(float64(x)), nil
	case float64:
		return cty.NumberFloatVal(x), nil
	case []string:
		if len(x) == 0 {
			return cty.EmptyTupleVal, nil
		}
		return stringList(x), nil
	case []any:
		if len(x) == 0 {
			return cty.EmptyTupleVal, nil
		}
		elems := make([]cty.Value, len(x))
		for i, e := range x {
			ev, err := nativeToCty(e)
			if err != nil {
				return cty.NilVal, fmt.Errorf("[%d]: %w", i, err)
			}
			elems[i] = ev
		}
		return cty.TupleVal(elems), nil
	case map[string]any:
		if len(x) == 0 {
			return cty.EmptyObjectVal, nil
		}
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		attrs := make(map[string]cty.Value, len(x))
		for _, k := range keys {
			ev, err := nativeToCty(x[k])
			if err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", k, err)
			}
			attrs[k] = ev
		}
		return cty.ObjectVal(attrs), nil
	}
	return cty.NilVal, fmt.Errorf("unsupported value of type %T", v)
}
