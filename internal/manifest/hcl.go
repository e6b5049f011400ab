package manifest

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/alexisbeaulieu97/flowplug/pkg/capability"
	flowerrors "github.com/alexisbeaulieu97/flowplug/pkg/errors"
	"github.com/alexisbeaulieu97/flowplug/pkg/record"
)

// hclManifest is the plugin.hcl body:
//
//	name        = "csv_source"
//	capability  = "source_connector"
//	loader_kind = "native"
//	entry_point = "builtin:flowplug"
//	version     = "1.0.0"
//	config_schema = {
//	  type     = "object"
//	  required = ["path"]
//	}
type hclManifest struct {
	Name            string         `hcl:"name"`
	Capability      string         `hcl:"capability"`
	LoaderKind      string         `hcl:"loader_kind"`
	EntryPoint      string         `hcl:"entry_point"`
	Version         string         `hcl:"version"`
	ConcurrencySafe *bool          `hcl:"concurrency_safe,optional"`
	RuntimeVersion  *string        `hcl:"runtime_version,optional"`
	Description     *string        `hcl:"description,optional"`
	ConfigSchema    hcl.Expression `hcl:"config_schema,optional"`
	RecordSchema    hcl.Expression `hcl:"record_schema,optional"`
}

func parseHCL(path string, data []byte) (Manifest, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, path)
	if diags.HasErrors() {
		return Manifest{}, flowerrors.NewParseError(path, diagLine(diags), diags)
	}

	var raw hclManifest
	if diags := gohcl.DecodeBody(file.Body, nil, &raw); diags.HasErrors() {
		return Manifest{}, flowerrors.NewParseError(path, diagLine(diags), diags)
	}

	m := Manifest{
		Name:       raw.Name,
		Capability: capability.Kind(raw.Capability),
		LoaderKind: LoaderKind(raw.LoaderKind),
		EntryPoint: raw.EntryPoint,
		Version:    raw.Version,
	}
	if raw.ConcurrencySafe != nil {
		m.ConcurrencySafe = *raw.ConcurrencySafe
	}
	if raw.RuntimeVersion != nil {
		m.RuntimeVersion = *raw.RuntimeVersion
	}
	if raw.Description != nil {
		m.Description = *raw.Description
	}

	var err error
	if m.ConfigSchema, err = exprRecord(raw.ConfigSchema); err != nil {
		return Manifest{}, flowerrors.NewParseError(path, raw.ConfigSchema.Range().Start.Line, fmt.Errorf("config_schema: %w", err))
	}
	if m.RecordSchema, err = exprRecord(raw.RecordSchema); err != nil {
		return Manifest{}, flowerrors.NewParseError(path, raw.RecordSchema.Range().Start.Line, fmt.Errorf("record_schema: %w", err))
	}

	return m, nil
}

func exprRecord(expr hcl.Expression) (record.Record, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, diags
	}
	if val.IsNull() {
		return nil, nil
	}
	native, err := ctyToNative(val)
	if err != nil {
		return nil, err
	}
	converted, err := record.FromNative(native)
	if err != nil {
		return nil, err
	}
	rec, ok := converted.AsMap()
	if !ok {
		return nil, fmt.Errorf("expected an object, got %s", converted.Kind())
	}
	return rec, nil
}

// ctyToNative converts a cty.Value into plain Go data.
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
			return nil, fmt.Errorf("could not convert number: %w", err)
		}
		return f, nil
	case ty == cty.Bool:
		return v.True(), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, native)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			native, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute '%s': %w", key.AsString(), err)
			}
			out[key.AsString()] = native
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type %s", ty.FriendlyName())
}

func diagLine(diags hcl.Diagnostics) int {
	for _, diag := range diags {
		if diag.Subject != nil {
			return diag.Subject.Start.Line
		}
	}
	return 0
}
