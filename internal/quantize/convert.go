package quantize

import (
	"fmt"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/logger"
	"github.com/quantlens/quantlens/internal/match"
	"github.com/quantlens/quantlens/internal/metrics"
)

var log = logger.Log.With("quantize")

// ConvertOptions controls a whole-graph conversion.
type ConvertOptions struct {
	Mapping  ConfigMapping
	Patterns [][]string
	// Calibration is a set of input batches, one inner slice per
	// forward pass, used to observe activation ranges.
	Calibration [][]graph.Value
}

func (o ConvertOptions) patterns() [][]string {
	if o.Patterns != nil {
		return o.Patterns
	}
	return match.DefaultPatterns()
}

// ConvertGraph returns a quantized copy of src. Fused regions whose
// base op resolves to a qconfig are rewritten in place: the region
// input is routed through quantize_per_tensor with calibrated
// parameters, the weighted module is swapped for its int8
// counterpart, and the region output goes through dequantize. Regions
// mapped to a nil qconfig stay float.
func ConvertGraph(src *graph.Graph, opts ConvertOptions) (*graph.Graph, error) {
	out := src.Clone()
	regions := match.EnumerateSubgraphs(out, opts.patterns())
	cfgs := ResolveNodeConfigs(out, opts.Mapping)

	obs := make(map[string]*MinMaxObserver)
	for _, r := range regions {
		obs[r.Start.Name] = &MinMaxObserver{}
	}
	for i, batch := range opts.Calibration {
		if err := out.PropagateExamples(batch...); err != nil {
			return nil, fmt.Errorf("calibration batch %d: %w", i, err)
		}
		for _, r := range regions {
			in := r.Start.FirstInputNode()
			if in == nil || in.Example == nil || in.Example.Kind != graph.KindTensor {
				continue
			}
			obs[r.Start.Name].Observe(in.Example.Tensor)
		}
	}

	for _, r := range regions {
		qc := cfgs[r.Start.Name]
		if qc == nil {
			continue
		}
		if r.Start.Op != graph.CallModule {
			log.Debug("skipping region with non-module base", "node", r.Start.Name)
			continue
		}
		mod, ok := out.Module(r.Start.Target)
		if !ok {
			return nil, fmt.Errorf("node %s targets missing module %q", r.Start.Name, r.Start.Target)
		}
		if _, ok := mod.(graph.Weighted); !ok {
			continue
		}
		o := obs[r.Start.Name]
		if !o.Seen() {
			return nil, fmt.Errorf("region at %s was never calibrated", r.Start.Name)
		}
		qm, err := QuantizeModule(mod, qc, o)
		if err != nil {
			metrics.RecordConstructionError("convert_graph", "unquantizable_module")
			log.Warn("leaving region float", "node", r.Start.Name, "error", err.Error())
			continue
		}
		scale, zp := o.Params(qc)
		if _, err := out.InsertFunctionBeforeArg(r.Start, 0, 0,
			r.Start.Name+"_quant", "quantize_per_tensor",
			graph.ScalarArg(scale), graph.ScalarArg(zp)); err != nil {
			return nil, fmt.Errorf("insert quantize before %s: %w", r.Start.Name, err)
		}
		if err := out.ReplaceModule(r.Start.Target, qm); err != nil {
			return nil, fmt.Errorf("replace module %s: %w", r.Start.Target, err)
		}
		if _, err := out.InsertFunctionAfter(r.End, r.End.Name+"_dequant", "dequantize"); err != nil {
			return nil, fmt.Errorf("insert dequantize after %s: %w", r.End.Name, err)
		}
		log.Debug("converted region",
			"start", r.Start.Name, "end", r.End.Name,
			"qconfig", qc.String(), "scale", scale, "zero_point", zp)
	}
	if err := out.Recompile(); err != nil {
		return nil, fmt.Errorf("converted graph is invalid: %w", err)
	}
	return out, nil
}
