package quantize

import (
	"fmt"

	"github.com/quantlens/quantlens/internal/graph"
)

// Step is one op of a fused chain handed to a backend: either a
// module instance or a named function from the graph's function
// table.
type Step struct {
	Module graph.Module
	Fn     string
}

// Prepared is a calibration-mode module. Running it forwards in float
// while observing activation ranges; Convert freezes the observed
// ranges into a quantized module.
type Prepared interface {
	graph.Module
	Convert() (graph.Module, error)
}

// Backend turns a fused chain of float steps into a Prepared unit for
// one quantization candidate.
type Backend interface {
	Name() string
	Prepare(steps []Step, qc *QConfig, funcs graph.FuncTable) (Prepared, error)
}

// IntAffineBackend simulates integer quantization with per-tensor
// affine or symmetric parameters.
type IntAffineBackend struct{}

func (IntAffineBackend) Name() string { return "int_affine" }

func (IntAffineBackend) Prepare(steps []Step, qc *QConfig, funcs graph.FuncTable) (Prepared, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("prepare: empty chain")
	}
	if qc == nil {
		return nil, fmt.Errorf("prepare: nil qconfig")
	}
	p := &chainPrepared{qc: qc, funcs: funcs}
	for i, s := range steps {
		switch {
		case s.Module != nil:
			p.steps = append(p.steps, preparedStep{module: s.Module.CloneModule()})
		case s.Fn != "":
			if _, ok := funcs[s.Fn]; !ok {
				return nil, fmt.Errorf("prepare: unknown function %q at step %d", s.Fn, i)
			}
			p.steps = append(p.steps, preparedStep{fn: s.Fn})
		default:
			return nil, fmt.Errorf("prepare: empty step %d", i)
		}
	}
	return p, nil
}

type preparedStep struct {
	module graph.Module
	fn     string
	obs    MinMaxObserver
}

// chainPrepared runs the original float chain while observing the
// input of every weighted step.
type chainPrepared struct {
	steps []preparedStep
	qc    *QConfig
	funcs graph.FuncTable
}

func (c *chainPrepared) OpType() string { return "prepared_chain" }

func (c *chainPrepared) CloneModule() graph.Module {
	clone := &chainPrepared{qc: c.qc, funcs: c.funcs}
	for _, s := range c.steps {
		ns := preparedStep{fn: s.fn, obs: s.obs}
		if s.module != nil {
			ns.module = s.module.CloneModule()
		}
		clone.steps = append(clone.steps, ns)
	}
	return clone
}

func (c *chainPrepared) Forward(vals ...graph.Value) (graph.Value, error) {
	if len(vals) < 1 {
		return graph.Value{}, fmt.Errorf("prepared_chain: missing input")
	}
	cur := vals[0]
	for i := range c.steps {
		s := &c.steps[i]
		if cur.Kind == graph.KindTensor {
			s.obs.Observe(cur.Tensor)
		}
		var err error
		if s.module != nil {
			cur, err = s.module.Forward(cur)
		} else {
			cur, err = c.funcs[s.fn](cur)
		}
		if err != nil {
			return graph.Value{}, fmt.Errorf("prepared_chain step %d: %w", i, err)
		}
	}
	return cur, nil
}

// Convert freezes observed ranges into quantized modules. Steps with
// no quantized form (activations, functions) are kept as-is.
func (c *chainPrepared) Convert() (graph.Module, error) {
	conv := &chainConverted{funcs: c.funcs}
	for i := range c.steps {
		s := &c.steps[i]
		if s.module == nil {
			conv.steps = append(conv.steps, convertedStep{fn: s.fn})
			continue
		}
		if _, ok := s.module.(graph.Weighted); ok {
			if !s.obs.Seen() {
				return nil, fmt.Errorf("convert: step %d was never calibrated", i)
			}
			qm, err := QuantizeModule(s.module, c.qc, &s.obs)
			if err != nil {
				return nil, fmt.Errorf("convert step %d: %w", i, err)
			}
			conv.steps = append(conv.steps, convertedStep{module: qm})
			continue
		}
		conv.steps = append(conv.steps, convertedStep{module: s.module.CloneModule()})
	}
	return conv, nil
}

type convertedStep struct {
	module graph.Module
	fn     string
}

// chainConverted is the frozen quantized chain.
type chainConverted struct {
	steps []convertedStep
	funcs graph.FuncTable
}

func (c *chainConverted) OpType() string { return "quantized_chain" }

func (c *chainConverted) CloneModule() graph.Module {
	clone := &chainConverted{funcs: c.funcs}
	for _, s := range c.steps {
		ns := convertedStep{fn: s.fn}
		if s.module != nil {
			ns.module = s.module.CloneModule()
		}
		clone.steps = append(clone.steps, ns)
	}
	return clone
}

func (c *chainConverted) Forward(vals ...graph.Value) (graph.Value, error) {
	if len(vals) < 1 {
		return graph.Value{}, fmt.Errorf("quantized_chain: missing input")
	}
	cur := vals[0]
	for i, s := range c.steps {
		var err error
		if s.module != nil {
			cur, err = s.module.Forward(cur)
		} else {
			cur, err = c.funcs[s.fn](cur)
		}
		if err != nil {
			return graph.Value{}, fmt.Errorf("quantized_chain step %d: %w", i, err)
		}
	}
	return cur, nil
}
