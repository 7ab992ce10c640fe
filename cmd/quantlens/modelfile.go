package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/nn"
	"github.com/quantlens/quantlens/internal/quantize"
	"github.com/quantlens/quantlens/internal/tensor"
)

// modelFile is the JSON description of a small feed-forward model
// plus the input batch to run it on.
type modelFile struct {
	Input  inputSpec   `json:"input"`
	Layers []layerSpec `json:"layers"`
}

type inputSpec struct {
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

type layerSpec struct {
	Type       string `json:"type"`
	In         int    `json:"in"`
	Out        int    `json:"out"`
	Seed       int64  `json:"seed"`
	Activation string `json:"activation"`
}

// loadModelFile reads the JSON description and builds the float
// graph and its input value.
func loadModelFile(path string) (*graph.Graph, graph.Value, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, graph.Value{}, fmt.Errorf("read model file: %w", err)
	}
	var mf modelFile
	if err := json.Unmarshal(raw, &mf); err != nil {
		return nil, graph.Value{}, fmt.Errorf("parse model file: %w", err)
	}
	if len(mf.Layers) == 0 {
		return nil, graph.Value{}, fmt.Errorf("model file has no layers")
	}

	in, err := tensor.FromData(mf.Input.Data, mf.Input.Shape...)
	if err != nil {
		return nil, graph.Value{}, fmt.Errorf("model input: %w", err)
	}

	g := graph.NewWithFuncs(graph.DefaultFuncs())
	cur := g.AddPlaceholder("x")
	for i, layer := range mf.Layers {
		switch layer.Type {
		case "linear":
			name := fmt.Sprintf("fc%d", i)
			if err := g.SetModule(name, nn.NewLinear(layer.In, layer.Out, layer.Seed)); err != nil {
				return nil, graph.Value{}, err
			}
			cur = g.AddCallModule(name, graph.NodeArg(cur))
		default:
			return nil, graph.Value{}, fmt.Errorf("layer %d: unknown type %q", i, layer.Type)
		}
		switch layer.Activation {
		case "":
		case "relu", "sigmoid":
			cur = g.AddCallFunction(layer.Activation, graph.NodeArg(cur))
		default:
			return nil, graph.Value{}, fmt.Errorf("layer %d: unknown activation %q", i, layer.Activation)
		}
	}
	if _, err := g.SetOutput(cur); err != nil {
		return nil, graph.Value{}, err
	}
	if err := g.Recompile(); err != nil {
		return nil, graph.Value{}, err
	}
	return g, graph.TensorValue(in), nil
}

// quantizedVariant builds the int8 counterpart of a float graph,
// calibrated on the model file's input.
func quantizedVariant(g *graph.Graph, input graph.Value) (*graph.Graph, error) {
	return quantize.ConvertGraph(g, quantize.ConvertOptions{
		Mapping:     quantize.ConfigMapping{Global: quantize.Int8Affine()},
		Calibration: [][]graph.Value{{input}},
	})
}
