package sweep

import (
	"fmt"
	"io"
	"sort"

	"github.com/olekukonko/tablewriter"

	"github.com/quantlens/quantlens/internal/capture"
	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/results"
	"github.com/quantlens/quantlens/internal/tensor"
)

// Branch is one probed sweep branch: candidate 0 is the float
// reference, higher candidates are quantized variants.
type Branch struct {
	Candidate   int
	QConfig     string
	RefNodeName string
	Values      []graph.Value
}

// SubgraphResults collects all branches probed for one region, in
// candidate order.
type SubgraphResults struct {
	Subgraph int
	Branches []Branch
}

// ExtractResultsNShadowsModel reads the sweep probes into the flat
// results structure, keyed by the subgraph/candidate group names.
func ExtractResultsNShadowsModel(m *Model) (results.Results, error) {
	return results.FromProbes(m.Probes.List())
}

// GroupResultsBySubgraph reshapes flat sweep results into an ordered
// per-subgraph view.
func GroupResultsBySubgraph(r results.Results) ([]SubgraphResults, error) {
	bySubgraph := make(map[int]*SubgraphResults)
	for name, byType := range r {
		var si, ci int
		if _, err := fmt.Sscanf(name, "subgraph_%d_%d", &si, &ci); err != nil {
			return nil, fmt.Errorf("group results: key %q is not a sweep group", name)
		}
		recs := byType[capture.ResultTypeNodeOutput][ModelName]
		if len(recs) != 1 {
			return nil, fmt.Errorf("group results: group %q has %d records, want 1", name, len(recs))
		}
		rec := recs[0]
		sg := bySubgraph[si]
		if sg == nil {
			sg = &SubgraphResults{Subgraph: si}
			bySubgraph[si] = sg
		}
		sg.Branches = append(sg.Branches, Branch{
			Candidate:   ci,
			QConfig:     rec.QConfigStr,
			RefNodeName: rec.RefNodeName,
			Values:      rec.Values,
		})
	}

	out := make([]SubgraphResults, 0, len(bySubgraph))
	for _, sg := range bySubgraph {
		sort.Slice(sg.Branches, func(i, j int) bool {
			return sg.Branches[i].Candidate < sg.Branches[j].Candidate
		})
		out = append(out, *sg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subgraph < out[j].Subgraph })
	return out, nil
}

// BranchComparison is one quantized branch's divergence from the
// float reference.
type BranchComparison struct {
	Candidate int
	QConfig   string
	Values    []float64
	Mean      float64
}

// SubgraphComparison holds all quantized branches of one region.
type SubgraphComparison struct {
	Subgraph    int
	RefNodeName string
	Branches    []BranchComparison
}

// CreateResultsComparison computes fn between every quantized branch
// and its subgraph's float branch, per aligned capture. Subgraphs
// without a float branch fail: that indicates a broken sweep build.
func CreateResultsComparison(grouped []SubgraphResults, fn tensor.MetricFn) ([]SubgraphComparison, error) {
	out := make([]SubgraphComparison, 0, len(grouped))
	for _, sg := range grouped {
		if len(sg.Branches) == 0 || sg.Branches[0].Candidate != 0 {
			return nil, fmt.Errorf("subgraph %d has no float reference branch", sg.Subgraph)
		}
		ref := sg.Branches[0]
		cmp := SubgraphComparison{Subgraph: sg.Subgraph, RefNodeName: ref.RefNodeName}
		for _, br := range sg.Branches[1:] {
			n := len(ref.Values)
			if len(br.Values) < n {
				n = len(br.Values)
			}
			bc := BranchComparison{Candidate: br.Candidate, QConfig: br.QConfig}
			var sum float64
			for i := 0; i < n; i++ {
				rt, err := outputTensor(ref.Values[i])
				if err != nil {
					return nil, fmt.Errorf("subgraph %d: %w", sg.Subgraph, err)
				}
				bt, err := outputTensor(br.Values[i])
				if err != nil {
					return nil, fmt.Errorf("subgraph %d: %w", sg.Subgraph, err)
				}
				v, err := fn(rt, bt)
				if err != nil {
					return nil, fmt.Errorf("subgraph %d candidate %d: %w", sg.Subgraph, br.Candidate, err)
				}
				bc.Values = append(bc.Values, v)
				sum += v
			}
			if len(bc.Values) > 0 {
				bc.Mean = sum / float64(len(bc.Values))
			}
			cmp.Branches = append(cmp.Branches, bc)
		}
		out = append(out, cmp)
	}
	return out, nil
}

func outputTensor(v graph.Value) (*tensor.Tensor, error) {
	switch v.Kind {
	case graph.KindTensor:
		return v.Tensor, nil
	case graph.KindRNN:
		return v.RNN.Output, nil
	}
	return nil, fmt.Errorf("capture is not tensor-shaped")
}

// PrintNShadowsSummary renders the comparison as a table, marking the
// best candidate per subgraph by highest mean metric value.
func PrintNShadowsSummary(w io.Writer, cmp []SubgraphComparison, metricName string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"subgraph", "node", "candidate", "qconfig", "mean " + metricName, "best"})
	table.SetAutoFormatHeaders(false)

	for _, sg := range cmp {
		best := -1
		bestMean := 0.0
		for i, br := range sg.Branches {
			if best == -1 || br.Mean > bestMean {
				best = i
				bestMean = br.Mean
			}
		}
		for i, br := range sg.Branches {
			marker := ""
			if i == best {
				marker = "*"
			}
			table.Append([]string{
				fmt.Sprintf("%d", sg.Subgraph),
				sg.RefNodeName,
				fmt.Sprintf("%d", br.Candidate),
				br.QConfig,
				fmt.Sprintf("%.3f", br.Mean),
				marker,
			})
		}
	}
	table.Render()
}
