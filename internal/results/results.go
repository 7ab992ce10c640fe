// Package results flattens captured probe state into a keyed
// structure and computes divergence metrics between models.
package results

import (
	"fmt"
	"sort"

	"github.com/quantlens/quantlens/internal/capture"
	"github.com/quantlens/quantlens/internal/graph"
	"github.com/quantlens/quantlens/internal/instrument"
	"github.com/quantlens/quantlens/internal/logger"
	"github.com/quantlens/quantlens/internal/match"
	"github.com/quantlens/quantlens/internal/metrics"
	"github.com/quantlens/quantlens/internal/tensor"
)

var log = logger.Log.With("results")

// Record is one probe's contribution to a results group: its captured
// value sequence plus the provenance needed to pair it with its
// counterpart in another model.
type Record struct {
	Type               string
	Values             []graph.Value
	RefNodeName        string
	RefNodeTargetType  string
	PrevNodeName       string
	PrevNodeTargetType string
	IndexWithinArg     int
	IndexOfArg         int
	FQN                string
	QConfigStr         string

	// Comparisons holds metric sequences attached by
	// ExtendResultsWithComparison, keyed by the caller's label.
	Comparisons map[string][]float64
}

// Results maps match name (rekeyed to the reference model's node name
// before being handed to callers) to result type to model name to
// records. Record lists are sorted by (IndexOfArg, IndexWithinArg).
type Results map[string]map[string]map[string][]*Record

// SortedNames returns the group keys in lexicographic order.
func (r Results) SortedNames() []string {
	out := make([]string, 0, len(r))
	for name := range r {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r Results) insert(refName, resultsType, modelName string, rec *Record) error {
	if r[refName] == nil {
		r[refName] = make(map[string]map[string][]*Record)
	}
	if r[refName][resultsType] == nil {
		r[refName][resultsType] = make(map[string][]*Record)
	}
	for _, existing := range r[refName][resultsType][modelName] {
		if existing.IndexOfArg == rec.IndexOfArg && existing.IndexWithinArg == rec.IndexWithinArg {
			metrics.RecordConstructionError("extract", "duplicate_model_record")
			return fmt.Errorf(
				"duplicate record for model %q in group (%s, %s) at slot (%d, %d)",
				modelName, refName, resultsType, rec.IndexOfArg, rec.IndexWithinArg)
		}
	}
	r[refName][resultsType][modelName] = append(r[refName][resultsType][modelName], rec)
	return nil
}

// sortRecords orders every record list by (IndexOfArg,
// IndexWithinArg) so extraction is deterministic regardless of probe
// insertion order.
func (r Results) sortRecords() {
	for _, byType := range r {
		for _, byModel := range byType {
			for _, recs := range byModel {
				sort.SliceStable(recs, func(i, j int) bool {
					if recs[i].IndexOfArg != recs[j].IndexOfArg {
						return recs[i].IndexOfArg < recs[j].IndexOfArg
					}
					return recs[i].IndexWithinArg < recs[j].IndexWithinArg
				})
			}
		}
	}
}

func recordFromProbe(p *capture.Probe) *Record {
	return &Record{
		Type:               p.ResultsType,
		Values:             p.Stats(),
		RefNodeName:        p.RefNodeName,
		RefNodeTargetType:  p.RefNodeTargetType,
		PrevNodeName:       p.PrevNodeName,
		PrevNodeTargetType: p.PrevNodeTargetType,
		IndexWithinArg:     p.IndexWithinArg,
		IndexOfArg:         p.IndexOfArg,
		FQN:                p.FQN,
		QConfigStr:         p.QConfigStr,
		Comparisons:        make(map[string][]float64),
	}
}

// extractOne folds one instrumented model's probes into r. A model
// contributing two records to the same group slot indicates duplicate
// instrumentation and fails.
func (r Results) extractOne(m *instrument.Model) error {
	return r.AddProbes(m.Probes.List())
}

// AddProbes folds a probe list into r, one record per probe.
func (r Results) AddProbes(probes []*capture.Probe) error {
	for _, p := range probes {
		if err := r.insert(p.RefName, p.ResultsType, p.ModelName, recordFromProbe(p)); err != nil {
			return err
		}
	}
	return nil
}

// FromProbes builds a sorted results structure straight from a probe
// list, without rekeying. The sweep flow uses this: its group keys
// already encode subgraph and candidate indices.
func FromProbes(probes []*capture.Probe) (Results, error) {
	r := make(Results)
	if err := r.AddProbes(probes); err != nil {
		return nil, err
	}
	r.sortRecords()
	r.backfillFQNs()
	return r, nil
}

// backfillFQNs completes records with an empty FQN from a sibling
// record in the same group sharing the reference node. Pure data
// completion, nothing is re-derived from the graph.
func (r Results) backfillFQNs() {
	for _, byType := range r {
		var donors []*Record
		for _, byModel := range byType {
			for _, recs := range byModel {
				for _, rec := range recs {
					if rec.FQN != "" {
						donors = append(donors, rec)
					}
				}
			}
		}
		for _, byModel := range byType {
			for _, recs := range byModel {
				for _, rec := range recs {
					if rec.FQN != "" {
						continue
					}
					for _, d := range donors {
						if d.RefNodeName == rec.RefNodeName {
							rec.FQN = d.FQN
							break
						}
					}
				}
			}
		}
	}
}

// rekeyOnNodeName replaces match-name keys with the RefNodeName of
// the reference model's first record, so callers see keys in terms of
// the model they consider canonical.
func (r Results) rekeyOnNodeName(refModel string) Results {
	out := make(Results, len(r))
	for name, byType := range r {
		key := name
	search:
		for _, byModel := range byType {
			for model, recs := range byModel {
				if model == refModel && len(recs) > 0 {
					key = recs[0].RefNodeName
					break search
				}
			}
		}
		out[key] = byType
	}
	return out
}

// ExtractLoggerInfo reads captured state back out of a pair of
// instrumented models. Reading is non-destructive: calling this twice
// without re-executing yields identical structures.
func ExtractLoggerInfo(ma, mb *instrument.Model, refModel string) (Results, error) {
	r := make(Results)
	if err := r.extractOne(ma); err != nil {
		return nil, err
	}
	if err := r.extractOne(mb); err != nil {
		return nil, err
	}
	r.sortRecords()
	r.backfillFQNs()
	return r.rekeyOnNodeName(refModel), nil
}

// ExtractShadowLoggerInfo reads captured state out of one combined
// shadow model, whose probes span both model names.
func ExtractShadowLoggerInfo(m *instrument.Model, refModel string) (Results, error) {
	r := make(Results)
	if err := r.extractOne(m); err != nil {
		return nil, err
	}
	r.sortRecords()
	r.backfillFQNs()
	return r.rekeyOnNodeName(refModel), nil
}

// ExtractWeights compares weights directly, no execution required:
// every matched pair whose base ops expose a weight tensor
// contributes one record per model.
func ExtractWeights(nameA string, a *graph.Graph, nameB string, b *graph.Graph, refModel string, opts match.Options) (Results, error) {
	res, err := match.MatchingSubgraphPairs(a, b, opts)
	if err != nil {
		return nil, fmt.Errorf("extract weights: %w", err)
	}
	r := make(Results)
	for _, matchName := range res.Names() {
		pair, _ := res.Pair(matchName)
		wa, okA := weightOf(a, pair.A.BaseOp)
		wb, okB := weightOf(b, pair.B.BaseOp)
		if !okA || !okB {
			log.Debug("match has no weights", "match", matchName)
			continue
		}
		recA := weightRecord(pair.A.BaseOp, a, wa)
		recB := weightRecord(pair.B.BaseOp, b, wb)
		if err := r.insert(matchName, capture.ResultTypeWeight, nameA, recA); err != nil {
			return nil, err
		}
		if err := r.insert(matchName, capture.ResultTypeWeight, nameB, recB); err != nil {
			return nil, err
		}
	}
	r.sortRecords()
	r.backfillFQNs()
	return r.rekeyOnNodeName(refModel), nil
}

func weightOf(g *graph.Graph, n *graph.Node) (*tensor.Tensor, bool) {
	if n.Op != graph.CallModule {
		return nil, false
	}
	m, ok := g.Module(n.Target)
	if !ok {
		return nil, false
	}
	w, ok := m.(graph.Weighted)
	if !ok {
		return nil, false
	}
	return w.Weight(), true
}

func weightRecord(n *graph.Node, g *graph.Graph, w *tensor.Tensor) *Record {
	return &Record{
		Type:               capture.ResultTypeWeight,
		Values:             []graph.Value{graph.TensorValue(w.Clone())},
		RefNodeName:        n.Name,
		RefNodeTargetType:  graph.NodeTypeString(n, g),
		PrevNodeName:       n.Name,
		PrevNodeTargetType: graph.NodeTypeString(n, g),
		FQN:                n.FQN,
		Comparisons:        make(map[string][]float64),
	}
}

// ExtendResultsWithComparison pairs model1 and model2 records by
// their (IndexOfArg, IndexWithinArg) slot, computes fn per aligned
// capture, and attaches the sequence to model2's record under key.
// Both models must be present in every group.
func ExtendResultsWithComparison(r Results, model1, model2 string, fn tensor.MetricFn, key string) error {
	for name, byType := range r {
		for resultsType, byModel := range byType {
			recs1, ok1 := byModel[model1]
			recs2, ok2 := byModel[model2]
			if !ok1 || !ok2 {
				metrics.RecordConstructionError("compare", "missing_model")
				return fmt.Errorf(
					"group (%s, %s): comparison requested between %q and %q but records are missing",
					name, resultsType, model1, model2)
			}
			for _, rec2 := range recs2 {
				rec1 := findSlot(recs1, rec2.IndexOfArg, rec2.IndexWithinArg)
				if rec1 == nil {
					metrics.RecordConstructionError("compare", "missing_counterpart")
					return fmt.Errorf(
						"group (%s, %s): no %q record at slot (%d, %d)",
						name, resultsType, model1, rec2.IndexOfArg, rec2.IndexWithinArg)
				}
				vals, err := compareSequences(rec1.Values, rec2.Values, fn)
				if err != nil {
					return fmt.Errorf("group (%s, %s): %w", name, resultsType, err)
				}
				if rec2.Comparisons == nil {
					rec2.Comparisons = make(map[string][]float64)
				}
				rec2.Comparisons[key] = vals
				for _, v := range vals {
					metrics.RecordComparisonValue(v)
				}
			}
		}
	}
	return nil
}

func findSlot(recs []*Record, indexOfArg, indexWithinArg int) *Record {
	for _, rec := range recs {
		if rec.IndexOfArg == indexOfArg && rec.IndexWithinArg == indexWithinArg {
			return rec
		}
	}
	return nil
}

// compareSequences applies fn pairwise over two aligned capture
// sequences. Tensor captures compare directly; recurrent captures
// compare their output tensors.
func compareSequences(ref, other []graph.Value, fn tensor.MetricFn) ([]float64, error) {
	n := len(ref)
	if len(other) != len(ref) {
		// Aligned probes see the same forward passes, so a length
		// mismatch means the runs diverged somewhere upstream.
		log.Warn("capture sequences have different lengths, comparing the shared prefix",
			"ref_captures", len(ref), "other_captures", len(other))
		if len(other) < n {
			n = len(other)
		}
	}
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		rt, err := comparableTensor(ref[i])
		if err != nil {
			return nil, err
		}
		ot, err := comparableTensor(other[i])
		if err != nil {
			return nil, err
		}
		v, err := fn(rt, ot)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func comparableTensor(v graph.Value) (*tensor.Tensor, error) {
	switch v.Kind {
	case graph.KindTensor:
		return v.Tensor, nil
	case graph.KindRNN:
		return v.RNN.Output, nil
	}
	return nil, fmt.Errorf("capture of kind %d is not comparable", v.Kind)
}
