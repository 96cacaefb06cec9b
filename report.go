// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subnet

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// LayerSparsity is one layer's entry in the end-of-training Report.
type LayerSparsity struct {
	// Name is the kernel's context scope.
	Name string `json:"name"`

	// TotalWeights and KeptWeights count the layer's weights before and
	// after masking.
	TotalWeights int `json:"total_weights"`
	KeptWeights  int `json:"kept_weights"`

	// PrunedPercent is 100 * (1 - KeptWeights/TotalWeights).
	PrunedPercent float64 `json:"pruned_percent"`
}

// Report is the sparsity audit of a trained model: how many weights each
// layer actually kept under the final masks, plus network-wide aggregates.
// Build it with ComputeReport.
type Report struct {
	// Mode is the textual pruning mode the model was trained with.
	Mode string `json:"mode"`

	// TargetPruneRate is the configured final prune rate. Compare with
	// PrunedPercent/100 to see how close the masks landed; local mode hits
	// it per layer up to rounding, global mode only in aggregate.
	TargetPruneRate float64 `json:"target_prune_rate"`

	// Threshold is the shared score magnitude cutoff. Only set in global
	// mode.
	Threshold float64 `json:"threshold,omitempty"`

	TotalWeights  int     `json:"total_weights"`
	KeptWeights   int     `json:"kept_weights"`
	PrunedPercent float64 `json:"pruned_percent"`

	// Layers are sorted by name (context scope).
	Layers []LayerSparsity `json:"layers"`
}

// ComputeReport evaluates the final masks of every prunable kernel found in
// ctx and tallies per-layer and aggregate sparsity.
//
// It uses the configured final prune rate, not the annealed one, so it
// reports the masks a finished run serves with. For ModeSample, where the
// mask is stochastic, it reports the most likely mask (sigmoid(score) >=
// 0.5); see SampledKeepFraction for the Monte-Carlo view. ModeContinuous has
// no binary mask, so the same 0.5 cut on the soft mask is reported.
func ComputeReport(backend backends.Backend, ctx *context.Context, cfg *Config) (*Report, error) {
	report := &Report{
		Mode:            cfg.Mode.String(),
		TargetPruneRate: cfg.PruneRate,
	}

	varName := ScoresVariableName
	if cfg.Mode == ModeDense {
		varName = WeightsVariableName
	}
	var scopes []string
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == varName {
			scopes = append(scopes, v.Scope())
		}
	})
	if len(scopes) == 0 {
		return nil, errors.Errorf("subnet: no %q variables found in context, nothing to report", varName)
	}
	sort.Strings(scopes)

	if cfg.Mode == ModeDense {
		for _, scope := range scopes {
			v := ctx.GetVariableByScopeAndName(scope, varName)
			size := v.Shape().Size()
			report.Layers = append(report.Layers, LayerSparsity{
				Name: scope, TotalWeights: size, KeptWeights: size})
			report.TotalWeights += size
			report.KeptWeights += size
		}
		return report, nil
	}

	outputs, err := context.ExecOnceN(backend, ctx.Reuse(),
		func(ctx *context.Context, g *Graph) []*Node {
			scores := make([]*Node, len(scopes))
			for ii, scope := range scopes {
				scores[ii] = ctx.GetVariableByScopeAndName(scope, varName).ValueGraph(g)
			}
			masks := make([]*Node, len(scopes))
			var threshold *Node
			switch cfg.Mode {
			case ModeLocal:
				for ii, s := range scores {
					masks[ii] = LocalMask(s, cfg.KeepFraction())
				}
			case ModeGlobal:
				rate := Scalar(g, scores[0].DType(), cfg.PruneRate)
				threshold = GlobalThreshold(scores, rate)
				for ii, s := range scores {
					mask := GreaterOrEqual(Abs(s), threshold)
					if cfg.LayerFloor {
						mask = Or(mask, layerTopMask(s))
					}
					masks[ii] = mask
				}
			case ModeSample, ModeContinuous:
				for ii, s := range scores {
					masks[ii] = GreaterOrEqual(Sigmoid(s), Scalar(g, s.DType(), 0.5))
				}
			}
			results := make([]*Node, 0, len(masks)+1)
			for _, mask := range masks {
				results = append(results, ReduceAllSum(ConvertDType(mask, dtypes.Int64)))
			}
			if threshold != nil {
				results = append(results, ConvertDType(threshold, dtypes.Float64))
			}
			return results
		})
	if err != nil {
		return nil, errors.WithMessage(err, "subnet: evaluating final masks for the sparsity report")
	}

	for ii, scope := range scopes {
		v := ctx.GetVariableByScopeAndName(scope, varName)
		size := v.Shape().Size()
		kept := int(tensors.ToScalar[int64](outputs[ii]))
		layer := LayerSparsity{Name: scope, TotalWeights: size, KeptWeights: kept}
		if size > 0 {
			layer.PrunedPercent = 100 * (1 - float64(kept)/float64(size))
		}
		report.Layers = append(report.Layers, layer)
		report.TotalWeights += size
		report.KeptWeights += kept
	}
	if cfg.Mode == ModeGlobal {
		report.Threshold = tensors.ToScalar[float64](outputs[len(scopes)])
	}
	if report.TotalWeights > 0 {
		report.PrunedPercent = 100 * (1 - float64(report.KeptWeights)/float64(report.TotalWeights))
	}
	return report, nil
}

// SampledKeepFraction Monte-Carlo estimates the expected fraction of weights
// a ModeSample model keeps, by drawing the stochastic masks samples times
// and averaging. It complements the maximum-likelihood view ComputeReport
// gives for that mode.
func SampledKeepFraction(backend backends.Backend, ctx *context.Context, samples int) (float64, error) {
	if samples <= 0 {
		return 0, errors.Errorf("subnet: samples must be > 0, got %d", samples)
	}
	var scopes []string
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == ScoresVariableName {
			scopes = append(scopes, v.Scope())
		}
	})
	if len(scopes) == 0 {
		return 0, errors.Errorf("subnet: no %q variables found in context", ScoresVariableName)
	}
	sort.Strings(scopes)

	exec, err := context.NewExec(backend, ctx.Reuse(),
		func(ctx *context.Context, g *Graph) *Node {
			var kept, total *Node
			for _, scope := range scopes {
				s := ctx.GetVariableByScopeAndName(scope, ScoresVariableName).ValueGraph(g)
				u := ctx.RandomUniform(g, s.Shape())
				mask := ConvertDType(LessThan(u, Sigmoid(s)), dtypes.Float64)
				layerKept := ReduceAllSum(mask)
				layerTotal := Scalar(g, dtypes.Float64, s.Shape().Size())
				if kept == nil {
					kept, total = layerKept, layerTotal
				} else {
					kept = Add(kept, layerKept)
					total = Add(total, layerTotal)
				}
			}
			return Div(kept, total)
		})
	if err != nil {
		return 0, err
	}
	defer exec.Finalize()
	var sum float64
	for range samples {
		output, err := exec.Exec1()
		if err != nil {
			return 0, err
		}
		sum += tensors.ToScalar[float64](output)
	}
	return sum / float64(samples), nil
}

// String formats the report as a small human-readable table, one line per
// layer plus the aggregate, the kind of thing to print at the end of
// training.
func (r *Report) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Sparsity report (mode=%s, target prune rate=%.2f)\n", r.Mode, r.TargetPruneRate)
	if r.Mode == ModeGlobal.String() {
		fmt.Fprintf(&sb, "\tGlobal threshold: |score| >= %.6f\n", r.Threshold)
	}
	for _, layer := range r.Layers {
		fmt.Fprintf(&sb, "\t%s: kept %d of %d (%.1f%% pruned)\n",
			layer.Name, layer.KeptWeights, layer.TotalWeights, layer.PrunedPercent)
	}
	fmt.Fprintf(&sb, "\tTotal: kept %d of %d (%.1f%% pruned)\n",
		r.KeptWeights, r.TotalWeights, r.PrunedPercent)
	return sb.String()
}

// Save writes the report as indented JSON to the given file.
func (r *Report) Save(path string) error {
	encoded, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "subnet: failed to encode sparsity report")
	}
	if err := os.WriteFile(path, encoded, 0644); err != nil {
		return errors.Wrapf(err, "subnet: failed to write sparsity report to %q", path)
	}
	return nil
}
