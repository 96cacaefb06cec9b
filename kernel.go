// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subnet

import (
	"math"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"k8s.io/klog/v2"
)

const (
	// Scope is the context scope (under the root) where the pruner keeps its
	// own state, e.g. the current annealed prune rate.
	Scope = "subnet"

	// WeightsVariableName is the variable name of the kernel weights inside
	// each kernel's scope.
	WeightsVariableName = "weights"

	// ScoresVariableName is the variable name of the per-weight importance
	// scores inside each kernel's scope.
	ScoresVariableName = "scores"
)

// Kernel is one prunable weight tensor with its companion scores.
//
// Created by Pruner.Kernel during graph building. Its masked value is only
// available after Pruner.Seal, because in global mode no layer's mask can be
// derived before every layer's scores are registered.
type Kernel struct {
	// Name identifies the kernel in logs and in the sparsity report. It is
	// the context scope the kernel variables were created in.
	Name string

	weightsVar, scoresVar *context.Variable
	weights, scores       *Node
	masked                *Node
}

// Scores returns the graph node with the kernel's raw scores. It returns nil
// in ModeDense, which creates no scores.
func (k *Kernel) Scores() *Node { return k.scores }

// Weights returns the graph node with the kernel's unmasked weights.
func (k *Kernel) Weights() *Node { return k.weights }

// Masked returns the kernel weights with the keep/drop mask applied, the
// node a model should convolve or matmul with. It panics if the owning
// Pruner has not been sealed yet.
func (k *Kernel) Masked() *Node {
	if k.masked == nil {
		exceptions.Panicf("subnet: Kernel(%q).Masked() called before Pruner.Seal()", k.Name)
	}
	return k.masked
}

// Pruner registers the prunable kernels of one graph build and derives
// their masks.
//
// Usage follows a two-phase protocol per graph: first every layer calls
// Kernel to register its weights and scores, then Seal derives all masks at
// once, and only then Kernel.Masked becomes available. The two phases exist
// because ModeGlobal ranks all layers' scores against each other: the mask of
// the first layer depends on the scores of the last.
type Pruner struct {
	cfg    *Config
	ctx    *context.Context
	g      *Graph
	rate   *Node // Current prune rate, scalar F32. Nil outside ModeGlobal.
	kernels []*Kernel
	sealed bool
}

// NewPruner creates a Pruner for the graph being built.
//
// In ModeGlobal the effective prune rate is read from the annealing variable
// (see PruneRateVar), so the same compiled graph serves every epoch of the
// schedule.
func NewPruner(ctx *context.Context, g *Graph, cfg *Config) *Pruner {
	p := &Pruner{cfg: cfg, ctx: ctx, g: g}
	if cfg.Mode == ModeGlobal {
		p.rate = PruneRateVar(ctx, cfg).ValueGraph(g)
	}
	return p
}

// Kernel creates (or reuses) the weights and scores variables for one
// prunable tensor under the given ctx scope and registers it with the
// pruner. The returned Kernel yields its masked weights after Seal.
//
// In ModeDense only the weights variable is created.
func (p *Pruner) Kernel(ctx *context.Context, shape shapes.Shape) *Kernel {
	if p.sealed {
		exceptions.Panicf("subnet: Pruner.Kernel called after Seal, in scope %q", ctx.Scope())
	}
	k := &Kernel{Name: ctx.Scope()}
	weightsCtx := ctx
	if p.cfg.Mode.UsesScores() {
		weightsCtx = ctx.WithInitializer(weightInitializer(ctx, p.cfg.WeightInit))
	}
	k.weightsVar = weightsCtx.VariableWithShape(WeightsVariableName, shape)
	k.weights = k.weightsVar.ValueGraph(p.g)
	if p.cfg.Mode.UsesScores() {
		if p.cfg.FreezeWeights {
			k.weightsVar.SetTrainable(false)
		}
		scoresCtx := ctx.WithInitializer(scoreInitializer(ctx))
		k.scoresVar = scoresCtx.VariableWithShape(ScoresVariableName, shape)
		k.scores = k.scoresVar.ValueGraph(p.g)
	}
	p.kernels = append(p.kernels, k)
	return k
}

// Kernels returns the registered kernels, in registration order.
func (p *Pruner) Kernels() []*Kernel { return p.kernels }

// Seal derives the masks of every registered kernel. It must be called
// exactly once, after the last Kernel registration and before any call to
// Kernel.Masked.
func (p *Pruner) Seal() {
	if p.sealed {
		exceptions.Panicf("subnet: Pruner.Seal called twice")
	}
	p.sealed = true
	switch p.cfg.Mode {
	case ModeDense:
		for _, k := range p.kernels {
			k.masked = k.weights
		}

	case ModeLocal:
		for _, k := range p.kernels {
			mask := LocalMask(k.scores, p.cfg.KeepFraction())
			k.masked = Mul(k.weights, MaskWithPassThroughGradient(k.scores, mask))
		}

	case ModeGlobal:
		scores := make([]*Node, len(p.kernels))
		total := 0
		for ii, k := range p.kernels {
			scores[ii] = k.scores
			total += k.scores.Shape().Size()
		}
		if int(p.cfg.KeepFraction()*float64(total)+0.5) < 1 {
			klog.Warningf("subnet: prune rate %g would keep no weights out of %d; "+
				"keeping the single best-scored weight instead", p.cfg.PruneRate, total)
		}
		threshold := GlobalThreshold(scores, p.rate)
		for _, k := range p.kernels {
			mask := GreaterOrEqual(Abs(k.scores), threshold)
			if p.cfg.LayerFloor {
				mask = Or(mask, layerTopMask(k.scores))
			}
			mask = ConvertDType(mask, k.scores.DType())
			k.masked = Mul(k.weights, MaskWithPassThroughGradient(k.scores, mask))
		}

	case ModeSample:
		for _, k := range p.kernels {
			u := p.ctx.RandomUniform(p.g, k.scores.Shape())
			mask := ConvertDType(LessThan(u, Sigmoid(k.scores)), k.scores.DType())
			k.masked = Mul(k.weights, MaskWithPassThroughGradient(k.scores, mask))
		}

	case ModeContinuous:
		for _, k := range p.kernels {
			k.masked = Mul(k.weights, Sigmoid(k.scores))
		}
	}
}

// fanIn is the number of inputs feeding each unit of a kernel: all the axes
// but the last (output channels / output features) multiplied together.
func fanIn(shape shapes.Shape) int {
	rank := shape.Rank()
	if rank < 1 {
		return 1
	}
	n := shape.Size() / shape.Dimensions[rank-1]
	if n < 1 {
		n = 1
	}
	return n
}

// scoreInitializer is a fan-in scaled uniform ("He uniform") initializer,
// so scores of wide and narrow layers start at comparable magnitudes and an
// early global threshold does not wipe out whole layers.
func scoreInitializer(ctx *context.Context) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		limit := math.Sqrt(6.0 / float64(fanIn(shape)))
		return initializers.RandomUniformFn(ctx, -limit, limit)(g, shape)
	}
}

// weightInitializer returns the kernel weight initializer selected by
// ParamWeightInit: fan-in scaled gaussian, or the same gaussian's standard
// deviation as a constant magnitude with random sign ("signed constant").
// With frozen weights the signed constant makes every surviving weight carry
// the same magnitude, leaving the role of expressing importance entirely to
// the mask.
func weightInitializer(ctx *context.Context, name string) context.VariableInitializer {
	return func(g *Graph, shape shapes.Shape) *Node {
		stddev := math.Sqrt(2.0 / float64(fanIn(shape)))
		normal := initializers.RandomNormalFn(ctx, stddev)(g, shape)
		if name == "signed_constant" {
			return MulScalar(Sign(normal), stddev)
		}
		return normal
	}
}
