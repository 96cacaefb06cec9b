// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subnet

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setKernelVars pre-creates a kernel's variables with known values, so the
// pruner's initializers are bypassed and the masks are deterministic.
func setKernelVars(ctx *context.Context, scope string, weights, scores []float32) {
	layerCtx := ctx.In("model").In(scope).Checked(false)
	layerCtx.VariableWithValue(WeightsVariableName, weights)
	if scores != nil {
		layerCtx.VariableWithValue(ScoresVariableName, scores)
	}
}

func TestPrunerLocal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamMode: "local", ParamPruneRate: 0.5})
	setKernelVars(ctx, "layer0", []float32{10, 20, 30, 40}, []float32{0.1, -0.9, 0.3, 0.5})
	setKernelVars(ctx, "layer1", []float32{1, 2, 3, 4}, []float32{-5, 4, 3, 2})

	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	results := context.MustExecOnceN(backend, ctx.Reuse(),
		func(ctx *context.Context, g *Graph) []*Node {
			p := NewPruner(ctx, g, cfg)
			modelCtx := ctx.In("model")
			k0 := p.Kernel(modelCtx.In("layer0"), shapes.Make(dtypes.F32, 4))
			k1 := p.Kernel(modelCtx.In("layer1"), shapes.Make(dtypes.F32, 4))
			p.Seal()
			return []*Node{k0.Masked(), k1.Masked()}
		})
	// Each layer keeps its own top-half by |score|, regardless of the other.
	require.Equal(t, []float32{0, 20, 0, 40}, results[0].Value())
	require.Equal(t, []float32{1, 2, 0, 0}, results[1].Value())
}

func TestPrunerGlobal(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamMode: "global", ParamPruneRate: 0.5})
	// All of layer1's magnitudes beat all of layer0's: globally, layer0 is
	// pruned away entirely.
	setKernelVars(ctx, "layer0", []float32{10, 20, 30, 40}, []float32{0.1, -0.2, 0.3, -0.4})
	setKernelVars(ctx, "layer1", []float32{1, 2, 3, 4}, []float32{-5, 6, 7, 8})

	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	results := context.MustExecOnceN(backend, ctx.Reuse(),
		func(ctx *context.Context, g *Graph) []*Node {
			p := NewPruner(ctx, g, cfg)
			modelCtx := ctx.In("model")
			k0 := p.Kernel(modelCtx.In("layer0"), shapes.Make(dtypes.F32, 4))
			k1 := p.Kernel(modelCtx.In("layer1"), shapes.Make(dtypes.F32, 4))
			p.Seal()
			return []*Node{k0.Masked(), k1.Masked()}
		})
	require.Equal(t, []float32{0, 0, 0, 0}, results[0].Value())
	require.Equal(t, []float32{1, 2, 3, 4}, results[1].Value())
}

func TestPrunerGlobalLayerFloor(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamMode: "global", ParamPruneRate: 0.5, ParamLayerFloor: true})
	setKernelVars(ctx, "layer0", []float32{10, 20, 30, 40}, []float32{0.1, -0.2, 0.3, -0.4})
	setKernelVars(ctx, "layer1", []float32{1, 2, 3, 4}, []float32{-5, 6, 7, 8})

	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	results := context.MustExecOnceN(backend, ctx.Reuse(),
		func(ctx *context.Context, g *Graph) []*Node {
			p := NewPruner(ctx, g, cfg)
			modelCtx := ctx.In("model")
			k0 := p.Kernel(modelCtx.In("layer0"), shapes.Make(dtypes.F32, 4))
			k1 := p.Kernel(modelCtx.In("layer1"), shapes.Make(dtypes.F32, 4))
			p.Seal()
			return []*Node{k0.Masked(), k1.Masked()}
		})
	// The floor forces layer0's best weight (score -0.4, weight 40) back in.
	require.Equal(t, []float32{0, 0, 0, 40}, results[0].Value())
	require.Equal(t, []float32{1, 2, 3, 4}, results[1].Value())
}

func TestPrunerDense(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamMode: "dense"})
	setKernelVars(ctx, "layer0", []float32{10, 20, 30, 40}, nil)

	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	got := context.MustExecOnce(backend, ctx.Reuse(),
		func(ctx *context.Context, g *Graph) *Node {
			p := NewPruner(ctx, g, cfg)
			k := p.Kernel(ctx.In("model").In("layer0"), shapes.Make(dtypes.F32, 4))
			p.Seal()
			return k.Masked()
		})
	require.Equal(t, []float32{10, 20, 30, 40}, got.Value())
	assert.Nil(t, ctx.GetVariableByScopeAndName("/model/layer0", ScoresVariableName),
		"dense mode creates no scores")
}

func TestPrunerFreezesWeights(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamMode: "local", ParamPruneRate: 0.5})

	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	require.True(t, cfg.FreezeWeights, "score-based runs freeze weights by default")
	_ = context.MustExecOnce(backend, ctx,
		func(ctx *context.Context, g *Graph) *Node {
			p := NewPruner(ctx, g, cfg)
			k := p.Kernel(ctx.In("model").In("layer0"), shapes.Make(dtypes.F32, 8))
			p.Seal()
			return k.Masked()
		})
	weightsVar := ctx.GetVariableByScopeAndName("/model/layer0", WeightsVariableName)
	require.NotNil(t, weightsVar)
	assert.False(t, weightsVar.Trainable)
	scoresVar := ctx.GetVariableByScopeAndName("/model/layer0", ScoresVariableName)
	require.NotNil(t, scoresVar)
	assert.True(t, scoresVar.Trainable)
}

func TestPrunerSignedConstantInit(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{ParamMode: "local", ParamPruneRate: 0.5})

	cfg, err := ConfigFromContext(ctx)
	require.NoError(t, err)
	require.Equal(t, "signed_constant", cfg.WeightInit)
	got := context.MustExecOnce(backend, ctx,
		func(ctx *context.Context, g *Graph) *Node {
			p := NewPruner(ctx, g, cfg)
			k := p.Kernel(ctx.In("model").In("layer0"), shapes.Make(dtypes.F32, 8, 4))
			p.Seal()
			return k.Weights()
		})
	// Every weight has the same magnitude sqrt(2/fanIn), only signs differ.
	weights := got.Value().([][]float32)
	want := float32(0.5) // sqrt(2/8)
	for _, row := range weights {
		for _, w := range row {
			if w < 0 {
				w = -w
			}
			assert.InDelta(t, want, w, 1e-6)
		}
	}
}
