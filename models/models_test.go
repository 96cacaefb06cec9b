// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

import (
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/subnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	require.Equal(t, []string{"conv2", "conv4", "conv6", "fnn"}, Names())
	p, err := Get("conv4")
	require.NoError(t, err)
	assert.Equal(t, Conv4, p)
	_, err = Get("resnet50")
	require.Error(t, err)

	ctx := context.New()
	p, err = FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "conv4", p.Name, "default model")
	ctx.SetParams(map[string]any{ParamModel: "fnn"})
	p, err = FromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "fnn", p.Name)
}

func TestKernelShapes(t *testing.T) {
	input := shapes.Make(dtypes.F32, 7, 28, 28, 1)

	t.Run("fnn", func(t *testing.T) {
		got := FNN.KernelShapes(input, 10)
		require.Len(t, got, 3)
		require.NoError(t, got[0].Check(dtypes.F32, 784, 300))
		require.NoError(t, got[1].Check(dtypes.F32, 300, 100))
		require.NoError(t, got[2].Check(dtypes.F32, 100, 10))
		assert.Equal(t, 784*300+300*100+100*10, FNN.NumWeights(input, 10))
	})

	t.Run("conv2", func(t *testing.T) {
		got := Conv2.KernelShapes(input, 10)
		require.Len(t, got, 5)
		require.NoError(t, got[0].Check(dtypes.F32, 3, 3, 1, 64))
		require.NoError(t, got[1].Check(dtypes.F32, 3, 3, 64, 64))
		// One pooling: 28x28 -> 14x14, flattened with 64 channels.
		require.NoError(t, got[2].Check(dtypes.F32, 14*14*64, 256))
		require.NoError(t, got[3].Check(dtypes.F32, 256, 256))
		require.NoError(t, got[4].Check(dtypes.F32, 256, 10))
	})

	t.Run("conv6", func(t *testing.T) {
		got := Conv6.KernelShapes(input, 10)
		require.Len(t, got, 9)
		// Three poolings: 28 -> 14 -> 7 -> 3 (integer halving).
		require.NoError(t, got[6].Check(dtypes.F32, 3*3*256, 256))
	})
}

func TestGraphFn(t *testing.T) {
	backend := graphtest.BuildTestBackend()

	for _, mode := range []string{"dense", "local", "global"} {
		t.Run(mode, func(t *testing.T) {
			ctx := context.New()
			ctx.SetParams(map[string]any{
				subnet.ParamMode:      mode,
				subnet.ParamPruneRate: 0.5,
			})
			modelFn := FNN.GraphFn(10)
			logits := context.MustExecOnce(backend, ctx,
				func(ctx *context.Context, g *Graph) *Node {
					images := Ones(g, shapes.Make(dtypes.F32, 3, 28, 28, 1))
					return modelFn(ctx, nil, []*Node{images})[0]
				})
			require.NoError(t, logits.Shape().Check(dtypes.F32, 3, 10))
		})
	}
}

func TestGraphFnCreatesScores(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetParams(map[string]any{
		subnet.ParamMode:      "global",
		subnet.ParamPruneRate: 0.5,
	})
	modelFn := Conv2.GraphFn(10)
	_ = context.MustExecOnce(backend, ctx,
		func(ctx *context.Context, g *Graph) *Node {
			images := Ones(g, shapes.Make(dtypes.F32, 2, 28, 28, 1))
			return modelFn(ctx, nil, []*Node{images})[0]
		})
	numScores := 0
	ctx.EnumerateVariables(func(v *context.Variable) {
		if v.Name() == subnet.ScoresVariableName {
			numScores++
		}
	})
	assert.Equal(t, 5, numScores, "one score tensor per kernel")
}
