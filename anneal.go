// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subnet

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"k8s.io/klog/v2"
)

// PruneRateVarName is the name of the scalar variable under Scope holding
// the effective prune rate of the current epoch. ModeGlobal reads it inside
// the graph, and AttachAnnealer rewrites it between epochs.
const PruneRateVarName = "current_prune_rate"

// PruneRateVar returns (creating it if needed) the variable with the
// effective prune rate. It lives in the "/subnet" scope regardless of the
// caller's current scope, so graph-building code and training hooks always
// agree on which variable they are talking about.
func PruneRateVar(ctx *context.Context, cfg *Config) *context.Variable {
	ctx = ctx.InAbsPath(context.RootScope).In(Scope).Checked(false)
	initial := AnnealedRate(0, cfg.PruneRate, cfg.AnnealEpochs)
	return ctx.VariableWithValue(PruneRateVarName, shapes.CastAsDType(initial, dtypes.Float32)).
		SetTrainable(false)
}

// AnnealedRate is the prune-rate schedule for epoch (0-based) of a run with
// the given final rate and horizon in epochs.
//
// It starts lenient, at rate 0.5, and approaches the final rate along a
// cubic curve that moves fastest in the early epochs, while the scores are
// still near their random initialization and an aggressive global threshold
// could silence entire layers for good. From epoch horizon onwards it
// returns exactly finalRate.
//
// The schedule only makes sense when it starts above the final rate, so a
// finalRate above 0.5, or a non-positive horizon, disables it: the final
// rate applies from epoch 0.
func AnnealedRate(epoch int, finalRate float64, horizon int) float64 {
	if horizon <= 0 || finalRate > 0.5 {
		return finalRate
	}
	if epoch >= horizon {
		return finalRate
	}
	decay := math.Pow(1.0-float64(epoch)/float64(horizon), 3.0)
	keep := (1.0 - finalRate) + (0.5-(1.0-finalRate))*decay
	return 1.0 - keep
}

// AttachAnnealer hooks the prune-rate schedule into a training loop driven
// by Loop.RunEpochs: on each epoch transition it rewrites the PruneRateVar
// that the compiled graph reads, so no recompilation happens across the
// schedule.
//
// OnStep hooks run after a step completes, so an epoch's rate takes effect
// from its second batch; the first batch still masks with the previous
// epoch's rate. Epoch 0 needs no hook at all: PruneRateVar is created with
// AnnealedRate(0, ...) as its initial value.
//
// It is a no-op to attach for configurations without an active schedule.
func AttachAnnealer(loop *train.Loop, ctx *context.Context, cfg *Config) {
	if cfg.Mode != ModeGlobal {
		return
	}
	rateVar := PruneRateVar(ctx, cfg)
	lastEpoch := -1
	loop.OnStep("subnet.annealer", 0, func(loop *train.Loop, _ []*tensors.Tensor) error {
		if loop.Epoch == lastEpoch {
			return nil
		}
		lastEpoch = loop.Epoch
		rate := AnnealedRate(loop.Epoch, cfg.PruneRate, cfg.AnnealEpochs)
		if err := rateVar.SetValue(tensors.FromScalar(float32(rate))); err != nil {
			return err
		}
		klog.V(1).Infof("subnet: epoch %d, effective prune rate %.4f", loop.Epoch, rate)
		return nil
	})
}
