// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package subnet implements training-time learned sparsity for GoMLX models:
// every prunable kernel carries a trainable "score" per weight, and a binary
// keep/drop mask is derived from the scores at every forward pass.
//
// Masks can be derived per-layer (each layer keeps its top scores) or
// globally (one threshold shared by all layers, computed over the
// concatenation of every layer's scores). The global mode supports a
// per-epoch annealing schedule of the target prune rate, which avoids
// collapsing entire layers before the scores have differentiated.
//
// The package is organized around:
//
//   - Pruner: created once per graph build, it registers every prunable
//     kernel (weights + scores variables), and after Seal derives the masks
//     for all of them, including the shared global threshold if needed.
//   - AnnealedRate / AttachAnnealer: the per-epoch prune-rate schedule.
//   - ComputeReport: the end-of-training sparsity audit.
//
// Configuration is read from context hyperparameters (see Param* constants),
// following the usual GoMLX convention.
package subnet

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

const (
	// ParamMode is the context hyperparameter with the pruning mode.
	// Valid values are "dense", "local", "global", "sample" and "continuous".
	// See Mode. The default is "dense".
	ParamMode = "subnet_mode"

	// ParamPruneRate is the context hyperparameter with the target fraction
	// of weights to drop, in [0, 1]. For ModeGlobal this is the final rate,
	// reached after annealing (see ParamPruneRateEpochs). Default is 0.5.
	ParamPruneRate = "prune_rate"

	// ParamPruneRateEpochs is the context hyperparameter with the number of
	// epochs over which the effective prune rate is annealed from a lenient
	// 0.5 up (or down) to ParamPruneRate. Only used by ModeGlobal and only
	// when ParamPruneRate <= 0.5. Default is 0 (no annealing).
	ParamPruneRateEpochs = "prune_rate_epochs"

	// ParamLayerFloor is the context hyperparameter that, when true, forces
	// each layer's top-scored weight into the mask in ModeGlobal, so no layer
	// is ever pruned to zero ("layer collapse"). It trades away strict global
	// rank consistency: a layer's single best weight may be kept while better
	// weights elsewhere are dropped. Default is false: the guarantee is then
	// only that at least one weight survives in the whole network.
	ParamLayerFloor = "subnet_layer_floor"

	// ParamFreezeWeights is the context hyperparameter that, when true,
	// marks the weights of prunable kernels as non-trainable, so only the
	// scores learn. Ignored in ModeDense. Default is true.
	ParamFreezeWeights = "freeze_weights"

	// ParamWeightInit is the context hyperparameter selecting the weight
	// initialization of prunable kernels: "normal" (fan-in scaled gaussian)
	// or "signed_constant" (fan-in scaled constant magnitude with random
	// sign). Default is "signed_constant" for score-based modes.
	ParamWeightInit = "weight_init"
)

// Mode selects how the keep/drop mask of each prunable kernel is derived.
//
// It is a closed enum: new pruning flavors must be added here and handled in
// every switch, so the compiler keeps dispatch exhaustive.
type Mode int

const (
	// ModeDense disables pruning: kernels have no scores and no masks.
	ModeDense Mode = iota

	// ModeLocal derives each layer's mask independently: the top keep-fraction
	// of the layer's scores (by absolute value) survive.
	ModeLocal

	// ModeGlobal derives one threshold over the concatenation of all layers'
	// scores; each layer's mask keeps the weights whose absolute score
	// reaches that shared threshold.
	ModeGlobal

	// ModeSample draws a stochastic mask: each weight survives with
	// probability sigmoid(score), re-sampled every forward pass.
	ModeSample

	// ModeContinuous applies sigmoid(score) as a soft, differentiable mask,
	// with no binarization.
	ModeContinuous
)

var modeNames = [...]string{"dense", "local", "global", "sample", "continuous"}

// String implements fmt.Stringer.
func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("Mode(%d)", int(m))
	}
	return modeNames[m]
}

// ParseMode converts the textual value of ParamMode to a Mode.
func ParseMode(text string) (Mode, error) {
	for ii, name := range modeNames {
		if text == name {
			return Mode(ii), nil
		}
	}
	return ModeDense, errors.Errorf("invalid %q value %q: valid values are %v", ParamMode, text, modeNames)
}

// UsesScores returns whether the mode creates a score variable alongside
// each kernel's weights.
func (m Mode) UsesScores() bool {
	return m != ModeDense
}

// Config holds the validated pruning configuration of one training run.
//
// Create it with ConfigFromContext, which is the only place configuration
// errors are surfaced: by the time a Pruner is built, the configuration is
// known to be sane.
type Config struct {
	// Mode of mask derivation. See Mode.
	Mode Mode

	// PruneRate is the (final) target fraction of weights to drop, in [0, 1].
	PruneRate float64

	// AnnealEpochs is the annealing horizon for ModeGlobal. Zero disables
	// annealing.
	AnnealEpochs int

	// LayerFloor keeps each layer's top weight in ModeGlobal. See
	// ParamLayerFloor.
	LayerFloor bool

	// FreezeWeights marks kernel weights non-trainable in score-based modes.
	FreezeWeights bool

	// WeightInit names the kernel weight initializer. See ParamWeightInit.
	WeightInit string
}

// ConfigFromContext reads and validates the pruning hyperparameters.
//
// It is meant to be called at setup time, before any training step: an
// invalid target rate or mode is a user configuration error and is returned
// immediately, never retried.
func ConfigFromContext(ctx *context.Context) (*Config, error) {
	modeText := context.GetParamOr(ctx, ParamMode, "dense")
	mode, err := ParseMode(modeText)
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Mode:          mode,
		PruneRate:     context.GetParamOr(ctx, ParamPruneRate, 0.5),
		AnnealEpochs:  context.GetParamOr(ctx, ParamPruneRateEpochs, 0),
		LayerFloor:    context.GetParamOr(ctx, ParamLayerFloor, false),
		FreezeWeights: context.GetParamOr(ctx, ParamFreezeWeights, true),
		WeightInit:    context.GetParamOr(ctx, ParamWeightInit, "signed_constant"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error if the configuration is not usable.
func (c *Config) Validate() error {
	if c.PruneRate < 0 || c.PruneRate > 1 {
		return errors.Errorf("%q must be in [0, 1], got %g", ParamPruneRate, c.PruneRate)
	}
	if c.AnnealEpochs < 0 {
		return errors.Errorf("%q must be >= 0, got %d", ParamPruneRateEpochs, c.AnnealEpochs)
	}
	switch c.WeightInit {
	case "normal", "signed_constant":
	default:
		return errors.Errorf("invalid %q value %q: valid values are \"normal\" and \"signed_constant\"",
			ParamWeightInit, c.WeightInit)
	}
	return nil
}

// KeepFraction returns the complement of the target prune rate: the fraction
// of weights to keep.
func (c *Config) KeepFraction() float64 {
	return 1 - c.PruneRate
}
