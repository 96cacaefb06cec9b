// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subnet

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnnealedRate(t *testing.T) {
	t.Run("Endpoints", func(t *testing.T) {
		// Final rate 0.3 over 10 epochs: starts at the lenient 0.5 and ends
		// exactly at 0.3.
		assert.InDelta(t, 0.5, AnnealedRate(0, 0.3, 10), 1e-9)
		assert.InDelta(t, 0.3, AnnealedRate(10, 0.3, 10), 1e-9)
		assert.InDelta(t, 0.3, AnnealedRate(15, 0.3, 10), 1e-9, "stays at the final rate after the horizon")
	})

	t.Run("MonotoneDecreasing", func(t *testing.T) {
		prev := AnnealedRate(0, 0.3, 10)
		for epoch := 1; epoch <= 10; epoch++ {
			rate := AnnealedRate(epoch, 0.3, 10)
			require.LessOrEqual(t, rate, prev, "epoch %d", epoch)
			prev = rate
		}
	})

	t.Run("CubicShape", func(t *testing.T) {
		// decay=(1-e/E)^3, keep=(1-final)+(0.5-(1-final))*decay.
		// At epoch 5 of 10 with final 0.3: decay=0.125, keep=0.675, rate=0.325.
		assert.InDelta(t, 0.325, AnnealedRate(5, 0.3, 10), 1e-9)
	})

	t.Run("DisabledAboveHalf", func(t *testing.T) {
		// A final rate above 0.5 would anneal upwards from 0.5, pruning less
		// than the final target at every epoch. The schedule is disabled.
		for epoch := 0; epoch <= 10; epoch++ {
			assert.InDelta(t, 0.6, AnnealedRate(epoch, 0.6, 10), 1e-9, "epoch %d", epoch)
		}
	})

	t.Run("DisabledWithoutHorizon", func(t *testing.T) {
		assert.InDelta(t, 0.3, AnnealedRate(0, 0.3, 0), 1e-9)
		assert.InDelta(t, 0.3, AnnealedRate(7, 0.3, -1), 1e-9)
	})
}

func TestPruneRateVar(t *testing.T) {
	// The annealer hook only fires on epoch transitions, so the whole of
	// epoch 0 trains with the variable's initial value: it must already be
	// the epoch-0 point of the schedule, not the final rate.
	ctx := context.New()
	cfg := &Config{Mode: ModeGlobal, PruneRate: 0.3, AnnealEpochs: 10}
	rateVar := PruneRateVar(ctx, cfg)
	require.InDelta(t, 0.5, float64(tensors.ToScalar[float32](rateVar.MustValue())), 1e-6)

	// Without a schedule the initial value is the final rate itself.
	ctx = context.New()
	cfg = &Config{Mode: ModeGlobal, PruneRate: 0.3}
	rateVar = PruneRateVar(ctx, cfg)
	require.InDelta(t, 0.3, float64(tensors.ToScalar[float32](rateVar.MustValue())), 1e-6)
}
