// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subnet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
)

// KeepCount converts a keep-fraction into the number of surviving weights
// among size, rounding to nearest and never below 1: a layer pruned to zero
// would be dead for the rest of training, since no gradient could ever
// resurrect it through a multiplicative mask of zeros.
func KeepCount(keepFraction float64, size int) int {
	k := int(keepFraction*float64(size) + 0.5)
	if k < 1 {
		k = 1
	}
	if k > size {
		k = size
	}
	return k
}

// LocalMask builds the per-layer keep/drop mask: the keep-fraction of the
// scores with largest absolute value survive, ties broken arbitrarily but
// deterministically for a fixed score tensor. The result has the scores'
// dtype, with values 0 or 1 and the same shape as scores.
//
// keepFraction must be in [0, 1] or LocalMask panics; in-range fractions
// that round to zero keeps are floored to 1 by KeepCount.
func LocalMask(scores *Node, keepFraction float64) *Node {
	if keepFraction < 0 || keepFraction > 1 {
		exceptions.Panicf("subnet: keep fraction must be in [0, 1], got %g", keepFraction)
	}
	shape := scores.Shape()
	k := KeepCount(keepFraction, shape.Size())
	flat := Reshape(Abs(scores), shape.Size())
	mask := TopKMask(flat, k, 0)
	mask = Reshape(mask, shape.Dimensions...)
	return ConvertDType(mask, scores.DType())
}

// MaskWithPassThroughGradient combines a binary mask with its originating
// scores so that the forward value is exactly the mask, while the backward
// pass treats the mask as the identity of the scores: every score receives
// the gradient its masked weight produced, dropped weights included. That
// keeps dropped weights competitive, letting them re-enter the mask in a
// later step if their score recovers.
//
// mask must have the scores' dtype and shape.
func MaskWithPassThroughGradient(scores, mask *Node) *Node {
	passThrough := IdentityWithCustomGradient(scores, func(x, v *Node) *Node {
		return v
	})
	return Add(passThrough, StopGradient(Sub(mask, passThrough)))
}
