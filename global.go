// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package subnet

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
)

// GlobalThreshold finds the single score magnitude that separates kept from
// dropped weights across all layers at once: the concatenation of every
// layer's |scores| is sorted, and the threshold is the value at the rank
// that keeps exactly the complement of pruneRate.
//
// pruneRate is a scalar node so the threshold moves with the annealing
// schedule without recompiling the graph. The rank is clamped so that at
// least the single best-scored weight of the whole network always survives,
// even at pruneRate == 1.
//
// The returned node is a scalar with the scores' dtype. A layer's mask is
// then simply |scores| >= threshold, which preserves global rank
// consistency: no dropped weight anywhere outscores a kept weight anywhere
// else.
func GlobalThreshold(scores []*Node, pruneRate *Node) *Node {
	g := scores[0].Graph()
	dtype := scores[0].DType()

	flat := make([]*Node, len(scores))
	total := 0
	for ii, s := range scores {
		size := s.Shape().Size()
		flat[ii] = Reshape(Abs(s), size)
		total += size
	}
	all := flat[0]
	if len(flat) > 1 {
		all = Concatenate(flat, 0)
	}
	sorted := Sort(all, 0, false) // Descending: sorted[i] is the (i+1)-th largest magnitude.

	keep := OneMinus(ConvertDType(pruneRate, dtype))
	k := Floor(AddScalar(MulScalar(keep, float64(total)), 0.5))
	rank := AddScalar(k, -1)
	rank = Max(rank, ScalarZero(g, dtype))
	rank = Min(rank, Scalar(g, dtype, total-1))
	indices := Reshape(ConvertDType(rank, dtypes.Int32), 1)
	return Gather(sorted, indices)
}

// layerTopMask returns a boolean mask marking only the layer's single
// highest-|score| weight. OR-ed into a global mask it guarantees the layer
// is never pruned empty, at the cost of strict global rank consistency.
func layerTopMask(scores *Node) *Node {
	shape := scores.Shape()
	mask := TopKMask(Reshape(Abs(scores), shape.Size()), 1, 0)
	return Reshape(mask, shape.Dimensions...)
}
