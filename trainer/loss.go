// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
)

// lossFromContext returns the loss to train with: the plain sparse
// categorical cross-entropy, or a label-smoothed variant if
// ParamLabelSmoothing is set.
func lossFromContext(ctx *context.Context) train.LossFn {
	smoothing := context.GetParamOr(ctx, ParamLabelSmoothing, 0.0)
	if smoothing <= 0 {
		return losses.SparseCategoricalCrossEntropyLogits
	}
	if smoothing >= 1 {
		exceptions.Panicf("%s must be in [0, 1), got %g", ParamLabelSmoothing, smoothing)
	}
	return func(labels, predictions []*Node) *Node {
		return smoothedCrossEntropyLogits(labels[0], predictions[0], smoothing)
	}
}

// smoothedCrossEntropyLogits is the cross-entropy between logits (shaped
// [batch, numClasses]) and the smoothed one-hot distribution of labels
// (shaped [batch, 1]): the one-hot distribution mixed with the uniform
// distribution, which gets weight smoothing.
//
// Returns the loss per example, shaped [batch]: train.Trainer takes the
// mean before computing gradients.
func smoothedCrossEntropyLogits(labels, logits *Node, smoothing float64) *Node {
	if labels.Rank() != 2 || labels.Shape().Dimensions[1] != 1 {
		exceptions.Panicf("labels must be shaped [batch, 1], got %s", labels.Shape())
	}
	if logits.Rank() != 2 {
		exceptions.Panicf("logits must be shaped [batch, numClasses], got %s", logits.Shape())
	}
	numClasses := logits.Shape().Dimensions[1]
	flatLabels := Reshape(labels, labels.Shape().Dimensions[0])
	oneHot := OneHot(flatLabels, numClasses, logits.DType())
	smoothed := AddScalar(
		MulScalar(oneHot, 1.0-smoothing),
		smoothing/float64(numClasses))
	logProbs := LogSoftmax(logits, -1)
	return Neg(ReduceSum(Mul(smoothed, logProbs), -1))
}
