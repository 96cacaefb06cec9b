// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package models holds the architectures used in the pruning experiments,
// described as explicit layer plans.
//
// A Plan is a static description: it can enumerate every kernel shape from
// the input shape alone, without building a graph. That matters for pruning
// because the global mode needs every layer's scores registered before any
// layer's mask exists; the plan lets the model register all kernels first,
// seal the pruner, and only then run the forward pass with masked weights.
//
// Convolutions are 3x3, same-padding, channels-last, and bias-free: with
// frozen signed-constant weights a bias would be the only free non-score
// parameter, muddying what the mask alone achieves.
package models

import (
	"fmt"
	"sort"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/subnet"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
)

// ParamModel is the context hyperparameter naming the architecture to train.
// See Names for the valid values.
const ParamModel = "model"

// LayerKind discriminates the layer types a Plan can hold.
type LayerKind int

const (
	// Conv is a 3x3 same-padding convolution followed by ReLU.
	Conv LayerKind = iota

	// MaxPool2 halves both spatial dimensions with a 2x2 max pooling.
	MaxPool2

	// Dense is a fully-connected layer followed by ReLU. The first Dense in
	// a plan flattens its input.
	Dense

	// Output is the final fully-connected layer producing logits, without
	// activation. Its width comes from the number of classes, not the plan.
	Output
)

// Layer is one step of a Plan. Channels is set for Conv, Units for Dense;
// MaxPool2 and Output carry no parameters.
type Layer struct {
	Kind     LayerKind
	Channels int
	Units    int
}

// Plan is an ordered feed-forward architecture.
type Plan struct {
	Name   string
	Layers []Layer
}

const convKernelSize = 3

// KernelShapes enumerates the shape of every prunable kernel of the plan,
// in layer order, for an input of the given shape ([batch, height, width,
// channels]) and number of output classes.
//
// Shapes follow the channels-last convolution convention:
// [kh, kw, inputChannels, outputChannels] for Conv, [inputSize, outputSize]
// for Dense and Output.
func (p *Plan) KernelShapes(input shapes.Shape, numClasses int) []shapes.Shape {
	dtype := input.DType
	height, width, channels := input.Dimensions[1], input.Dimensions[2], input.Dimensions[3]
	flat := -1 // Set once the first Dense (or Output) flattens.
	var kernels []shapes.Shape
	for _, layer := range p.Layers {
		switch layer.Kind {
		case Conv:
			kernels = append(kernels,
				shapes.Make(dtype, convKernelSize, convKernelSize, channels, layer.Channels))
			channels = layer.Channels // Same-padding keeps height and width.
		case MaxPool2:
			height /= 2
			width /= 2
		case Dense:
			if flat < 0 {
				flat = height * width * channels
			}
			kernels = append(kernels, shapes.Make(dtype, flat, layer.Units))
			flat = layer.Units
		case Output:
			if flat < 0 {
				flat = height * width * channels
			}
			kernels = append(kernels, shapes.Make(dtype, flat, numClasses))
			flat = numClasses
		}
	}
	return kernels
}

// NumWeights is the total number of prunable weights of the plan for the
// given input shape and class count.
func (p *Plan) NumWeights(input shapes.Shape, numClasses int) int {
	total := 0
	for _, shape := range p.KernelShapes(input, numClasses) {
		total += shape.Size()
	}
	return total
}

// GraphFn returns the model graph building function for this plan, in the
// form train.NewTrainer expects. The pruning configuration is read from the
// context hyperparameters at build time.
//
// inputs: one tensor, [batch, height, width, channels]. Returns the logits,
// [batch, numClasses].
func (p *Plan) GraphFn(numClasses int) func(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		ctx = ctx.In("model")
		x := inputs[0]
		g := x.Graph()
		cfg := must.M1(subnet.ConfigFromContext(ctx))
		pruner := subnet.NewPruner(ctx, g, cfg)

		layerIdx := 0
		nextCtx := func(name string) *context.Context {
			newCtx := ctx.Inf("%03d_%s", layerIdx, name)
			layerIdx++
			return newCtx
		}

		// First pass: register every kernel, so the global threshold sees
		// all scores before the first mask is derived.
		var kernels []*subnet.Kernel
		for _, shape := range p.KernelShapes(x.Shape(), numClasses) {
			name := "dense"
			if shape.Rank() == 4 {
				name = "conv"
			}
			kernels = append(kernels, pruner.Kernel(nextCtx(name), shape))
		}
		pruner.Seal()

		// Second pass: the forward computation with masked kernels.
		batchSize := x.Shape().Dimensions[0]
		next := 0
		for _, layer := range p.Layers {
			switch layer.Kind {
			case Conv:
				x = Convolve(x, kernels[next].Masked()).PadSame().Done()
				x = activations.Relu(x)
				next++
			case MaxPool2:
				x = MaxPool(x).Window(2).Done()
			case Dense:
				if x.Rank() > 2 {
					x = Reshape(x, batchSize, -1)
				}
				x = activations.Relu(MatMul(x, kernels[next].Masked()))
				next++
			case Output:
				if x.Rank() > 2 {
					x = Reshape(x, batchSize, -1)
				}
				x = MatMul(x, kernels[next].Masked())
				next++
			}
		}
		x.AssertDims(batchSize, numClasses)
		return []*Node{x}
	}
}

var registry = map[string]*Plan{}

func register(p *Plan) *Plan {
	if _, found := registry[p.Name]; found {
		exceptions.Panicf("models: plan %q registered twice", p.Name)
	}
	registry[p.Name] = p
	return p
}

// Get returns the plan registered under name.
func Get(name string) (*Plan, error) {
	p, found := registry[name]
	if !found {
		return nil, errors.Errorf("unknown model %q: valid values for %q are %v",
			name, ParamModel, Names())
	}
	return p, nil
}

// FromContext returns the plan selected by the ParamModel hyperparameter.
func FromContext(ctx *context.Context) (*Plan, error) {
	return Get(context.GetParamOr(ctx, ParamModel, "conv4"))
}

// Names lists the registered plan names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// String implements fmt.Stringer with a compact architecture summary.
func (p *Plan) String() string {
	s := p.Name + ":"
	for _, layer := range p.Layers {
		switch layer.Kind {
		case Conv:
			s += fmt.Sprintf(" conv%d", layer.Channels)
		case MaxPool2:
			s += " pool"
		case Dense:
			s += fmt.Sprintf(" dense%d", layer.Units)
		case Output:
			s += " output"
		}
	}
	return s
}
