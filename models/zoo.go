// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package models

// The zoo: small VGG-style CNNs of increasing depth plus a fully-connected
// baseline. The CNNs double their channel width after each pooling stage and
// finish with two 256-wide dense layers.

// FNN is the fully-connected baseline: 300 and 100 hidden units.
var FNN = register(&Plan{
	Name: "fnn",
	Layers: []Layer{
		{Kind: Dense, Units: 300},
		{Kind: Dense, Units: 100},
		{Kind: Output},
	},
})

// Conv2 has one convolutional stage.
var Conv2 = register(&Plan{
	Name: "conv2",
	Layers: []Layer{
		{Kind: Conv, Channels: 64},
		{Kind: Conv, Channels: 64},
		{Kind: MaxPool2},
		{Kind: Dense, Units: 256},
		{Kind: Dense, Units: 256},
		{Kind: Output},
	},
})

// Conv4 has two convolutional stages.
var Conv4 = register(&Plan{
	Name: "conv4",
	Layers: []Layer{
		{Kind: Conv, Channels: 64},
		{Kind: Conv, Channels: 64},
		{Kind: MaxPool2},
		{Kind: Conv, Channels: 128},
		{Kind: Conv, Channels: 128},
		{Kind: MaxPool2},
		{Kind: Dense, Units: 256},
		{Kind: Dense, Units: 256},
		{Kind: Output},
	},
})

// Conv6 has three convolutional stages.
var Conv6 = register(&Plan{
	Name: "conv6",
	Layers: []Layer{
		{Kind: Conv, Channels: 64},
		{Kind: Conv, Channels: 64},
		{Kind: MaxPool2},
		{Kind: Conv, Channels: 128},
		{Kind: Conv, Channels: 128},
		{Kind: MaxPool2},
		{Kind: Conv, Channels: 256},
		{Kind: Conv, Channels: 256},
		{Kind: MaxPool2},
		{Kind: Dense, Units: 256},
		{Kind: Dense, Units: 256},
		{Kind: Output},
	},
})
