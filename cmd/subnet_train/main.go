// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// subnet_train trains an MNIST classifier while learning a pruning mask
// over its weights. Example:
//
//	subnet_train --set="model=conv4;subnet_mode=global;prune_rate=0.9;prune_rate_epochs=5"
//
// Hyperparameters are set with --set; see trainer.CreateDefaultContext for
// the defaults. A sparsity report is printed at the end of training and
// saved along the checkpoint directory, if one is given with --checkpoint.
package main

import (
	"flag"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/subnet/trainer"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagDataDir    = flag.String("data", "~/tmp/mnist", "Directory to cache the downloaded MNIST files.")
	flagVerbosity  = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
	flagCheckpoint = flag.String("checkpoint", "", "Directory to save and load checkpoints from. If left empty, no checkpoints are created.")
)

func main() {
	ctx := trainer.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	err := exceptions.TryCatch[error](func() {
		must.M(trainer.TrainModel(ctx, *flagDataDir, *flagCheckpoint, *flagVerbosity, paramsSet))
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
}
