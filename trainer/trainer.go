// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package trainer wires the pruning machinery into a full MNIST training
// run: datasets, model, optimizer, annealing schedule, checkpoints, metrics
// and the end-of-training sparsity report.
package trainer

import (
	"fmt"
	"math"
	"os"
	"path"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/gomlx/subnet"
	"github.com/gomlx/subnet/mnist"
	"github.com/gomlx/subnet/models"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ParamEpochs is the context hyperparameter with the number of training
	// epochs. Training is epoch-driven (not step-driven) because the
	// prune-rate annealing schedule is defined over epochs.
	ParamEpochs = "train_epochs"

	// ParamLabelSmoothing is the context hyperparameter with the label
	// smoothing factor in [0, 1). 0 disables smoothing.
	ParamLabelSmoothing = "label_smoothing"

	// ParamAbortAccuracy is the context hyperparameter with the minimum
	// moving-average train accuracy expected after the first epoch: below
	// it training is aborted with an error. 0 disables the check.
	ParamAbortAccuracy = "abort_accuracy"
)

// ParamsExcludedFromSaving lists hyperparameters that shouldn't be saved
// along with model checkpoints, and may be overwritten in further training
// sessions.
var ParamsExcludedFromSaving = []string{
	"data_dir", ParamEpochs, "num_checkpoints", "plots", "results_csv",
}

// Backend is created once and reused if TrainModel is called multiple times.
var Backend backends.Backend

// CreateDefaultContext creates a context with the default hyperparameters
// of a pruning run. Values are overridable via context settings flags.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.ResetRNGState()
	ctx.SetParams(map[string]any{
		"batch_size":                 128,
		"eval_batch_size":            512,
		ParamEpochs:                  10,
		ParamLabelSmoothing:          0.0,
		ParamAbortAccuracy:           0.0,
		models.ParamModel:            "conv4",
		optimizers.ParamOptimizer:    "adamw",
		optimizers.ParamLearningRate: 1e-3,
		plotly.ParamPlots:            false,
		"num_checkpoints":            3,
		"results_csv":                "",

		subnet.ParamMode:            "global",
		subnet.ParamPruneRate:       0.5,
		subnet.ParamPruneRateEpochs: 0,
		subnet.ParamLayerFloor:      false,
		subnet.ParamFreezeWeights:   true,
		subnet.ParamWeightInit:      "signed_constant",
	})
	return ctx
}

// TrainModel runs a full training session with the hyperparameters in ctx:
// it downloads MNIST to dataDir if needed, trains for ParamEpochs epochs
// (annealing the prune rate if configured), periodically checkpoints to
// checkpointPath (if given), and at the end evaluates, prints the sparsity
// report and appends a summary row to the results CSV.
//
// paramsSet names the hyperparameters explicitly set on the command line,
// which are excluded from checkpoint saving.
func TrainModel(ctx *context.Context, dataDir, checkpointPath string, verbosity int, paramsSet []string) error {
	dataDir = fsutil.MustReplaceTildeInDir(dataDir)
	if !fsutil.MustFileExists(dataDir) {
		if err := os.MkdirAll(dataDir, 0777); err != nil {
			return errors.Wrapf(err, "failed to create data directory %q", dataDir)
		}
	}
	if err := mnist.Download(dataDir); err != nil {
		return err
	}

	if Backend == nil {
		Backend = backends.MustNew()
	}
	if verbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", Backend.Name(), Backend.Description())
	}

	cfg, err := subnet.ConfigFromContext(ctx)
	if err != nil {
		return err
	}
	plan, err := models.FromContext(ctx)
	if err != nil {
		return err
	}

	batchSize := context.GetParamOr(ctx, "batch_size", 0)
	if batchSize <= 0 {
		exceptions.Panicf("batch_size must be > 0 (maybe it was not set?): %d", batchSize)
	}
	evalBatchSize := context.GetParamOr(ctx, "eval_batch_size", 0)
	if evalBatchSize <= 0 {
		evalBatchSize = batchSize
	}
	trainDS, trainEvalDS, testEvalDS, err := mnist.Datasets(Backend, dataDir, batchSize, evalBatchSize)
	if err != nil {
		return err
	}

	// Checkpoints saving.
	var checkpoint *checkpoints.Handler
	if checkpointPath != "" {
		numCheckpointsToKeep := context.GetParamOr(ctx, "num_checkpoints", 3)
		checkpoint = must.M1(checkpoints.Build(ctx).
			DirFromBase(checkpointPath, dataDir).
			Keep(numCheckpointsToKeep).
			ExcludeParams(append(paramsSet, ParamsExcludedFromSaving...)...).
			Done())
		fmt.Printf("Checkpointing model to %q\n", checkpoint.Dir())
	}
	if verbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	if verbosity >= 1 {
		inputShape := shapesOfFirstInput(trainEvalDS)
		fmt.Printf("Model %s\n", plan)
		fmt.Printf("\t%s prunable weights, mode %s, target prune rate %g\n",
			humanize.Comma(int64(plan.NumWeights(inputShape, mnist.NumClasses))),
			cfg.Mode, cfg.PruneRate)
	}

	// Metrics we are interested in.
	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy(
		"Moving Average Accuracy", "~acc", 0.01)

	trainer := train.NewTrainer(Backend, ctx,
		plan.GraphFn(mnist.NumClasses),
		lossFromContext(ctx),
		optimizers.FromContext(ctx),
		[]metrics.Interface{movingAccuracyMetric},
		[]metrics.Interface{meanAccuracyMetric})

	loop := train.NewLoop(trainer)
	if verbosity >= 0 {
		commandline.AttachProgressBar(loop)
	}
	subnet.AttachAnnealer(loop, ctx, cfg)
	attachLowAccuracyAbort(loop, context.GetParamOr(ctx, ParamAbortAccuracy, 0.0))

	// Checkpoint saving: every 3 minutes of training.
	if checkpoint != nil {
		train.PeriodicCallback(loop, 3*time.Minute, true, "saving checkpoint", 100,
			func(loop *train.Loop, metrics []*tensors.Tensor) error {
				return checkpoint.Save()
			})
	}

	// Attach Plotly plots: plot points at exponential steps. The points are
	// saved along the checkpoint directory (if one is given).
	if context.GetParamOr(ctx, plotly.ParamPlots, false) {
		_ = plotly.New().
			WithCheckpoint(checkpoint).
			Dynamic().
			WithDatasets(trainEvalDS, testEvalDS).
			ScheduleExponential(loop, 200, 1.2)
	}

	numEpochs := context.GetParamOr(ctx, ParamEpochs, 10)
	if _, err := loop.RunEpochs(trainDS, numEpochs); err != nil {
		return err
	}
	if verbosity >= 1 {
		fmt.Printf("\t[Step %d] median train step: %d microseconds\n",
			loop.LoopStep, loop.MedianTrainStepDuration().Microseconds())
	}
	if checkpoint != nil {
		must.M(checkpoint.Save())
	}

	// Final evaluation on train and test datasets.
	if verbosity >= 0 {
		fmt.Println()
		must.M(commandline.ReportEval(trainer, testEvalDS, trainEvalDS))
	}
	testAccuracy, err := evalAccuracy(trainer, testEvalDS)
	if err != nil {
		return err
	}

	// Sparsity report: printed, and saved along the checkpoint if there is
	// one.
	report, err := subnet.ComputeReport(Backend, ctx, cfg)
	if err != nil {
		return err
	}
	if verbosity >= 0 {
		fmt.Print(report)
	}
	if checkpoint != nil {
		reportPath := path.Join(checkpoint.Dir(), "sparsity.json")
		if err := report.Save(reportPath); err != nil {
			return err
		}
		klog.V(1).Infof("saved sparsity report to %s", reportPath)
	}
	if cfg.Mode == subnet.ModeSample {
		sampled := must.M1(subnet.SampledKeepFraction(Backend, ctx, 16))
		fmt.Printf("\tSampled keep fraction: %.2f%%\n", 100*sampled)
	}

	if resultsCSV := context.GetParamOr(ctx, "results_csv", ""); resultsCSV != "" {
		row := ResultRow{
			Model:         plan.Name,
			Mode:          cfg.Mode.String(),
			PruneRate:     cfg.PruneRate,
			Epochs:        numEpochs,
			TestAccuracy:  testAccuracy,
			PrunedPercent: report.PrunedPercent,
		}
		if checkpoint != nil {
			row.CheckpointDir = checkpoint.Dir()
		}
		if err := AppendResult(resultsCSV, row); err != nil {
			return err
		}
	}
	return nil
}

// attachLowAccuracyAbort interrupts training when the moving-average train
// accuracy is still below threshold once the first epoch is over: a run
// that hasn't differentiated its scores by then (typically an overly
// aggressive prune rate) won't recover, no point burning the remaining
// epochs.
func attachLowAccuracyAbort(loop *train.Loop, threshold float64) {
	if threshold <= 0 {
		return
	}
	accuracyIdx := -1
	for ii, metric := range loop.Trainer.TrainMetrics() {
		if metric.ShortName() == "~acc" {
			accuracyIdx = ii
		}
	}
	if accuracyIdx == -1 {
		return
	}
	loop.OnStep("subnet.low-accuracy-abort", 120,
		func(loop *train.Loop, stepMetrics []*tensors.Tensor) error {
			if loop.Epoch < 1 || accuracyIdx >= len(stepMetrics) {
				return nil
			}
			accuracy := shapes.ConvertTo[float64](stepMetrics[accuracyIdx].Value())
			if math.IsNaN(accuracy) || accuracy >= threshold {
				return nil
			}
			return errors.Errorf(
				"train accuracy %.1f%% still below %.1f%% after the first epoch, aborting",
				100*accuracy, 100*threshold)
		})
}

// evalAccuracy runs an evaluation and extracts the mean accuracy metric.
func evalAccuracy(trainer *train.Trainer, ds train.Dataset) (float64, error) {
	values, err := trainer.Eval(ds)
	if err != nil {
		return 0, err
	}
	ds.Reset()
	for ii, metric := range trainer.EvalMetrics() {
		if metric.ShortName() != "#acc" {
			continue
		}
		switch v := values[ii].Value().(type) {
		case float32:
			return float64(v), nil
		case float64:
			return v, nil
		default:
			return 0, errors.Errorf("unexpected accuracy metric type %T", v)
		}
	}
	return 0, errors.Errorf("accuracy metric not found among eval metrics")
}

// shapesOfFirstInput peeks one batch from ds to learn the input shape, and
// resets the dataset.
func shapesOfFirstInput(ds train.Dataset) shapes.Shape {
	_, inputs, _, err := ds.Yield()
	if err != nil {
		exceptions.Panicf("failed to read a batch from %s: %v", ds.Name(), err)
	}
	ds.Reset()
	return inputs[0].Shape()
}
