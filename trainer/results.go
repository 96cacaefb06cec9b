// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package trainer

import (
	"encoding/csv"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// ResultRow is one training run's summary, appended to the results CSV when
// the "results_csv" hyperparameter names a file.
type ResultRow struct {
	Model         string
	Mode          string
	PruneRate     float64
	Epochs        int
	TestAccuracy  float64
	PrunedPercent float64
	CheckpointDir string
}

var resultsHeader = []string{
	"timestamp", "model", "mode", "prune_rate", "epochs",
	"test_accuracy", "pruned_percent", "checkpoint_dir",
}

// AppendResult appends row to the CSV file at filePath, writing the header
// first if the file is new. Useful for comparing runs across prune rates
// and modes.
func AppendResult(filePath string, row ResultRow) error {
	writeHeader := false
	if stat, err := os.Stat(filePath); os.IsNotExist(err) || (err == nil && stat.Size() == 0) {
		writeHeader = true
	}
	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open results file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write(resultsHeader); err != nil {
			return errors.Wrapf(err, "failed to write header to %q", filePath)
		}
	}
	record := []string{
		time.Now().Format(time.RFC3339),
		row.Model,
		row.Mode,
		strconv.FormatFloat(row.PruneRate, 'g', -1, 64),
		strconv.Itoa(row.Epochs),
		strconv.FormatFloat(row.TestAccuracy, 'g', -1, 64),
		strconv.FormatFloat(row.PrunedPercent, 'g', -1, 64),
		row.CheckpointDir,
	}
	if err := w.Write(record); err != nil {
		return errors.Wrapf(err, "failed to append result to %q", filePath)
	}
	w.Flush()
	return errors.Wrapf(w.Error(), "failed to flush results to %q", filePath)
}
