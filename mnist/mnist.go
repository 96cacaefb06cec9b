// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package mnist downloads and parses the MNIST database of handwritten
// digits and serves it as in-memory datasets for training and evaluation.
package mnist

import (
	"compress/gzip"
	"encoding/binary"
	"io"
	"net/url"
	"os"
	"path"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/subnet/internal/downloader"
	"github.com/pkg/errors"
)

const (
	// Width, Height and Depth are the dimensions of every MNIST image.
	// Pixels are stored grayscale, 0 is background.
	Width  = 28
	Height = 28
	Depth  = 1

	// NumClasses is the number of digit classes.
	NumClasses = 10
)

const (
	downloadURL         = "https://storage.googleapis.com/cvdf-datasets/mnist"
	trainImagesFilename = "train-images-idx3-ubyte.gz"
	trainLabelsFilename = "train-labels-idx1-ubyte.gz"
	testImagesFilename  = "t10k-images-idx3-ubyte.gz"
	testLabelsFilename  = "t10k-labels-idx1-ubyte.gz"

	imagesMagic = 0x00000803
	labelsMagic = 0x00000801
)

// Download fetches the four MNIST files into baseDir, skipping the ones
// already present.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	for _, file := range []string{
		trainImagesFilename, trainLabelsFilename, testImagesFilename, testLabelsFilename} {
		fileURL, err := url.JoinPath(downloadURL, file)
		if err != nil {
			return errors.Wrapf(err, "failed to build URL for %q", file)
		}
		if err := downloader.DownloadIfMissing(fileURL, path.Join(baseDir, file), ""); err != nil {
			return errors.WithMessagef(err, "failed to download %q", file)
		}
	}
	return nil
}

type imagesHeader struct {
	Magic              int32
	NumImages          int32
	NumRows, NumCols   int32
}

type labelsHeader struct {
	Magic     int32
	NumLabels int32
}

// loadImages parses a gzipped IDX3 image file into a tensor shaped
// [numImages, Height, Width, Depth], with pixels scaled to [0, 1].
func loadImages(filePath string) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header imagesHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != imagesMagic || header.NumRows != Height || header.NumCols != Width {
		return nil, errors.Errorf("%q is not an MNIST image file (magic=%#x, %dx%d)",
			filePath, header.Magic, header.NumRows, header.NumCols)
	}

	numImages := int(header.NumImages)
	raw := make([]byte, numImages*Height*Width)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d images from %q", numImages, filePath)
	}
	pixels := make([]float32, len(raw))
	for ii, b := range raw {
		pixels[ii] = float32(b) / 255
	}
	return tensors.FromFlatDataAndDimensions(pixels, numImages, Height, Width, Depth), nil
}

// loadLabels parses a gzipped IDX1 label file into a tensor shaped
// [numLabels, 1] of int32 in [0, 9]. The trailing axis of dimension 1 is
// the convention the sparse categorical losses and metrics expect.
func loadLabels(filePath string) (*tensors.Tensor, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", filePath)
	}
	defer func() { _ = f.Close() }()
	reader, err := gzip.NewReader(f)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to un-gzip %q", filePath)
	}
	defer func() { _ = reader.Close() }()

	var header labelsHeader
	if err := binary.Read(reader, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to read header of %q", filePath)
	}
	if header.Magic != labelsMagic {
		return nil, errors.Errorf("%q is not an MNIST label file (magic=%#x)", filePath, header.Magic)
	}

	numLabels := int(header.NumLabels)
	raw := make([]byte, numLabels)
	if _, err := io.ReadFull(reader, raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read %d labels from %q", numLabels, filePath)
	}
	labels := make([]int32, numLabels)
	for ii, b := range raw {
		if b >= NumClasses {
			return nil, errors.Errorf("%q: label %d out of range at example %d", filePath, b, ii)
		}
		labels[ii] = int32(b)
	}
	return tensors.FromFlatDataAndDimensions(labels, numLabels, 1), nil
}

// load builds an in-memory dataset from one images/labels file pair.
func load(backend backends.Backend, name, baseDir, imagesFile, labelsFile string) (*datasets.InMemoryDataset, error) {
	images, err := loadImages(path.Join(baseDir, imagesFile))
	if err != nil {
		return nil, err
	}
	labels, err := loadLabels(path.Join(baseDir, labelsFile))
	if err != nil {
		return nil, err
	}
	if images.Shape().Dimensions[0] != labels.Shape().Dimensions[0] {
		return nil, errors.Errorf("MNIST %s: %d images but %d labels",
			name, images.Shape().Dimensions[0], labels.Shape().Dimensions[0])
	}
	return datasets.InMemoryFromData(backend, name, []any{images}, []any{labels})
}

// Datasets builds the three datasets a training run needs: the shuffled
// training dataset, which yields one epoch per train.Loop.RunEpochs pass,
// and one-shot evaluation datasets over the train and test splits.
// Download must have run for baseDir first.
func Datasets(backend backends.Backend, baseDir string, batchSize, evalBatchSize int) (
	trainDS, trainEvalDS, testEvalDS train.Dataset, err error) {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	trainInMemory, err := load(backend, "train", baseDir, trainImagesFilename, trainLabelsFilename)
	if err != nil {
		return nil, nil, nil, err
	}
	testInMemory, err := load(backend, "test", baseDir, testImagesFilename, testLabelsFilename)
	if err != nil {
		return nil, nil, nil, err
	}
	trainDS = trainInMemory.Copy().BatchSize(batchSize, true).Shuffle()
	trainEvalDS = trainInMemory.BatchSize(evalBatchSize, false)
	testEvalDS = testInMemory.BatchSize(evalBatchSize, false)
	return
}
