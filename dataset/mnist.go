package dataset

import (
	"fmt"
	"path/filepath"

	"github.com/petar/GoMNIST"
)

const (
	mnistMean = 0.1307
	mnistStd  = 0.3081
	// MNISTClasses is the number of digit classes.
	MNISTClasses = 10
)

// MNISTShape is the image layout of an MNIST sample.
var MNISTShape = ImageShape{Height: 28, Width: 28}

// LoadMNIST reads the gzipped idx files from dir and normalises pixels with
// the usual MNIST mean and standard deviation.
func LoadMNIST(dir string) (train, test *InMemory, err error) {
	trainSet, err := GoMNIST.ReadSet(
		filepath.Join(dir, "train-images-idx3-ubyte.gz"),
		filepath.Join(dir, "train-labels-idx1-ubyte.gz"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read MNIST training set from %s: %w", dir, err)
	}
	testSet, err := GoMNIST.ReadSet(
		filepath.Join(dir, "t10k-images-idx3-ubyte.gz"),
		filepath.Join(dir, "t10k-labels-idx1-ubyte.gz"),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read MNIST test set from %s: %w", dir, err)
	}

	if train, err = fromMNIST(trainSet); err != nil {
		return nil, nil, err
	}
	if test, err = fromMNIST(testSet); err != nil {
		return nil, nil, err
	}
	return train, test, nil
}

func fromMNIST(set *GoMNIST.Set) (*InMemory, error) {
	n := set.Count()
	samples := make([][]float32, n)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		img, label := set.Get(i)
		samples[i] = normalizePixels(img)
		labels[i] = int(label)
	}
	return NewInMemory(samples, labels, MNISTClasses)
}

func normalizePixels(img []byte) []float32 {
	out := make([]float32, len(img))
	for i, px := range img {
		out[i] = (float32(px)/255 - mnistMean) / mnistStd
	}
	return out
}
