package dataset

import (
	"fmt"
	"math"
	"math/rand"
)

// SplitLabeled picks numLabeled indices balanced across classes as the
// labeled set. Every index, labeled ones included, belongs to the unlabeled
// set. When expandTo is positive and larger than numLabeled, the labeled
// indices are repeated until they cover at least expandTo samples so one
// epoch of labeled batches never runs dry.
func SplitLabeled(labels []int, numClasses, numLabeled, expandTo int, rng *rand.Rand) (labeled, unlabeled []int, err error) {
	if numClasses < 1 {
		return nil, nil, fmt.Errorf("number of classes must be positive, got %d", numClasses)
	}
	if numLabeled < numClasses || numLabeled%numClasses != 0 {
		return nil, nil, fmt.Errorf("num_labeled %d must be a positive multiple of %d classes", numLabeled, numClasses)
	}

	byClass := make([][]int, numClasses)
	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, nil, fmt.Errorf("label %d at index %d outside [0, %d)", l, i, numClasses)
		}
		byClass[l] = append(byClass[l], i)
	}

	perClass := numLabeled / numClasses
	labeled = make([]int, 0, numLabeled)
	for c, idx := range byClass {
		if len(idx) < perClass {
			return nil, nil, fmt.Errorf("class %d has %d samples, need %d labeled", c, len(idx), perClass)
		}
		perm := rng.Perm(len(idx))
		for _, p := range perm[:perClass] {
			labeled = append(labeled, idx[p])
		}
	}

	if expandTo > numLabeled {
		repeats := int(math.Ceil(float64(expandTo) / float64(numLabeled)))
		expanded := make([]int, 0, repeats*numLabeled)
		for r := 0; r < repeats; r++ {
			expanded = append(expanded, labeled...)
		}
		labeled = expanded
	}
	rng.Shuffle(len(labeled), func(i, j int) {
		labeled[i], labeled[j] = labeled[j], labeled[i]
	})

	unlabeled = make([]int, len(labels))
	for i := range unlabeled {
		unlabeled[i] = i
	}
	return labeled, unlabeled, nil
}
