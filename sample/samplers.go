package sample

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type Sampler interface {
	Sample([]float32) (int32, error)
}

func apply(logits []float32, transforms []Transform) ([]float64, error) {
	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	var err error
	for _, t := range transforms {
		logits64, err = t.Apply(logits64)
		if err != nil {
			return nil, err
		}
	}

	return logits64, nil
}

type greedy struct {
	transforms []Transform
}

// Greedy picks the most likely token. Ties go to the lowest id.
func Greedy(transforms ...Transform) Sampler {
	return greedy{transforms: transforms}
}

func (s greedy) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	logits64, err := apply(logits, s.transforms)
	if err != nil {
		return -1, err
	}

	return int32(floats.MaxIdx(logits64)), nil
}

type weighted struct {
	src        rand.Source
	transforms []Transform
}

// Weighted draws a token in proportion to its probability after
// transforms. A nil seed draws from the global source.
func Weighted(seed *uint64, transforms ...Transform) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(*seed)
	}
	return weighted{src: src, transforms: transforms}
}

func (s weighted) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	logits64, err := apply(logits, s.transforms)
	if err != nil {
		return -1, err
	}

	logitsCopy := make([]float64, 0, len(logits))
	indices := make([]int, 0, len(logits))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) && !math.IsNaN(logit) {
			logitsCopy = append(logitsCopy, logit)
			indices = append(indices, i)
		}
	}

	if len(logitsCopy) == 0 {
		return -1, errors.New("no valid logits found for weighed sampling")
	}

	probs := softmax(logitsCopy)
	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return int32(indices[idx]), nil
	}
	return -1, errors.New("weighed sampler failed, no valid token found")
}

// NewSampler returns a greedy sampler when temperature is not positive and
// a seeded weighted sampler otherwise. topK, topP and minP are only applied
// when they are in range.
func NewSampler(temperature float32, topK int, topP float32, minP float32, seed uint64) Sampler {
	if temperature <= 0 {
		return Greedy()
	}

	transforms := []Transform{Temperature(temperature)}
	if topK > 0 {
		transforms = append(transforms, TopK(topK))
	}

	if topP > 0 && topP < 1 {
		transforms = append(transforms, TopP(topP))
	}

	if minP > 0 && minP < 1 {
		transforms = append(transforms, MinP(minP))
	}

	return Weighted(&seed, transforms...)
}
