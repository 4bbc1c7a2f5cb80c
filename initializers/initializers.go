// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package initializers include several weight initializers, used to allocate the value of graph parameters.
//
// Random initializers take a seed: initializers created with the same seed generate the same sequence of
// values. Use NoSeed for a random seed. Successive calls to the same initializer continue its random stream,
// so two parameters initialized with it get different values.
package initializers

import (
	"math"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/distuv"
)

// Initializer returns the initial value of a parameter with the given shape, which must be fully known.
type Initializer func(shape shapes.Shape) (*tensors.Tensor, error)

// NoSeed makes random initializers use a random seed.
const NoSeed = uint64(0)

func checkShape(shape shapes.Shape) error {
	if !shape.DType.IsValid() || !shape.IsFullyKnown() {
		return errors.Errorf("initializers: cannot initialize shape %s, it must be fully known", shape)
	}
	return nil
}

// Zero initializes parameters with zero.
func Zero(shape shapes.Shape) (*tensors.Tensor, error) {
	if err := checkShape(shape); err != nil {
		return nil, err
	}
	return tensors.Zeros(shape), nil
}

// One initializes parameters with one.
func One(shape shapes.Shape) (*tensors.Tensor, error) {
	return Constant(1)(shape)
}

// Constant returns an initializer that sets all values to value, converted to the parameter dtype.
func Constant(value float64) Initializer {
	return func(shape shapes.Shape) (*tensors.Tensor, error) {
		if err := checkShape(shape); err != nil {
			return nil, err
		}
		return tensors.Full(shape, value), nil
	}
}

// sampler draws values from a distribution. It's called with the sampling lock held.
type sampler interface {
	Rand() float64
}

// randomInitializer creates an initializer that fills float parameters with samples from the distribution
// returned by newDist for the shape. Non-float parameters and biases (if zeroBias is set, rank <= 1) are
// initialized with zeros.
func randomInitializer(seed uint64, zeroBias bool, newDist func(shape shapes.Shape, src rand.Source) sampler) Initializer {
	if seed == NoSeed {
		seed = rand.Uint64()
	}
	var mu sync.Mutex
	src := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	return func(shape shapes.Shape) (*tensors.Tensor, error) {
		if err := checkShape(shape); err != nil {
			return nil, err
		}
		if !shape.DType.IsFloat() || (zeroBias && shape.Rank() <= 1) {
			return tensors.Zeros(shape), nil
		}
		mu.Lock()
		defer mu.Unlock()
		dist := newDist(shape, src)
		values := make([]float64, shape.Size())
		for ii := range values {
			values[ii] = dist.Rand()
		}
		t := tensors.FromFlatDataAndDimensions(values, shape.Dimensions...)
		if shape.DType == t.DType() {
			return t, nil
		}
		defer t.Finalize()
		return t.ConvertDType(shape.DType), nil
	}
}

// Uniform returns an initializer that generates random uniform values from [minValue, maxValue).
//
// Non-float parameters are initialized with zero instead.
func Uniform(seed uint64, minValue, maxValue float64) Initializer {
	return randomInitializer(seed, false, func(_ shapes.Shape, src rand.Source) sampler {
		return distuv.Uniform{Min: minValue, Max: maxValue, Src: src}
	})
}

// Normal returns an initializer that generates random normal values with the given mean and standard deviation.
//
// Non-float parameters are initialized with zero instead.
func Normal(seed uint64, mean, stddev float64) Initializer {
	return randomInitializer(seed, false, func(_ shapes.Shape, src rand.Source) sampler {
		return distuv.Normal{Mu: mean, Sigma: stddev, Src: src}
	})
}

// computeFanInFanOut of a parameter assumed to be the weights of a matrix multiplication (rank 2), or a
// convolution kernel (rank > 2) with the input and output channels as the last two axes.
func computeFanInFanOut(shape shapes.Shape) (fanIn, fanOut int) {
	rank := shape.Rank()
	switch rank {
	case 0:
		fanIn = 1
		fanOut = fanIn
	case 1:
		fanIn = shape.Dimensions[0]
		fanOut = fanIn
	case 2:
		fanIn = shape.Dimensions[0]
		fanOut = shape.Dimensions[1]
	default:
		receptiveFieldSize := 1
		for _, dim := range shape.Dimensions[:rank-2] {
			receptiveFieldSize *= dim
		}
		fanIn = shape.Dimensions[rank-2] * receptiveFieldSize
		fanOut = shape.Dimensions[rank-1] * receptiveFieldSize
	}
	return
}

// Xavier returns an initializer that generates random values with a normal distribution with mean 0
// and stddev of sqrt(2 / (fanIn+fanOut)).
//
// It initializes biases (anything with rank <= 1) to zeros.
func Xavier(seed uint64) Initializer {
	return randomInitializer(seed, true, func(shape shapes.Shape, src rand.Source) sampler {
		fanIn, fanOut := computeFanInFanOut(shape)
		stddev := math.Sqrt(2.0 / max(1.0, float64(fanIn+fanOut)))
		return distuv.Normal{Mu: 0, Sigma: stddev, Src: src}
	})
}

// LecunUniform returns an initializer that generates uniform values in [-limit, limit), with
// limit = 3 / sqrt(fanIn).
//
// It initializes biases (anything with rank <= 1) to zeros.
func LecunUniform(seed uint64) Initializer {
	return randomInitializer(seed, true, func(shape shapes.Shape, src rand.Source) sampler {
		fanIn, _ := computeFanInFanOut(shape)
		limit := 3.0 / math.Sqrt(max(1.0, float64(fanIn)))
		return distuv.Uniform{Min: -limit, Max: limit, Src: src}
	})
}

// VarScalingUniformFanOut returns an initializer that generates uniform values in [-limit, limit), with
// limit = 3 / sqrt(fanOut).
//
// It initializes biases (anything with rank <= 1) to zeros.
func VarScalingUniformFanOut(seed uint64) Initializer {
	return randomInitializer(seed, true, func(shape shapes.Shape, src rand.Source) sampler {
		_, fanOut := computeFanInFanOut(shape)
		limit := 3.0 / math.Sqrt(max(1.0, float64(fanOut)))
		return distuv.Uniform{Min: -limit, Max: limit, Src: src}
	})
}
