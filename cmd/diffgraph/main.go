// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// diffgraph trains a linear regression with gradient descent on synthetic data, using a differentiable
// computation graph, and prints the graph variables at the end.
//
// Usage:
//
//	diffgraph -steps=500 -lr=0.1 -backend="go:gemm=loop,parallelism=4"
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/diffgraph/backends"
	_ "github.com/gomlx/diffgraph/backends/simplego"
	"github.com/gomlx/diffgraph/graph"
	"github.com/gomlx/diffgraph/graph/nanlogger"
	"github.com/gomlx/diffgraph/initializers"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/gomlx/diffgraph/ui/commandline"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagBackend = flag.String("backend", "",
		fmt.Sprintf("Backend configuration, in the format \"<name>:<options>\". Registered backends: %v. "+
			"If empty it uses $%s or the default backend.", backends.List(), backends.DIFFGRAPH_BACKEND))
	flagSteps       = flag.Int("steps", 300, "Number of gradient descent steps.")
	flagLR          = flag.Float64("lr", 0.1, "Learning rate.")
	flagSamples     = flag.Int("samples", 128, "Number of synthetic examples.")
	flagFeatures    = flag.Int("features", 4, "Number of input features.")
	flagNoise       = flag.Float64("noise", 0.01, "Standard deviation of the noise added to the labels.")
	flagSeed        = flag.Uint64("seed", 42, "Random seed. Use 0 for a random seed.")
	flagParallelism = flag.Int("parallelism", 1, "Maximum number of operations executed concurrently.")
	flagNanLogger   = flag.Bool("nanlogger", false, "Check every operation output for NaN or Inf values.")
	flagVars        = flag.Bool("vars", true, "Print the graph variables at the end.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 0, 1, 2)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).Profile)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	if err := run(ctx); err != nil {
		klog.Errorf("Failed: %+v", err)
		os.Exit(1)
	}
}

// model holds the variables of the linear regression graph.
type model struct {
	g                     *graph.Graph
	weights, bias         graph.VarID
	loss                  graph.VarID
	gradWeights, gradBias graph.VarID
	trueWeights           []float32
	trueBias              float32
}

// buildModel creates the synthetic data, and the graph computing the mean squared error of
// pred = x·weights + bias, and its gradients.
func buildModel(numSamples, numFeatures int, noise float64, seed uint64) (*model, error) {
	m := &model{g: graph.New(), trueBias: 0.5}
	g := m.g
	m.trueWeights = make([]float32, numFeatures)
	for ii := range m.trueWeights {
		m.trueWeights[ii] = float32(ii+1) / float32(numFeatures)
	}

	inputs, err := initializers.Uniform(seed, -1, 1)(shapes.Make(dtypes.Float32, numSamples, numFeatures))
	if err != nil {
		return nil, err
	}
	x, err := g.AddConstant("x", inputs)
	if err != nil {
		return nil, err
	}
	trueWeights, err := g.AddConstant("true_weights", tensors.FromFlatDataAndDimensions(m.trueWeights, numFeatures, 1))
	if err != nil {
		return nil, err
	}
	trueBias, err := g.AddConstant("true_bias", tensors.FromValue([]float32{m.trueBias}))
	if err != nil {
		return nil, err
	}
	noiseSeed := seed
	if noiseSeed != initializers.NoSeed {
		noiseSeed++
	}
	noiseValues, err := initializers.Normal(noiseSeed, 0, noise)(shapes.Make(dtypes.Float32, numSamples, 1))
	if err != nil {
		return nil, err
	}
	noiseVar, err := g.AddConstant("noise", noiseValues)
	if err != nil {
		return nil, err
	}

	// Parameters.
	m.weights, err = g.AddParameter("weights", shapes.Make(dtypes.Float32, numFeatures, 1), initializers.Xavier(seed))
	if err != nil {
		return nil, err
	}
	m.bias, err = g.AddParameter("bias", shapes.Make(dtypes.Float32, 1), initializers.Zero)
	if err != nil {
		return nil, err
	}

	b := &opBuilder{g: g}
	// Labels only depend on constants: they are computed once and cached.
	labels := b.op("add", b.op("add", b.op("matmul", x, trueWeights), trueBias), noiseVar)
	pred := b.op("add", b.op("matmul", x, m.weights), m.bias)
	m.loss = b.op("reduce_mean", b.op("square", b.op("sub", pred, labels)))
	if b.err != nil {
		return nil, b.err
	}
	grads, err := g.Differentiate(m.loss, m.weights, m.bias)
	if err != nil {
		return nil, err
	}
	m.gradWeights, m.gradBias = grads[m.weights], grads[m.bias]
	return m, nil
}

// opBuilder adds single output operations, keeping the first error.
type opBuilder struct {
	g   *graph.Graph
	err error
}

func (b *opBuilder) op(opName string, inputs ...graph.VarID) graph.VarID {
	if b.err != nil {
		return graph.InvalidVarID
	}
	outputs, err := b.g.AddOperation(opName, inputs, nil)
	if err != nil {
		b.err = err
		return graph.InvalidVarID
	}
	return outputs[0]
}

// sgdUpdate returns value - lr * grad.
func sgdUpdate(value, grad *tensors.Tensor, lr float64) *tensors.Tensor {
	values := tensors.CopyFlatData[float32](value)
	grads := tensors.CopyFlatData[float32](grad)
	for ii := range values {
		values[ii] -= float32(lr) * grads[ii]
	}
	return tensors.FromFlatDataAndDimensions(values, value.Shape().Dimensions...)
}

func run(ctx context.Context) error {
	var backend backends.Backend
	var err error
	if *flagBackend == "" {
		backend, err = backends.New()
	} else {
		backend, err = backends.NewWithConfig(*flagBackend)
	}
	if err != nil {
		return err
	}
	defer backend.Finalize()
	if *flagNanLogger {
		l := nanlogger.New(backend)
		l.TraceAll("regression")
		backend = l
	}
	fmt.Printf("Backend: %s\n", backend.Description())

	m, err := buildModel(*flagSamples, *flagFeatures, *flagNoise, *flagSeed)
	if err != nil {
		return errors.WithMessage(err, "building the model")
	}
	exec := graph.NewExecutor(m.g, backend).WithParallelism(*flagParallelism)

	start := time.Now()
	pBar := commandline.NewProgressBar(*flagSteps, []string{"Loss"},
		func() (string, string) { return "Kernel calls", humanize.Comma(exec.KernelCalls()) })
	var lastLoss float32
	for step := range *flagSteps {
		results, err := exec.Run(ctx, []graph.VarID{m.loss, m.gradWeights, m.gradBias}, nil)
		if err != nil {
			pBar.Done()
			return errors.WithMessagef(err, "step %d", step)
		}
		lastLoss = tensors.ToScalar[float32](results[m.loss])
		weights, bias := m.g.Value(m.weights), m.g.Value(m.bias)
		err = m.g.BindValues(map[string]*tensors.Tensor{
			"weights": sgdUpdate(weights, results[m.gradWeights], *flagLR),
			"bias":    sgdUpdate(bias, results[m.gradBias], *flagLR),
		})
		weights.Finalize()
		bias.Finalize()
		for _, result := range results {
			result.Finalize()
		}
		if err != nil {
			pBar.Done()
			return errors.WithMessagef(err, "updating parameters at step %d", step)
		}
		pBar.Update(step+1, fmt.Sprintf("%.6f", lastLoss))
	}
	pBar.Done()

	fmt.Printf("Trained %s steps in %s: loss=%.6f\n", humanize.Comma(int64(*flagSteps)),
		commandline.FormatDuration(time.Since(start)), lastLoss)
	weights := m.g.Value(m.weights)
	fmt.Printf("  weights: %v (true %v)\n", tensors.CopyFlatData[float32](weights), m.trueWeights)
	weights.Finalize()
	bias := m.g.Value(m.bias)
	fmt.Printf("  bias:    %v (true %v)\n", tensors.CopyFlatData[float32](bias), m.trueBias)
	bias.Finalize()

	if *flagVars {
		fmt.Println(titleStyle.Render("Graph variables"))
		fmt.Println(commandline.VariablesTable(m.g))
	}
	return nil
}
