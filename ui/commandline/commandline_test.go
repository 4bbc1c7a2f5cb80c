package commandline

import (
	"testing"
	"time"

	"github.com/gomlx/diffgraph/graph"
	"github.com/gomlx/diffgraph/types/dtypes"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.50s", FormatDuration(2500*time.Millisecond))
	assert.Equal(t, "12.35µs", FormatDuration(12346*time.Nanosecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
}

func TestHumanizeInt(t *testing.T) {
	assert.Equal(t, "0", humanizeInt(0))
	assert.Equal(t, "1,234,567", humanizeInt(1234567))
	assert.Equal(t, "-1,000", humanizeInt(int32(-1000)))
}

func TestVariablesTable(t *testing.T) {
	g := graph.New()
	x := must.M1(g.AddPlaceholder("x", shapes.Make(dtypes.Float32, shapes.UnknownDim, 3)))
	_ = must.M1(g.AddConstant("weights", tensors.Zeros(shapes.Make(dtypes.Float64, 256, 4))))
	_ = must.M1(g.AddOperation("exp", []graph.VarID{x}, nil))
	table := VariablesTable(g)
	assert.Contains(t, table, "weights")
	assert.Contains(t, table, "(Float32)[? 3]")
	assert.Contains(t, table, "unbound_unknown_shape")
	assert.Contains(t, table, "8.2 kB")
	assert.Contains(t, table, "3 variables, 1 operations")
}
