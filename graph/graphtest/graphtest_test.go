package graphtest

import (
	"sync"
	"testing"

	"github.com/gomlx/diffgraph/backends"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildTestBackendConcurrently(t *testing.T) {
	const numCallers = 16
	got := make([]backends.Backend, numCallers)
	var wg sync.WaitGroup
	for ii := range numCallers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[ii] = BuildTestBackend()
		}()
	}
	wg.Wait()
	require.NotNil(t, got[0])
	for _, backend := range got {
		assert.Same(t, got[0], backend)
	}
	assert.Equal(t, "go", backends.DefaultConfig)
}
