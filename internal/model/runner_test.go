package model

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corerr "github.com/Aman-CERP/foldermcp/internal/errors"
	"github.com/Aman-CERP/foldermcp/internal/hardware"
)

func testBackends() []hardware.Backend {
	return []hardware.Backend{
		{Kind: hardware.BackendNvidia},
		{Kind: hardware.BackendCPU, Config: hardware.BackendConfig{Threads: 2}},
	}
}

func TestLookup(t *testing.T) {
	t.Run("known model", func(t *testing.T) {
		desc, err := Lookup("minilm-l6-v2")
		require.NoError(t, err)
		assert.Equal(t, 384, desc.Dimensions)
		assert.NotEmpty(t, desc.Artifacts)
	})

	t.Run("unknown model", func(t *testing.T) {
		_, err := Lookup("bert-xxl")
		require.Error(t, err)
		assert.Equal(t, corerr.ErrCodeUnknownModel, corerr.GetCode(err))
	})
}

func TestList_SortedAndDistinctDims(t *testing.T) {
	models := List()
	require.GreaterOrEqual(t, len(models), 2)

	dims := map[int]bool{}
	for i := 1; i < len(models); i++ {
		assert.Less(t, models[i-1].ID, models[i].ID)
	}
	for _, m := range models {
		dims[m.Dimensions] = true
	}
	// The catalog must offer at least two dimensionalities so a model swap
	// actually changes the index shape.
	assert.GreaterOrEqual(t, len(dims), 2)
}

func TestLoad_FallsBackToCPU(t *testing.T) {
	// Given: an ordered backend list whose accelerated head cannot open
	desc, err := Lookup(DefaultModelID)
	require.NoError(t, err)

	// When: loading with the production factory (nvidia session unavailable)
	runner, err := Load(context.Background(), desc, testBackends(), LoadOptions{})

	// Then: the cpu tail serves
	require.NoError(t, err)
	defer runner.Close()
	assert.Equal(t, hardware.BackendCPU, runner.ActiveBackend())
}

func TestLoad_AllBackendsFailed(t *testing.T) {
	desc, err := Lookup(DefaultModelID)
	require.NoError(t, err)

	factory := func(Descriptor, hardware.Backend) (session, error) {
		return nil, fmt.Errorf("no runtime")
	}

	_, err = Load(context.Background(), desc, testBackends(), LoadOptions{factory: factory})
	require.Error(t, err)
	assert.Equal(t, corerr.ErrCodeAllBackendsFailed, corerr.GetCode(err))
}

func TestEmbed_ShapeAndNormalization(t *testing.T) {
	desc, err := Lookup(DefaultModelID)
	require.NoError(t, err)
	runner, err := Load(context.Background(), desc, testBackends(), LoadOptions{BatchSize: 2})
	require.NoError(t, err)
	defer runner.Close()

	texts := []string{
		"the quick brown fox jumps over the lazy dog",
		"an entirely different sentence about databases",
		"",
		"the quick brown fox jumps over the lazy dog",
	}

	vectors, err := runner.Embed(context.Background(), texts)
	require.NoError(t, err)
	require.Len(t, vectors, len(texts))

	for i, v := range vectors {
		assert.Len(t, v, desc.Dimensions, "vector %d dimensionality", i)
	}

	// Non-empty vectors are unit length.
	for _, idx := range []int{0, 1, 3} {
		var sum float64
		for _, x := range vectors[idx] {
			sum += float64(x) * float64(x)
		}
		assert.InDelta(t, 1.0, math.Sqrt(sum), 1e-4)
	}

	// Determinism: identical inputs produce identical vectors, order kept.
	assert.Equal(t, vectors[0], vectors[3])
	assert.NotEqual(t, vectors[0], vectors[1])
}

func TestEmbed_EmptyInput(t *testing.T) {
	desc, _ := Lookup(DefaultModelID)
	runner, err := Load(context.Background(), desc, testBackends(), LoadOptions{})
	require.NoError(t, err)
	defer runner.Close()

	vectors, err := runner.Embed(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

// flakySession fails the first Infer call then succeeds, exercising the
// single per-batch retry.
type flakySession struct {
	cpu      *cpuSession
	failures int
}

func (f *flakySession) Infer(texts []string) ([][]float32, error) {
	if f.failures > 0 {
		f.failures--
		return nil, fmt.Errorf("transient inference error")
	}
	return f.cpu.Infer(texts)
}

func (f *flakySession) Backend() hardware.BackendKind { return hardware.BackendCPU }
func (f *flakySession) Close() error                  { return nil }

func TestEmbed_RetriesBatchOnce(t *testing.T) {
	desc, _ := Lookup(DefaultModelID)
	factory := func(d Descriptor, b hardware.Backend) (session, error) {
		return &flakySession{cpu: newCPUSession(d, 1), failures: 1}, nil
	}

	runner, err := Load(context.Background(), desc, testBackends(), LoadOptions{factory: factory})
	require.NoError(t, err)
	defer runner.Close()

	vectors, err := runner.Embed(context.Background(), []string{"hello world"})
	require.NoError(t, err)
	assert.Len(t, vectors, 1)
}

func TestEmbed_FailsAfterSecondAttempt(t *testing.T) {
	desc, _ := Lookup(DefaultModelID)
	factory := func(d Descriptor, b hardware.Backend) (session, error) {
		return &flakySession{cpu: newCPUSession(d, 1), failures: 2}, nil
	}

	runner, err := Load(context.Background(), desc, testBackends(), LoadOptions{factory: factory})
	require.NoError(t, err)
	defer runner.Close()

	_, err = runner.Embed(context.Background(), []string{"hello world"})
	require.Error(t, err)
	assert.Equal(t, corerr.ErrCodeInferenceFailed, corerr.GetCode(err))
}

func TestEmbed_AfterClose(t *testing.T) {
	desc, _ := Lookup(DefaultModelID)
	runner, err := Load(context.Background(), desc, testBackends(), LoadOptions{})
	require.NoError(t, err)
	require.NoError(t, runner.Close())

	_, err = runner.Embed(context.Background(), []string{"x"})
	assert.Error(t, err)
}

func TestTruncateToTokens(t *testing.T) {
	long := make([]rune, 10000)
	for i := range long {
		long[i] = 'a'
	}

	got := truncateToTokens(string(long), 512)
	assert.Len(t, []rune(got), 512*4)

	assert.Equal(t, "short", truncateToTokens("short", 512))
	assert.Equal(t, "unbounded", truncateToTokens("unbounded", 0))
}
