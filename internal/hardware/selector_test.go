package hardware

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func profileFor(os string, gpu GPUInfo) *Profile {
	return &Profile{
		OS:       os,
		CPUCores: 8,
		RAMGB:    16,
		GPU:      gpu,
		ProbedAt: time.Now(),
	}
}

func selectorWithLibraries(available map[string]bool) *Selector {
	return &Selector{loadLibrary: func(name string) bool { return available[name] }}
}

func TestSelectBackends_AlwaysEndsWithCPU(t *testing.T) {
	tests := []struct {
		name    string
		profile *Profile
	}{
		{"nil profile", nil},
		{"cpu-only linux", profileFor("linux", GPUInfo{Kind: GPUNone})},
		{"nvidia linux", profileFor("linux", GPUInfo{Kind: GPUNvidia, VRAMGB: 8})},
		{"apple darwin", profileFor("darwin", GPUInfo{Kind: GPUApple, APISupport: APISupport{Metal: true}})},
	}

	s := selectorWithLibraries(map[string]bool{cudaLibrary: true, metalLibrary: true})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := s.SelectBackends(tt.profile, ModelHints{})
			require.NotEmpty(t, backends)
			assert.Equal(t, BackendCPU, backends[len(backends)-1].Kind)
		})
	}
}

func TestSelectBackends_LinuxNvidiaPriority(t *testing.T) {
	// Given: a linux box with a CUDA runtime that loads
	s := selectorWithLibraries(map[string]bool{cudaLibrary: true})
	profile := profileFor("linux", GPUInfo{Kind: GPUNvidia, VRAMGB: 10})

	// When: selecting backends
	backends := s.SelectBackends(profile, ModelHints{})

	// Then: nvidia leads, cpu trails, VRAM budget is 80%
	require.Len(t, backends, 2)
	assert.Equal(t, BackendNvidia, backends[0].Kind)
	assert.Equal(t, int(10*0.8*1024), backends[0].Config.VRAMBudgetMB)
	assert.Equal(t, BackendCPU, backends[1].Kind)
}

func TestSelectBackends_ProbeFailureRemovesBackend(t *testing.T) {
	// Given: nvidia GPU detected but the driver library does not load
	s := selectorWithLibraries(map[string]bool{})
	profile := profileFor("linux", GPUInfo{Kind: GPUNvidia, VRAMGB: 10})

	// When: selecting backends
	backends := s.SelectBackends(profile, ModelHints{})

	// Then: unavailability is not an error, cpu remains
	require.Len(t, backends, 1)
	assert.Equal(t, BackendCPU, backends[0].Kind)
}

func TestSelectBackends_WindowsPriority(t *testing.T) {
	s := selectorWithLibraries(map[string]bool{cudaLibrary: true, d3d12Library: true})
	profile := profileFor("windows", GPUInfo{Kind: GPUNvidia, VRAMGB: 12})

	backends := s.SelectBackends(profile, ModelHints{})

	require.Len(t, backends, 3)
	assert.Equal(t, BackendNvidia, backends[0].Kind)
	assert.Equal(t, BackendDirectX, backends[1].Kind)
	assert.Equal(t, BackendCPU, backends[2].Kind)
}

func TestSelectBackends_InsufficientVRAMSkipsAccelerated(t *testing.T) {
	s := selectorWithLibraries(map[string]bool{cudaLibrary: true})
	profile := profileFor("linux", GPUInfo{Kind: GPUNvidia, VRAMGB: 2})

	backends := s.SelectBackends(profile, ModelHints{MinVRAMGB: 4})

	require.Len(t, backends, 1)
	assert.Equal(t, BackendCPU, backends[0].Kind)
}

func TestSelectBackends_CPUThreadsLeaveHeadroom(t *testing.T) {
	s := selectorWithLibraries(nil)
	backends := s.SelectBackends(profileFor("linux", GPUInfo{Kind: GPUNone}), ModelHints{})

	require.Len(t, backends, 1)
	assert.GreaterOrEqual(t, backends[0].Config.Threads, 1)
}

func TestProber_CachesProfile(t *testing.T) {
	p := NewProber()
	p.loadLibrary = func(string) bool { return false }

	first := p.Probe(context.Background())
	second := p.Probe(context.Background())

	// Same pointer: served from cache within the TTL.
	assert.Same(t, first, second)

	p.Invalidate()
	third := p.Probe(context.Background())
	assert.NotSame(t, first, third)
}

func TestProber_NeverErrors(t *testing.T) {
	// Given: a cancelled context mid-probe
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProber()
	profile := p.Probe(ctx)

	// Then: a usable cpu-only profile comes back regardless
	require.NotNil(t, profile)
	assert.Greater(t, profile.CPUCores, 0)
	assert.NotEmpty(t, profile.OS)
}
