// Package hardware probes the local machine and selects inference backends.
//
// The probe produces a HardwareProfile cached in-process for one hour; the
// selector orders execution providers for a model against that profile.
// Probing is best-effort by contract: a partial, cpu-only profile is a valid
// answer and never an error, so folder startup is never blocked on hardware
// detection.
package hardware

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// GPUKind identifies the GPU vendor family.
type GPUKind string

const (
	GPUNone   GPUKind = "none"
	GPUNvidia GPUKind = "nvidia"
	GPUApple  GPUKind = "apple"
	GPUAMD    GPUKind = "amd"
	GPUIntel  GPUKind = "intel"
)

// APISupport records which acceleration APIs the machine exposes.
type APISupport struct {
	Metal       bool   `json:"metal,omitempty"`
	D3D12       bool   `json:"d3d12,omitempty"`
	CUDAVersion string `json:"cuda_version,omitempty"`
}

// GPUInfo describes the detected GPU, if any.
type GPUInfo struct {
	Kind       GPUKind    `json:"kind"`
	VRAMGB     float64    `json:"vram_gb,omitempty"`
	APISupport APISupport `json:"api_support"`
}

// Profile is the hardware profile consumed by the backend selector.
type Profile struct {
	OS          string    `json:"os"`
	CPUCores    int       `json:"cpu_cores"`
	CPUFeatures []string  `json:"cpu_features,omitempty"`
	RAMGB       float64   `json:"ram_gb"`
	GPU         GPUInfo   `json:"gpu"`
	ProbedAt    time.Time `json:"probed_at"`

	// Partial marks a profile assembled after one or more probe steps
	// failed; consumers fall back to conservative defaults.
	Partial bool `json:"partial,omitempty"`
}

// profileTTL is how long a probe result stays valid.
const profileTTL = time.Hour

const profileKey = "profile"

// Prober produces cached hardware profiles.
type Prober struct {
	cache *expirable.LRU[string, *Profile]

	// loadLibrary is swappable for tests; defaults to the platform probe.
	loadLibrary func(name string) bool
}

// NewProber creates a Prober with a one-hour profile cache.
func NewProber() *Prober {
	return &Prober{
		cache:       expirable.NewLRU[string, *Profile](1, nil, profileTTL),
		loadLibrary: canLoadLibrary,
	}
}

// Probe returns the hardware profile, reusing a cached result younger than
// one hour. It never returns an error: failed probe steps degrade to a
// partial, cpu-only profile.
func (p *Prober) Probe(ctx context.Context) *Profile {
	if cached, ok := p.cache.Get(profileKey); ok {
		return cached
	}

	profile := p.probe(ctx)
	p.cache.Add(profileKey, profile)

	slog.Debug("hardware probe complete",
		slog.String("os", profile.OS),
		slog.Int("cpu_cores", profile.CPUCores),
		slog.Float64("ram_gb", profile.RAMGB),
		slog.String("gpu", string(profile.GPU.Kind)),
		slog.Bool("partial", profile.Partial))

	return profile
}

// Invalidate drops the cached profile so the next Probe runs fresh.
func (p *Prober) Invalidate() {
	p.cache.Remove(profileKey)
}

// probe assembles a fresh profile.
func (p *Prober) probe(ctx context.Context) *Profile {
	profile := &Profile{
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
		GPU:      GPUInfo{Kind: GPUNone},
		ProbedAt: time.Now(),
	}

	ram, err := readRAMGB()
	if err != nil {
		profile.Partial = true
	} else {
		profile.RAMGB = ram
	}

	select {
	case <-ctx.Done():
		// Cancelled mid-probe: whatever was gathered is the answer.
		profile.Partial = true
		return profile
	default:
	}

	p.detectGPU(profile)
	return profile
}

// detectGPU fills the GPU section of the profile.
func (p *Prober) detectGPU(profile *Profile) {
	switch runtime.GOOS {
	case "darwin":
		if runtime.GOARCH == "arm64" && p.loadLibrary(metalLibrary) {
			profile.GPU = GPUInfo{
				Kind:       GPUApple,
				APISupport: APISupport{Metal: true},
			}
			// Apple Silicon shares system RAM with the GPU.
			profile.GPU.VRAMGB = profile.RAMGB
		}
	case "linux", "windows":
		if p.loadLibrary(cudaLibrary) {
			profile.GPU = GPUInfo{
				Kind:       GPUNvidia,
				VRAMGB:     readNvidiaVRAMGB(),
				APISupport: APISupport{CUDAVersion: "detected"},
			}
		}
		if runtime.GOOS == "windows" && profile.GPU.Kind == GPUNone && p.loadLibrary(d3d12Library) {
			profile.GPU = GPUInfo{
				Kind:       GPUIntel, // vendor unknown; any D3D12 device qualifies
				APISupport: APISupport{D3D12: true},
			}
		}
	}
}
