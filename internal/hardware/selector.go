package hardware

import (
	"log/slog"
	"runtime"
)

// BackendKind identifies an execution provider.
type BackendKind string

const (
	BackendCPU     BackendKind = "cpu"
	BackendNvidia  BackendKind = "nvidia-accelerated"
	BackendDirectX BackendKind = "directx-compute"
	BackendApple   BackendKind = "apple-neural"
)

// BackendConfig carries per-backend session parameters.
type BackendConfig struct {
	// DeviceID selects the accelerator device.
	DeviceID int `json:"device_id"`

	// VRAMBudgetMB bounds accelerator memory use (80% of detected VRAM).
	VRAMBudgetMB int `json:"vram_budget_mb,omitempty"`

	// Threads is the CPU thread count for the cpu backend.
	Threads int `json:"threads,omitempty"`
}

// Backend is one entry of the ordered execution-provider list.
type Backend struct {
	Kind   BackendKind   `json:"kind"`
	Config BackendConfig `json:"config"`
}

// ModelHints are the hardware-relevant properties of a model descriptor.
type ModelHints struct {
	// MinVRAMGB is the smallest VRAM an accelerated session needs.
	MinVRAMGB float64
}

// vramBudgetFraction of detected VRAM granted to a session.
const vramBudgetFraction = 0.8

// Selector orders execution providers for a model on a profile.
type Selector struct {
	// loadLibrary is the lightweight backend probe; swappable for tests.
	loadLibrary func(name string) bool
}

// NewSelector creates a Selector using the platform library probe.
func NewSelector() *Selector {
	return &Selector{loadLibrary: canLoadLibrary}
}

// SelectBackends returns the ordered backend list for the model. Candidates
// that fail their library probe are removed, not retried — unavailability is
// not an error. The final element is always cpu.
func (s *Selector) SelectBackends(profile *Profile, hints ModelHints) []Backend {
	var backends []Backend

	for _, candidate := range s.candidates(profile, hints) {
		if candidate.Kind == BackendCPU {
			continue // appended unconditionally below
		}
		if lib := libraryFor(candidate.Kind); lib != "" && !s.loadLibrary(lib) {
			slog.Debug("backend removed: runtime library unavailable",
				slog.String("backend", string(candidate.Kind)),
				slog.String("library", lib))
			continue
		}
		backends = append(backends, candidate)
	}

	backends = append(backends, Backend{
		Kind: BackendCPU,
		Config: BackendConfig{
			Threads: cpuThreads(profile),
		},
	})

	return backends
}

// candidates returns the platform priority order before probing.
func (s *Selector) candidates(profile *Profile, hints ModelHints) []Backend {
	if profile == nil {
		return nil
	}

	var out []Backend

	vramBudget := int(profile.GPU.VRAMGB * vramBudgetFraction * 1024)
	enoughVRAM := hints.MinVRAMGB == 0 || profile.GPU.VRAMGB == 0 || profile.GPU.VRAMGB >= hints.MinVRAMGB

	switch profile.OS {
	case "windows":
		if profile.GPU.Kind == GPUNvidia && enoughVRAM {
			out = append(out, Backend{Kind: BackendNvidia, Config: BackendConfig{VRAMBudgetMB: vramBudget}})
		}
		if profile.GPU.Kind != GPUNone {
			out = append(out, Backend{Kind: BackendDirectX, Config: BackendConfig{VRAMBudgetMB: vramBudget}})
		}
	case "darwin":
		if profile.GPU.Kind == GPUApple && profile.GPU.APISupport.Metal {
			out = append(out, Backend{Kind: BackendApple, Config: BackendConfig{VRAMBudgetMB: vramBudget}})
		}
	default: // linux and everything else
		if profile.GPU.Kind == GPUNvidia && enoughVRAM {
			out = append(out, Backend{Kind: BackendNvidia, Config: BackendConfig{VRAMBudgetMB: vramBudget}})
		}
	}

	return out
}

// libraryFor maps a backend to the native library its probe loads.
func libraryFor(kind BackendKind) string {
	switch kind {
	case BackendNvidia:
		return cudaLibrary
	case BackendApple:
		return metalLibrary
	case BackendDirectX:
		return d3d12Library
	default:
		return ""
	}
}

// cpuThreads picks the cpu-session thread count: all cores minus one for the
// control plane, at least one.
func cpuThreads(profile *Profile) int {
	cores := runtime.NumCPU()
	if profile != nil && profile.CPUCores > 0 {
		cores = profile.CPUCores
	}
	if cores > 1 {
		return cores - 1
	}
	return 1
}
