//go:build linux || darwin

package hardware

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/ebitengine/purego"
)

// Native libraries probed for backend availability. Loading is the probe:
// a library that dlopens is a library the inference session can use.
const (
	cudaLibrary  = "libcuda.so.1"
	metalLibrary = "/System/Library/Frameworks/Metal.framework/Metal"
	d3d12Library = "d3d12.dll" // never present on unix; probe fails cleanly
)

// canLoadLibrary reports whether the named native library loads in this
// process. A load failure is the signal that a backend is unavailable; it is
// never an error.
func canLoadLibrary(name string) bool {
	handle, err := purego.Dlopen(name, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil || handle == 0 {
		return false
	}
	return true
}

// readRAMGB reads total system memory.
func readRAMGB() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		// darwin has no /proc; fall back to a conservative unknown.
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / (1024 * 1024), nil
	}
	return 0, os.ErrNotExist
}

// readNvidiaVRAMGB reads VRAM for the first NVIDIA device from the kernel
// interface. Returns 0 when unknown; the selector then applies its default
// budget.
func readNvidiaVRAMGB() float64 {
	data, err := os.ReadFile("/proc/driver/nvidia/gpus/0000:01:00.0/information")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "Video Memory:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 3 {
			return 0
		}
		mb, err := strconv.ParseFloat(fields[2], 64)
		if err != nil {
			return 0
		}
		return mb / 1024
	}
	return 0
}
