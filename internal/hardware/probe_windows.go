//go:build windows

package hardware

import (
	"os"
	"path/filepath"
	"syscall"
	"unsafe"
)

const (
	cudaLibrary  = "nvcuda.dll"
	metalLibrary = "Metal" // never present on windows
	d3d12Library = "d3d12.dll"
)

// canLoadLibrary reports whether the named DLL loads in this process.
// purego's Dlopen is unix-only; on Windows LoadLibrary is the equivalent
// probe.
func canLoadLibrary(name string) bool {
	handle, err := syscall.LoadLibrary(name)
	if err != nil {
		// Fall back to a system32 existence check for DLLs that refuse to
		// load into a GUI-less process.
		sysRoot := os.Getenv("SystemRoot")
		if sysRoot == "" {
			return false
		}
		_, statErr := os.Stat(filepath.Join(sysRoot, "System32", name))
		return statErr == nil
	}
	_ = syscall.FreeLibrary(handle)
	return true
}

// readRAMGB reads total physical memory via GlobalMemoryStatusEx.
func readRAMGB() (float64, error) {
	type memoryStatusEx struct {
		Length               uint32
		MemoryLoad           uint32
		TotalPhys            uint64
		AvailPhys            uint64
		TotalPageFile        uint64
		AvailPageFile        uint64
		TotalVirtual         uint64
		AvailVirtual         uint64
		AvailExtendedVirtual uint64
	}

	kernel32, err := syscall.LoadDLL("kernel32.dll")
	if err != nil {
		return 0, err
	}
	proc, err := kernel32.FindProc("GlobalMemoryStatusEx")
	if err != nil {
		return 0, err
	}

	var status memoryStatusEx
	status.Length = uint32(unsafe.Sizeof(status))
	ret, _, callErr := proc.Call(uintptr(unsafe.Pointer(&status)))
	if ret == 0 {
		return 0, callErr
	}
	return float64(status.TotalPhys) / (1024 * 1024 * 1024), nil
}

// readNvidiaVRAMGB is unknown on windows without the NVML runtime; the
// selector applies its default budget for 0.
func readNvidiaVRAMGB() float64 {
	return 0
}
