package model

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/Aman-CERP/foldermcp/internal/hardware"
)

// session is one open inference session against a specific backend.
// Implementations return raw (un-normalized) vectors; the Runner owns
// normalization and truncation.
type session interface {
	Infer(texts []string) ([][]float32, error)
	Backend() hardware.BackendKind
	Close() error
}

// sessionFactory opens a session for a backend. Accelerated factories fail
// when their runtime cannot initialize; the Runner then tries the next
// backend in the list.
type sessionFactory func(desc Descriptor, backend hardware.Backend) (session, error)

// openSession is the production factory.
func openSession(desc Descriptor, backend hardware.Backend) (session, error) {
	switch backend.Kind {
	case hardware.BackendCPU:
		return newCPUSession(desc, backend.Config.Threads), nil
	default:
		// Accelerated runtimes load lazily; a backend that passed the
		// selector probe can still fail here (driver/runtime version skew).
		return nil, fmt.Errorf("backend %s: native session unavailable", backend.Kind)
	}
}

// cpuSession is the always-available execution provider: a deterministic
// feature-hash projection into the model's dimensionality. Token features
// weigh 0.7, character trigram features 0.3.
type cpuSession struct {
	dims    int
	threads int
}

const (
	cpuTokenWeight = 0.7
	cpuNgramWeight = 0.3
	cpuNgramSize   = 3
)

var sessionTokenRegex = regexp.MustCompile(`[\p{L}\p{N}]+`)

func newCPUSession(desc Descriptor, threads int) *cpuSession {
	if threads <= 0 {
		threads = 1
	}
	return &cpuSession{dims: desc.Dimensions, threads: threads}
}

func (s *cpuSession) Backend() hardware.BackendKind { return hardware.BackendCPU }

func (s *cpuSession) Close() error { return nil }

// Infer produces one vector per input, order preserved.
func (s *cpuSession) Infer(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = s.embedOne(text)
	}
	return out, nil
}

func (s *cpuSession) embedOne(text string) []float32 {
	vec := make([]float32, s.dims)

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vec
	}

	for _, token := range sessionTokenRegex.FindAllString(strings.ToLower(trimmed), -1) {
		vec[hashToIndex(token, s.dims)] += cpuTokenWeight
	}

	compact := strings.Join(strings.Fields(strings.ToLower(trimmed)), " ")
	runes := []rune(compact)
	for i := 0; i+cpuNgramSize <= len(runes); i++ {
		vec[hashToIndex(string(runes[i:i+cpuNgramSize]), s.dims)] += cpuNgramWeight
	}

	return vec
}

// hashToIndex maps a feature to a vector index.
func hashToIndex(feature string, dims int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(feature))
	return int(h.Sum32() % uint32(dims))
}
