package model

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	corerr "github.com/Aman-CERP/foldermcp/internal/errors"
	"github.com/Aman-CERP/foldermcp/internal/hardware"
)

// Runner exposes batched embedding over one loaded model. A single Runner is
// shared across the embedding worker pool; the pool bounds the effective
// parallelism, the Runner only guarantees thread safety.
type Runner struct {
	desc      Descriptor
	batchSize int

	mu      sync.RWMutex
	session session
	closed  bool
}

// LoadOptions configures Load.
type LoadOptions struct {
	// BatchSize is the internal inference batch size (default 32).
	BatchSize int

	// factory is swappable for tests.
	factory sessionFactory
}

// Load opens an inference session for the model, walking the ordered backend
// list. The first backend whose session opens wins; backends that fail are
// skipped without retry. All backends failing is fatal for the folder.
func Load(ctx context.Context, desc Descriptor, backends []hardware.Backend, opts LoadOptions) (*Runner, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 32
	}
	factory := opts.factory
	if factory == nil {
		factory = openSession
	}

	var lastErr error
	for _, backend := range backends {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		sess, err := factory(desc, backend)
		if err != nil {
			lastErr = err
			slog.Warn("backend session failed, trying next",
				slog.String("model", desc.ID),
				slog.String("backend", string(backend.Kind)),
				slog.String("error", err.Error()))
			continue
		}

		slog.Info("model session open",
			slog.String("model", desc.ID),
			slog.String("backend", string(backend.Kind)),
			slog.Int("dimensions", desc.Dimensions))

		return &Runner{desc: desc, batchSize: opts.BatchSize, session: sess}, nil
	}

	return nil, corerr.New(corerr.ErrCodeAllBackendsFailed,
		fmt.Sprintf("no execution provider could load model %s", desc.ID), lastErr)
}

// Descriptor returns the loaded model's descriptor.
func (r *Runner) Descriptor() Descriptor {
	return r.desc
}

// ActiveBackend reports the backend serving inference, for diagnostics.
func (r *Runner) ActiveBackend() hardware.BackendKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.session == nil {
		return ""
	}
	return r.session.Backend()
}

// Embed returns one L2-normalized vector per input string, order preserved,
// in the model's declared dimensionality. Inputs are truncated to the
// model's max sequence length. A failing batch is retried once before the
// whole call fails with InferenceFailed.
func (r *Runner) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.session == nil {
		return nil, corerr.New(corerr.ErrCodeInferenceFailed, "model runner is closed", nil)
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += r.batchSize {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		end := min(start+r.batchSize, len(texts))
		batch := make([]string, end-start)
		for i, t := range texts[start:end] {
			batch[i] = truncateToTokens(t, r.desc.MaxSequence)
		}

		vectors, err := r.session.Infer(batch)
		if err != nil {
			// One retry per batch, then the batch is failed.
			vectors, err = r.session.Infer(batch)
			if err != nil {
				return nil, corerr.New(corerr.ErrCodeInferenceFailed,
					fmt.Sprintf("inference failed for batch %d-%d", start, end), err).
					WithContext("backend", string(r.session.Backend()))
			}
		}
		if len(vectors) != len(batch) {
			return nil, corerr.New(corerr.ErrCodeInferenceFailed,
				fmt.Sprintf("session returned %d vectors for %d inputs", len(vectors), len(batch)), nil)
		}

		for _, v := range vectors {
			out = append(out, l2Normalize(v))
		}
	}

	return out, nil
}

// Close releases the session.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.session != nil {
		return r.session.Close()
	}
	return nil
}

// truncateToTokens bounds text to roughly maxTokens using the ~4 runes per
// token estimate the chunker shares.
func truncateToTokens(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return text
	}
	maxRunes := maxTokens * 4
	runes := []rune(text)
	if len(runes) <= maxRunes {
		return text
	}
	return string(runes[:maxRunes])
}

// l2Normalize normalizes a vector to unit length; zero vectors pass through.
func l2Normalize(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	out := make([]float32, len(v))
	for i, val := range v {
		out[i] = val * inv
	}
	return out
}
