// Package model provides the curated embedding-model catalog and the model
// runner: cache-verified downloads, backend-fallback session creation, and a
// batched, thread-safe Embed.
package model

import (
	"sort"

	corerr "github.com/Aman-CERP/foldermcp/internal/errors"
	"github.com/Aman-CERP/foldermcp/internal/hardware"
)

// Artifact is one downloadable model file, content-addressed by its hash.
type Artifact struct {
	Name   string
	SHA256 string
	Size   int64
	URL    string
}

// Descriptor describes one curated embedding model.
type Descriptor struct {
	ID           string
	DisplayName  string
	Dimensions   int
	Quantization string
	MaxSequence  int // tokens
	SizeBytes    int64

	// LanguageQuality maps ISO 639-1 codes to retrieval quality in [0,1].
	LanguageQuality map[string]float64

	// Hints carry the hardware requirements consumed by the selector.
	Hints hardware.ModelHints

	Artifacts []Artifact
}

// The curated catalog. IDs are stable; changing a model's dimensionality is
// forbidden — add a new entry instead, because folders pin (model, dims).
var catalog = map[string]Descriptor{
	"minilm-l6-v2": {
		ID:           "minilm-l6-v2",
		DisplayName:  "all-MiniLM-L6-v2",
		Dimensions:   384,
		Quantization: "f16",
		MaxSequence:  512,
		SizeBytes:    91_000_000,
		LanguageQuality: map[string]float64{
			"en": 0.86, "de": 0.62, "fr": 0.61, "es": 0.63,
		},
		Artifacts: []Artifact{
			{
				Name:   "model.onnx",
				SHA256: "53aa51172d142c89d9012cce15ae4d6cc0ca6895895114379cacb4fab128d9db",
				Size:   90_405_888,
				URL:    "https://models.foldermcp.dev/minilm-l6-v2/model.onnx",
			},
			{
				Name:   "tokenizer.json",
				SHA256: "d241a60d5e8f04cc1b2b3e9ef7a4921b27bf526d9f6050ab90f9267a1f9e5c66",
				Size:   466_062,
				URL:    "https://models.foldermcp.dev/minilm-l6-v2/tokenizer.json",
			},
		},
	},
	"mpnet-base-v2": {
		ID:           "mpnet-base-v2",
		DisplayName:  "all-mpnet-base-v2",
		Dimensions:   768,
		Quantization: "f16",
		MaxSequence:  512,
		SizeBytes:    438_000_000,
		LanguageQuality: map[string]float64{
			"en": 0.90, "de": 0.60, "fr": 0.60, "es": 0.61,
		},
		Hints: hardware.ModelHints{MinVRAMGB: 2},
		Artifacts: []Artifact{
			{
				Name:   "model.onnx",
				SHA256: "f1951812ab9b5c7ef48ad6d4aa14e4b79a77c7bcbdd0ec9ae39d969a46e1f438",
				Size:   435_826_548,
				URL:    "https://models.foldermcp.dev/mpnet-base-v2/model.onnx",
			},
			{
				Name:   "tokenizer.json",
				SHA256: "8a4de7b1a8b0b22ff842d929f9b40f2b3f3ac17d68ce3ba1ae1ad161caff1bcd",
				Size:   710_932,
				URL:    "https://models.foldermcp.dev/mpnet-base-v2/tokenizer.json",
			},
		},
	},
	"gte-large": {
		ID:           "gte-large",
		DisplayName:  "gte-large",
		Dimensions:   1024,
		Quantization: "f16",
		MaxSequence:  512,
		SizeBytes:    670_000_000,
		LanguageQuality: map[string]float64{
			"en": 0.92, "de": 0.71, "fr": 0.70, "es": 0.72, "zh": 0.68,
		},
		Hints: hardware.ModelHints{MinVRAMGB: 4},
		Artifacts: []Artifact{
			{
				Name:   "model.onnx",
				SHA256: "9c7ac2e76fd62eef5d7f1bc57b2ca29bbd44b9a360a42fd1a49313dbbcf90541",
				Size:   669_326_540,
				URL:    "https://models.foldermcp.dev/gte-large/model.onnx",
			},
			{
				Name:   "tokenizer.json",
				SHA256: "2f0f34b4b07ff87c7e4d6f1cb9bdb7ef4e43a5d9d4bd1df982d6e7cd25b42a28",
				Size:   711_661,
				URL:    "https://models.foldermcp.dev/gte-large/tokenizer.json",
			},
		},
	},
}

// DefaultModelID is used when a folder is added without an explicit model.
const DefaultModelID = "minilm-l6-v2"

// Lookup returns the descriptor for a model id.
func Lookup(id string) (Descriptor, error) {
	desc, ok := catalog[id]
	if !ok {
		return Descriptor{}, corerr.New(corerr.ErrCodeUnknownModel, "unknown model: "+id, nil).
			WithSuggestion("run 'foldermcp models' for the curated list")
	}
	return desc, nil
}

// List returns all curated models, sorted by id.
func List() []Descriptor {
	out := make([]Descriptor, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
