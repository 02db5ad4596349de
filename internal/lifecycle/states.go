// Package lifecycle drives one folder through its indexing lifecycle:
// scanning, model download, indexing, active, error, removal. The engine
// owns the folder's hybrid store exclusively; search and MCP read through
// it, never by opening the database themselves.
package lifecycle

import "github.com/Aman-CERP/foldermcp/internal/fmdm"

// State is the folder lifecycle state.
type State string

const (
	StateInitializing     State = "INITIALIZING"
	StateScanning         State = "SCANNING"
	StateDownloadingModel State = "DOWNLOADING_MODEL"
	StateIndexing         State = "INDEXING"
	StateActive           State = "ACTIVE"
	StateError            State = "ERROR"
	StateRemoving         State = "REMOVING"
)

// fmdmStatus maps lifecycle states to their published form.
func fmdmStatus(s State) fmdm.Status {
	switch s {
	case StateInitializing:
		return fmdm.StatusInitializing
	case StateScanning:
		return fmdm.StatusScanning
	case StateDownloadingModel:
		return fmdm.StatusDownloadingModel
	case StateIndexing:
		return fmdm.StatusIndexing
	case StateActive:
		return fmdm.StatusActive
	case StateRemoving:
		return fmdm.StatusRemoving
	default:
		return fmdm.StatusError
	}
}

// validTransitions is the allowed transition set. Transitions outside it
// indicate an engine bug and are logged loudly before being refused.
var validTransitions = map[State][]State{
	StateInitializing:     {StateScanning, StateError, StateRemoving},
	StateScanning:         {StateDownloadingModel, StateIndexing, StateActive, StateError, StateRemoving},
	StateDownloadingModel: {StateIndexing, StateActive, StateError, StateRemoving},
	// INDEXING may need a model download mid-flight after a model swap.
	StateIndexing:         {StateDownloadingModel, StateActive, StateError, StateRemoving},
	StateActive:           {StateScanning, StateIndexing, StateError, StateRemoving},
	StateError:            {StateRemoving, StateInitializing},
	StateRemoving:         {},
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
