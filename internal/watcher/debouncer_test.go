package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectBatch(t *testing.T, d *Debouncer, timeout time.Duration) []FileEvent {
	t.Helper()
	select {
	case events := <-d.Output():
		return events
	case <-time.After(timeout):
		t.Fatal("timed out waiting for debounced batch")
		return nil
	}
}

func TestDebouncer_CollapsesSamePath(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	// Given: a burst of modifies for one path
	for i := 0; i < 5; i++ {
		d.Add(FileEvent{Path: "a.txt", Operation: OpModify, Timestamp: time.Now()})
	}

	// Then: one event survives the window
	events := collectBatch(t, d, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, OpModify, events[0].Operation)
}

func TestDebouncer_CreateThenDeleteCancels(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "ghost.txt", Operation: OpCreate})
	d.Add(FileEvent{Path: "ghost.txt", Operation: OpDelete})
	d.Add(FileEvent{Path: "real.txt", Operation: OpCreate})

	events := collectBatch(t, d, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "real.txt", events[0].Path)
}

func TestDebouncer_DeleteThenCreateIsModify(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "swap.txt", Operation: OpDelete})
	d.Add(FileEvent{Path: "swap.txt", Operation: OpCreate})

	events := collectBatch(t, d, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, OpModify, events[0].Operation)
}

func TestDebouncer_CreateThenModifyStaysCreate(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "new.txt", Operation: OpCreate})
	d.Add(FileEvent{Path: "new.txt", Operation: OpModify})

	events := collectBatch(t, d, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, OpCreate, events[0].Operation)
}

func TestDebouncer_ModifyThenDeleteIsDelete(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "gone.txt", Operation: OpModify})
	d.Add(FileEvent{Path: "gone.txt", Operation: OpDelete})

	events := collectBatch(t, d, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, OpDelete, events[0].Operation)
}

func TestDebouncer_SeparatePathsSeparateEvents(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	d.Add(FileEvent{Path: "a.txt", Operation: OpCreate})
	d.Add(FileEvent{Path: "b.txt", Operation: OpModify})

	events := collectBatch(t, d, time.Second)
	assert.Len(t, events, 2)
}

func TestDebouncer_StopIsIdempotent(t *testing.T) {
	d := NewDebouncer(time.Millisecond)
	d.Stop()
	d.Stop()

	// Adds after stop are dropped silently.
	d.Add(FileEvent{Path: "late.txt", Operation: OpCreate})
}
