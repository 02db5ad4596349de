package cmd

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsUsageError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unknown command", fmt.Errorf(`unknown command "frobnicate" for "foldermcp"`), true},
		{"unknown flag", fmt.Errorf("unknown flag: --fast"), true},
		{"arg count", fmt.Errorf("accepts 1 arg(s), received 0"), true},
		{"internal", fmt.Errorf("database disk image is malformed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUsageError(tt.err))
		})
	}
}

func TestExitCodes(t *testing.T) {
	assert.Equal(t, 0, ExitOK)
	assert.Equal(t, 2, ExitUsage)
	assert.Equal(t, 3, ExitDaemonNotRunning)
	assert.Equal(t, 4, ExitInternal)
}
