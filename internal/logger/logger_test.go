package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConsoleAndJSON(t *testing.T) {
	console, err := New(false)
	require.NoError(t, err)
	assert.NotNil(t, console)

	jsonLog, err := New(true)
	require.NoError(t, err)
	assert.NotNil(t, jsonLog)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	log := Nop()
	assert.Same(t, log, OrNop(log))
}
