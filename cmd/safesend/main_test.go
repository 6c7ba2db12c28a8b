package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunDispatch(t *testing.T) {
	assert.Equal(t, 2, run(nil))
	assert.Equal(t, 0, run([]string{"--version"}))
	assert.Equal(t, 0, run([]string{"--help"}))
	assert.Equal(t, 2, run([]string{"teleport"}))
	assert.Equal(t, 0, run([]string{"send", "--help"}))
	assert.Equal(t, 0, run([]string{"recv", "-h"}))
}

func TestRunSendRejectsBadFlags(t *testing.T) {
	assert.Equal(t, 2, run([]string{"send", "-port", "70000", "-file", "x"}))
	assert.Equal(t, 2, run([]string{"send"}))
}
