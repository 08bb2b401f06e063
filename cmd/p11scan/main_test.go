package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRealMain(t *testing.T) {
	out := bytes.NewBuffer([]byte{})
	errout := bytes.NewBuffer([]byte{})
	rc := 0
	exit := func(c int) {
		rc = c
	}

	realMain([]string{"p11scan", "unknown"}, out, errout, exit)
	assert.NotEqual(t, 0, rc)
	assert.Contains(t, errout.String(), "p11scan: error: unexpected argument unknown")
	assert.Empty(t, out.String())
}

func TestRealMain_Version(t *testing.T) {
	out := bytes.NewBuffer([]byte{})
	errout := bytes.NewBuffer([]byte{})
	rc := -1
	exit := func(c int) {
		rc = c
	}

	realMain([]string{"p11scan", "version"}, out, errout, exit)
	assert.Equal(t, -1, rc)
	assert.Contains(t, out.String(), `"build"`)
	assert.Empty(t, errout.String())
}
