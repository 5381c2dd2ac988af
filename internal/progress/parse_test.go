// SPDX-License-Identifier: MIT

package progress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStreamReturnsLastCompleteBlock(t *testing.T) {
	text := "frame=100\nout_time_us=4000000\nprogress=continue\n" +
		"frame=250\nout_time_us=10000000\nprogress=continue\n"

	block, ended := ParseStream(text)
	require.NotNil(t, block)
	assert.False(t, ended)
	assert.Equal(t, "250", block["frame"])
	assert.Equal(t, "10000000", block["out_time_us"])
}

func TestParseStreamIgnoresUnterminatedTrailingLines(t *testing.T) {
	text := "frame=100\nprogress=continue\nframe=999\nout_time_us=123"

	block, ended := ParseStream(text)
	require.NotNil(t, block)
	assert.False(t, ended)
	assert.Equal(t, "100", block["frame"], "a block without a sentinel may still be mid-write")
}

func TestParseStreamDetectsEndSentinel(t *testing.T) {
	text := "frame=100\nprogress=continue\nframe=500\nprogress=end\n"

	block, ended := ParseStream(text)
	require.NotNil(t, block)
	assert.True(t, ended)
	assert.Equal(t, "500", block["frame"])
}

func TestParseStreamEmptyAndGarbageInput(t *testing.T) {
	block, ended := ParseStream("")
	assert.Nil(t, block)
	assert.False(t, ended)

	block, ended = ParseStream("no separators here\n\n  \n")
	assert.Nil(t, block)
	assert.False(t, ended)
}
