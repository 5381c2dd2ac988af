// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupRenditions(t *testing.T) {
	renditions, err := LookupRenditions([]string{"1080p", "480p"})
	require.NoError(t, err)
	require.Len(t, renditions, 2)
	assert.Equal(t, 1080, renditions[0].Height)
	assert.Equal(t, 480, renditions[1].Height)

	_, err = LookupRenditions([]string{"4320p"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "4320p")

	_, err = LookupRenditions(nil)
	assert.Error(t, err)
}

func TestBuildLadderArgs(t *testing.T) {
	renditions, err := LookupRenditions([]string{"720p", "480p"})
	require.NoError(t, err)

	args, err := BuildLadderArgs("/media/clip.mp4", "/out", "/out/.ffprogress", renditions, false)
	require.NoError(t, err)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-nostdin")
	assert.Contains(t, joined, "-progress /out/.ffprogress")
	assert.Contains(t, joined, "-n ", "without overwrite the encoder must refuse to clobber")
	assert.Contains(t, joined, "-i /media/clip.mp4")
	assert.Contains(t, joined, "-filter:v:0 scale=-2:720")
	assert.Contains(t, joined, "-filter:v:1 scale=-2:480")
	assert.Contains(t, joined, "-master_pl_name master.m3u8")
	assert.Contains(t, joined, "-var_stream_map v:0,a:0,name:720p v:1,a:1,name:480p")
	assert.Equal(t, filepath.Join("/out", "%v.m3u8"), args[len(args)-1])

	_, err = BuildLadderArgs("/media/clip.mp4", "/out", "/out/.ffprogress", nil, false)
	assert.Error(t, err)
}

func TestBuildLadderArgsOverwrite(t *testing.T) {
	renditions, err := LookupRenditions([]string{"480p"})
	require.NoError(t, err)

	args, err := BuildLadderArgs("/media/clip.mp4", "/out", "/out/.ffprogress", renditions, true)
	require.NoError(t, err)
	assert.Contains(t, args, "-y")
	assert.NotContains(t, args, "-n")
}

func TestBuildSingleArgs(t *testing.T) {
	args := BuildSingleArgs("/media/clip.mp4", "/out", "/out/.ffprogress", false)
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "scale=-2:480")
	assert.NotContains(t, joined, "-var_stream_map")
	assert.Equal(t, filepath.Join("/out", "stream.m3u8"), args[len(args)-1])
}

func TestArtifactLists(t *testing.T) {
	renditions, err := LookupRenditions([]string{"720p", "480p"})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"/out/master.m3u8",
		"/out/720p.m3u8",
		"/out/480p.m3u8",
	}, LadderArtifacts("/out", renditions))

	assert.Equal(t, []string{"/out/stream.m3u8"}, SingleArtifacts("/out"))
}
