// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hlscache/hlscache/internal/storage"
)

// Rendition is one quality tier of the adaptive ladder.
type Rendition struct {
	Name         string
	Height       int
	VideoBitrate string
	MaxRate      string
	BufSize      string
	AudioBitrate string
}

// renditionTable enumerates the tiers jobs may request.
var renditionTable = map[string]Rendition{
	"1080p": {Name: "1080p", Height: 1080, VideoBitrate: "5000k", MaxRate: "5350k", BufSize: "7500k", AudioBitrate: "192k"},
	"720p":  {Name: "720p", Height: 720, VideoBitrate: "2800k", MaxRate: "2996k", BufSize: "4200k", AudioBitrate: "128k"},
	"480p":  {Name: "480p", Height: 480, VideoBitrate: "1400k", MaxRate: "1498k", BufSize: "2100k", AudioBitrate: "128k"},
	"360p":  {Name: "360p", Height: 360, VideoBitrate: "800k", MaxRate: "856k", BufSize: "1200k", AudioBitrate: "96k"},
	"240p":  {Name: "240p", Height: 240, VideoBitrate: "400k", MaxRate: "428k", BufSize: "600k", AudioBitrate: "64k"},
}

// fallbackRendition is the single fixed-quality stream used when the
// adaptive ladder attempt fails.
var fallbackRendition = renditionTable["480p"]

const segmentDuration = 6

// LookupRenditions resolves requested tier names. Unknown names are an input
// error, not a retriable one.
func LookupRenditions(names []string) ([]Rendition, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("no renditions requested")
	}
	out := make([]Rendition, 0, len(names))
	for _, name := range names {
		r, ok := renditionTable[name]
		if !ok {
			return nil, fmt.Errorf("unknown rendition %q", name)
		}
		out = append(out, r)
	}
	return out, nil
}

// BuildLadderArgs constructs the arguments for the multi-rendition adaptive
// package: one video+audio pair per tier, segmented HLS output and a master
// index playlist. Arguments are passed as a vector, never through a shell.
func BuildLadderArgs(input, outDir, reportPath string, renditions []Rendition, overwrite bool) ([]string, error) {
	if len(renditions) == 0 {
		return nil, fmt.Errorf("empty rendition ladder")
	}

	args := baseArgs(input, reportPath, overwrite)

	var streamMap []string
	for i, r := range renditions {
		args = append(args,
			"-map", "0:v:0",
			"-map", "0:a:0?",
			fmt.Sprintf("-filter:v:%d", i), fmt.Sprintf("scale=-2:%d", r.Height),
			fmt.Sprintf("-c:v:%d", i), "libx264",
			fmt.Sprintf("-b:v:%d", i), r.VideoBitrate,
			fmt.Sprintf("-maxrate:v:%d", i), r.MaxRate,
			fmt.Sprintf("-bufsize:v:%d", i), r.BufSize,
			fmt.Sprintf("-c:a:%d", i), "aac",
			fmt.Sprintf("-b:a:%d", i), r.AudioBitrate,
		)
		streamMap = append(streamMap, fmt.Sprintf("v:%d,a:%d,name:%s", i, i, r.Name))
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, "%v_%05d.ts"),
		"-master_pl_name", storage.MasterPlaylist,
		"-var_stream_map", strings.Join(streamMap, " "),
		filepath.Join(outDir, "%v.m3u8"),
	)
	return args, nil
}

// BuildSingleArgs constructs the arguments for the single-rendition fallback:
// one fixed-quality playlist, no adaptive ladder.
func BuildSingleArgs(input, outDir, reportPath string, overwrite bool) []string {
	r := fallbackRendition
	args := baseArgs(input, reportPath, overwrite)
	args = append(args,
		"-map", "0:v:0",
		"-map", "0:a:0?",
		"-filter:v", fmt.Sprintf("scale=-2:%d", r.Height),
		"-c:v", "libx264",
		"-b:v", r.VideoBitrate,
		"-maxrate", r.MaxRate,
		"-bufsize", r.BufSize,
		"-c:a", "aac",
		"-b:a", r.AudioBitrate,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", segmentDuration),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", filepath.Join(outDir, "stream_%05d.ts"),
		filepath.Join(outDir, storage.SinglePlaylist),
	)
	return args
}

func baseArgs(input, reportPath string, overwrite bool) []string {
	args := []string{
		"-nostdin",
		"-hide_banner",
		"-nostats",
		// Continuous key=value report stream consumed by the progress monitor.
		"-progress", reportPath,
	}
	if overwrite {
		args = append(args, "-y")
	} else {
		args = append(args, "-n")
	}
	return append(args, "-i", input)
}

// LadderArtifacts returns the files whose presence signals a finished
// adaptive package.
func LadderArtifacts(outDir string, renditions []Rendition) []string {
	paths := []string{filepath.Join(outDir, storage.MasterPlaylist)}
	for _, r := range renditions {
		paths = append(paths, filepath.Join(outDir, r.Name+".m3u8"))
	}
	return paths
}

// SingleArtifacts returns the files whose presence signals a finished
// single-rendition package.
func SingleArtifacts(outDir string) []string {
	return []string{filepath.Join(outDir, storage.SinglePlaylist)}
}
