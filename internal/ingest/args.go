package ingest

import "strconv"

// buildRecordArgs constructs the ffmpeg argument list for continuous
// segmented recording. Video is stream-copied; audio is transcoded to
// AAC so MP4 containers stay playable regardless of camera audio
// codec. Segments cut on wall-clock boundaries.
func buildRecordArgs(streamURL, outputPattern string, segmentSeconds int) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "info",
		"-fflags", "+genpts+discardcorrupt",
		"-avoid_negative_ts", "make_zero",
		"-rtsp_transport", "tcp",
		"-stimeout", "10000000",
		"-i", streamURL,
		"-c:v", "copy",
		"-c:a", "aac",
		"-f", "segment",
		"-segment_time", strconv.Itoa(segmentSeconds),
		"-segment_atclocktime", "1",
		"-segment_format", "mp4",
		"-strftime", "1",
		"-strftime_mkdir", "1",
		"-reset_timestamps", "1",
		"-movflags", "+frag_keyframe+empty_moov+default_base_moof",
		outputPattern,
	}
}
