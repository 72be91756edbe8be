package live

import (
	"strconv"
	"strings"
)

// playlistState is what the blocking waiter compares client positions
// against: the sequence number of the newest segment and the index of
// the newest part within it.
type playlistState struct {
	// MediaSequence is the #EXT-X-MEDIA-SEQUENCE value, the sequence
	// number of the first segment still in the playlist.
	MediaSequence int
	// LatestMSN is the sequence number of the newest full segment.
	LatestMSN int
	// PartIndex is the index of the newest part published after the
	// last full segment, or -1 when the muxer emits no parts.
	PartIndex int
	// EndList is set when the playlist is closed.
	EndList bool
}

// parsePlaylist extracts the waiter-relevant state from an HLS media
// playlist. Playlists without low-latency part lines parse fine; the
// part index simply stays -1.
func parsePlaylist(content string) playlistState {
	state := playlistState{PartIndex: -1}

	segments := 0
	partsAfterLastSegment := 0

	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:")); err == nil {
				state.MediaSequence = n
			}
		case strings.HasPrefix(line, "#EXTINF:"):
			segments++
			partsAfterLastSegment = 0
		case strings.HasPrefix(line, "#EXT-X-PART:"):
			partsAfterLastSegment++
		case line == "#EXT-X-ENDLIST":
			state.EndList = true
		}
	}

	state.LatestMSN = state.MediaSequence + segments - 1
	if segments == 0 {
		state.LatestMSN = state.MediaSequence - 1
	}
	if partsAfterLastSegment > 0 {
		state.PartIndex = partsAfterLastSegment - 1
	}
	return state
}

// satisfies reports whether the playlist has reached the client
// position (msn, part). part < 0 means the client asked for the
// segment only, so its presence in the playlist is enough.
func (s playlistState) satisfies(msn, part int) bool {
	if s.EndList {
		return true
	}
	if s.LatestMSN > msn {
		return true
	}
	if s.LatestMSN < msn {
		return false
	}
	if part < 0 {
		return true
	}
	return s.PartIndex >= part
}
