package ingest

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/fleetcam/vms/internal/store"
)

// BuildRTSPURL constructs the camera stream URL from its inventory
// record and the decrypted password. The password is query-escaped so
// special characters survive the URL; it must never reach a log line.
func BuildRTSPURL(cam *store.Camera, password string) string {
	port := cam.Port
	if port == 0 {
		port = 554
	}

	params := url.Values{}
	if cam.Codec != "" {
		params.Set("videocodec", cam.Codec)
	}
	if cam.ProfileName != "" {
		params.Set("streamprofile", cam.ProfileName)
	}
	if cam.CompressionHint {
		params.Set("zipstream", "on")
	} else {
		params.Set("zipstream", "off")
	}
	if cam.Resolution != "" {
		params.Set("resolution", cam.Resolution)
	}
	if cam.FPS > 0 {
		params.Set("fps", fmt.Sprintf("%d", cam.FPS))
	}

	u := url.URL{
		Scheme:   "rtsp",
		Host:     fmt.Sprintf("%s:%d", cam.Host, port),
		Path:     "/axis-media/media.amp",
		RawQuery: params.Encode(),
	}
	if cam.Username != "" {
		u.User = url.UserPassword(cam.Username, password)
	}
	return u.String()
}

// sanitizeURL removes credentials from a stream URL for safe logging.
func sanitizeURL(raw string) string {
	for _, proto := range []string{"rtsp://", "http://", "https://"} {
		if strings.HasPrefix(raw, proto) {
			rest := strings.TrimPrefix(raw, proto)
			if at := strings.Index(rest, "@"); at != -1 {
				return proto + "***:***@" + rest[at+1:]
			}
		}
	}
	return raw
}
