package source

import (
	"fmt"

	"github.com/jetvision/agent/internal/config"
)

// FFmpeg UDP URL variants commonly supported by OpenCV builds. Some builds
// only accept the first form, others need the explicit bind address. The
// timeout is in microseconds and bounds a read when the sender goes quiet.
const (
	udpBindAny = "udp://@:%d?timeout=500000"
	udpBindAll = "udp://0.0.0.0:%d?fifo_size=100000&overrun_nonfatal=1&buffer_size=0&timeout=500000"
)

// NetworkURLs returns the URLs to try, in order, for a network stream.
// An explicit URL wins; otherwise the UDP listen variants for the port are used.
func NetworkURLs(cfg config.StreamConfig) []string {
	if cfg.URL != "" {
		return []string{cfg.URL}
	}
	port := cfg.Port
	if port == 0 {
		port = config.DefaultUDPPort
	}
	return []string{
		fmt.Sprintf(udpBindAny, port),
		fmt.Sprintf(udpBindAll, port),
	}
}
