package video

import (
	"errors"
	"image"
	"strings"
	"time"
)

var (
	// ErrSourceMissing means the configured URI or file does not exist.
	ErrSourceMissing = errors.New("stream source missing")
	// ErrOpenFailed means the capture process could not be started.
	ErrOpenFailed = errors.New("stream open failed")
	// ErrCaptureFailed means frames stopped arriving from an open source.
	ErrCaptureFailed = errors.New("frame capture failed")
)

// Frame is one captured video frame. JPEG holds the encoded bytes as they
// came off the wire; Image is the decoded picture.
type Frame struct {
	Image image.Image
	JPEG  []byte
	Time  time.Time
}

// Source supplies frames to a counting engine. Implementations own their
// capture process; Read returns nil on transient loss and recovers on its
// own by reconnecting.
type Source interface {
	Open() error
	// Read returns the next frame, or nil on transient failure.
	Read() *Frame
	Reconnect() error
	Close() error
	// ActualFPS is 1/dt between the two most recent successful reads.
	ActualFPS() float64
	// ReconnectCount is the number of reconnect attempts since the last
	// successful read.
	ReconnectCount() int
}

var streamPrefixes = []string{"rtsp://", "rtmp://", "http://", "https://", "tcp://"}

// IsStream classifies a URI: live network stream vs local file or device.
func IsStream(uri string) bool {
	for _, p := range streamPrefixes {
		if strings.HasPrefix(uri, p) {
			return true
		}
	}
	return false
}

// extractJPEGFrame extracts a complete JPEG frame from buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	// Find JPEG start marker (FFD8)
	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	// Find JPEG end marker (FFD9)
	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}
