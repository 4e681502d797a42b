package video

import (
	"bufio"
	"bytes"
	"fmt"
	"image/jpeg"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"cvcounter/internal/log"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	reconnectBackoff = 3 * time.Second
	streamReadWait   = 5 * time.Second
)

// FFmpegSource captures frames by running ffmpeg with an image2pipe mjpeg
// output and splitting the stream on JPEG markers. Live network streams get
// a background reader that keeps only the newest frame; local files are read
// synchronously and paced to the target FPS.
type FFmpegSource struct {
	uri      string
	fps      int
	isStream bool
	logger   zerolog.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopCh  chan struct{}
	opened  bool
	limiter *rate.Limiter

	// stream mode: newest frame wins
	latest    []byte
	latestSeq uint64
	readSeq   uint64
	latestMu  sync.Mutex
	frameCond *sync.Cond

	// file mode: frames arrive in order
	frames chan []byte

	// readMu serializes Read and its bookkeeping. The ingestion loop and
	// operator-triggered captures share one source.
	readMu           sync.Mutex
	consecutiveFails int
	reconnects       int
	lastReadAt       time.Time
	actualFPS        float64
}

// NewFFmpegSource creates a source for uri. fps > 0 caps the read rate.
func NewFFmpegSource(uri string, fps int) *FFmpegSource {
	s := &FFmpegSource{
		uri:      uri,
		fps:      fps,
		isStream: IsStream(uri),
		logger:   log.WithComponent("video"),
	}
	if fps > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(fps), 1)
	}
	s.frameCond = sync.NewCond(&s.latestMu)
	return s
}

// Open starts the capture process.
func (s *FFmpegSource) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked()
}

func (s *FFmpegSource) openLocked() error {
	if s.opened {
		return nil
	}
	if !s.isStream {
		if _, err := os.Stat(s.uri); err != nil {
			return fmt.Errorf("%w: %s", ErrSourceMissing, s.uri)
		}
	}

	s.stopCh = make(chan struct{})
	s.frames = make(chan []byte, 1)

	if s.isHTTPImageEndpoint() {
		s.opened = true
		go s.captureHTTPImages(s.stopCh, s.frames)
		return nil
	}

	args := s.ffmpegArgs()
	cmd := exec.Command("ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: stdout pipe: %v", ErrOpenFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("%w: stderr pipe: %v", ErrOpenFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrOpenFailed, err)
	}

	// Consume stderr silently
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	s.cmd = cmd
	s.opened = true
	go s.captureLoop(stdout, s.stopCh, s.frames)

	s.logger.Info().Str("uri", s.uri).Bool("stream", s.isStream).Msg("capture started")
	return nil
}

func (s *FFmpegSource) ffmpegArgs() []string {
	var args []string
	switch {
	case strings.HasPrefix(s.uri, "rtsp://"):
		args = []string{"-rtsp_transport", "tcp", "-i", s.uri}
	case s.isStream:
		args = []string{"-i", s.uri}
	default:
		// Local file: decode at native rate, pacing happens in Read.
		args = []string{"-re", "-i", s.uri}
	}
	args = append(args, "-f", "image2pipe", "-vcodec", "mjpeg")
	if s.fps > 0 {
		args = append(args, "-r", fmt.Sprintf("%d", s.fps))
	}
	args = append(args, "-q:v", "5", "-")
	return args
}

func (s *FFmpegSource) isHTTPImageEndpoint() bool {
	return (strings.HasPrefix(s.uri, "http://") || strings.HasPrefix(s.uri, "https://")) &&
		(strings.Contains(s.uri, ".jpg") || strings.Contains(s.uri, ".jpeg") || strings.Contains(s.uri, "image"))
}

// captureHTTPImages polls a still-image endpoint instead of running ffmpeg.
func (s *FFmpegSource) captureHTTPImages(stop chan struct{}, frames chan []byte) {
	client := &http.Client{Timeout: 10 * time.Second}
	fps := s.fps
	if fps <= 0 {
		fps = 5
	}
	interval := time.Second / time.Duration(fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			resp, err := client.Get(s.uri)
			if err != nil {
				s.logger.Warn().Err(err).Str("uri", s.uri).Msg("still-image fetch failed")
				continue
			}
			data, err := io.ReadAll(resp.Body)
			resp.Body.Close()
			if err != nil {
				continue
			}
			s.deliver(data, stop, frames)
		}
	}
}

func (s *FFmpegSource) captureLoop(stdout io.Reader, stop chan struct{}, frames chan []byte) {
	frameBuffer := make([]byte, 0, 1024*1024)
	chunk := make([]byte, 8192)

	for {
		select {
		case <-stop:
			return
		default:
			n, err := stdout.Read(chunk)
			if err != nil {
				if err != io.EOF {
					s.logger.Warn().Err(err).Msg("capture read error")
				}
				s.latestMu.Lock()
				s.frameCond.Broadcast()
				s.latestMu.Unlock()
				close(frames)
				return
			}
			frameBuffer = append(frameBuffer, chunk[:n]...)
			for {
				frame := extractJPEGFrame(&frameBuffer)
				if frame == nil {
					break
				}
				s.deliver(frame, stop, frames)
			}
		}
	}
}

func (s *FFmpegSource) deliver(frame []byte, stop chan struct{}, frames chan []byte) {
	if s.isStream {
		s.latestMu.Lock()
		s.latest = frame
		s.latestSeq++
		s.frameCond.Broadcast()
		s.latestMu.Unlock()
		return
	}
	select {
	case frames <- frame:
	case <-stop:
	}
}

// Read returns the next frame or nil on transient failure. Two consecutive
// failures trigger a reconnect with back-off before the nil is returned.
func (s *FFmpegSource) Read() *Frame {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.limiter != nil {
		time.Sleep(s.limiter.Reserve().Delay())
	}

	var data []byte
	if s.isStream {
		data = s.waitLatest()
	} else {
		select {
		case frame, ok := <-s.frames:
			if ok {
				data = frame
			}
		case <-time.After(streamReadWait):
		}
	}

	if data == nil {
		s.consecutiveFails++
		if s.consecutiveFails >= 2 {
			if err := s.reconnect(); err != nil {
				s.logger.Warn().Err(err).Str("uri", s.uri).Msg("reconnect failed")
			}
		}
		return nil
	}

	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		s.logger.Warn().Err(err).Msg("frame decode failed")
		s.consecutiveFails++
		return nil
	}

	now := time.Now()
	if !s.lastReadAt.IsZero() {
		if dt := now.Sub(s.lastReadAt).Seconds(); dt > 0 {
			s.actualFPS = 1 / dt
		}
	}
	s.lastReadAt = now
	s.consecutiveFails = 0
	s.reconnects = 0

	return &Frame{Image: img, JPEG: data, Time: now}
}

// waitLatest blocks until a frame newer than the last returned one arrives,
// or the wait deadline passes.
func (s *FFmpegSource) waitLatest() []byte {
	deadline := time.Now().Add(streamReadWait)
	timer := time.AfterFunc(streamReadWait, func() {
		s.latestMu.Lock()
		s.frameCond.Broadcast()
		s.latestMu.Unlock()
	})
	defer timer.Stop()

	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	for s.latestSeq == s.readSeq {
		if time.Now().After(deadline) {
			return nil
		}
		s.frameCond.Wait()
	}
	s.readSeq = s.latestSeq
	return s.latest
}

// Reconnect tears the capture down and reopens it after a back-off.
func (s *FFmpegSource) Reconnect() error {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.reconnect()
}

// reconnect requires readMu to be held.
func (s *FFmpegSource) reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closeLocked()
	s.reconnects++
	s.consecutiveFails = 0
	s.logger.Info().Str("uri", s.uri).Int("attempt", s.reconnects).Msg("reconnecting")
	time.Sleep(reconnectBackoff)
	return s.openLocked()
}

// Close stops the capture process.
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *FFmpegSource) closeLocked() {
	if !s.opened {
		return
	}
	close(s.stopCh)
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
	}
	s.cmd = nil
	s.opened = false
}

// ActualFPS returns the measured read rate.
func (s *FFmpegSource) ActualFPS() float64 {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.actualFPS
}

// ReconnectCount returns reconnect attempts since the last good read.
func (s *FFmpegSource) ReconnectCount() int {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	return s.reconnects
}

// Ensure FFmpegSource implements Source
var _ Source = (*FFmpegSource)(nil)
