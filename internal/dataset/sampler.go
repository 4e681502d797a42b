package dataset

import (
	"fmt"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"cvcounter/internal/annotate"
	"cvcounter/internal/config"
	"cvcounter/internal/log"

	"github.com/rs/zerolog"
)

var sanitizeRe = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sampler persists raw frames as training images. Frames land in the
// configured directory as <sanitized_location>_<unix_seconds>.jpg at full
// JPEG quality.
type Sampler struct {
	location string
	cfg      config.Dataset
	roll     func() float64
	logger   zerolog.Logger
}

// New creates a sampler for one location.
func New(location string, cfg config.Dataset) *Sampler {
	return &Sampler{
		location: location,
		cfg:      cfg,
		roll:     rand.Float64,
		logger:   log.WithLocation("dataset", location),
	}
}

// Enabled reports whether sampling is configured for this location.
func (s *Sampler) Enabled() bool {
	return s.cfg.Enable && s.cfg.Path != ""
}

// Accept draws the per-frame random gate.
func (s *Sampler) Accept() bool {
	return s.Enabled() && s.roll() < s.cfg.Probability
}

// Sample writes the frame when at least one detected class passes the
// configured filter (nil filter accepts everything). classIDs nil skips the
// filter entirely, for operator-triggered captures. Returns the written
// path, or "" when the frame was filtered out.
func (s *Sampler) Sample(frame image.Image, classIDs []int) (string, error) {
	if !s.Enabled() {
		return "", nil
	}
	if classIDs != nil && len(s.cfg.Classes) > 0 && !s.classMatch(classIDs) {
		s.logger.Debug().Msg("no matching classes, skipping sample")
		return "", nil
	}

	if err := os.MkdirAll(s.cfg.Path, 0o755); err != nil {
		return "", fmt.Errorf("create dataset dir: %w", err)
	}

	name := fmt.Sprintf("%s_%d.jpg", SanitizeLocation(s.location), time.Now().Unix())
	path := filepath.Join(s.cfg.Path, name)

	data, err := annotate.EncodeJPEG(frame, 100)
	if err != nil {
		return "", fmt.Errorf("encode sample: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write sample: %w", err)
	}

	s.logger.Info().Str("path", path).Msg("dataset image saved")
	return path, nil
}

func (s *Sampler) classMatch(classIDs []int) bool {
	for _, id := range classIDs {
		if _, ok := s.cfg.Classes[strconv.Itoa(id)]; ok {
			return true
		}
	}
	return false
}

// SanitizeLocation strips every character outside [A-Za-z0-9_-].
func SanitizeLocation(location string) string {
	return sanitizeRe.ReplaceAllString(location, "")
}
