package recorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"orderflow/pkg/exception"
)

const segmentSuffix = ".jsonl"

// PlaybackConfig controls journal playback behavior.
type PlaybackConfig struct {
	Dir             string
	FilePrefix      string
	DisableChecksum bool
	MaxLineSize     int

	// SkipCorrupt moves past records that fail to decode
	// instead of aborting playback.
	SkipCorrupt bool
}

// Playback replays journal records in file order.
type Playback struct {
	cfg     PlaybackConfig
	skipped int
}

// NewPlayback validates the config and creates a playback engine.
func NewPlayback(cfg PlaybackConfig) (*Playback, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Playback{cfg: cfg}, nil
}

// Skipped returns the number of corrupt records skipped by the last Run.
func (p *Playback) Skipped() int {
	return p.skipped
}

// Run replays journal records and calls the handler for each body. The
// body is only valid during the call.
func (p *Playback) Run(ctx context.Context, handler func([]byte) error) error {
	if handler == nil {
		return errors.New("playback handler is nil")
	}
	files, err := p.collectFiles()
	if err != nil {
		return err
	}

	p.skipped = 0
	for _, path := range files {
		if err := p.playFile(ctx, path, handler); err != nil {
			return err
		}
	}
	return nil
}

func (c PlaybackConfig) withDefaults() PlaybackConfig {
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	if c.MaxLineSize == 0 {
		c.MaxLineSize = defaultMaxLineSize
	}
	return c
}

// Validate checks if the config is usable.
func (c PlaybackConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: playback Dir is empty", exception.ErrInvalidConfig)
	}
	if c.MaxLineSize < 0 {
		return fmt.Errorf("%w: playback MaxLineSize must be >= 0", exception.ErrInvalidConfig)
	}
	return nil
}

func (p *Playback) collectFiles() ([]string, error) {
	entries, err := os.ReadDir(p.cfg.Dir)
	if err != nil {
		return nil, err
	}
	prefix := p.cfg.FilePrefix + "-"
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		files = append(files, filepath.Join(p.cfg.Dir, name))
	}
	sort.Strings(files)
	return files, nil
}

func (p *Playback) playFile(ctx context.Context, path string, handler func([]byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := NewReader(file, ReaderOptions{
		DisableChecksum: p.cfg.DisableChecksum,
		MaxLineSize:     p.cfg.MaxLineSize,
	})

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		body, err := reader.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			if p.cfg.SkipCorrupt && (errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrMalformedRecord)) {
				p.skipped++
				continue
			}
			return fmt.Errorf("read %s: %w", path, err)
		}

		if err := handler(body); err != nil {
			return err
		}
	}
}
