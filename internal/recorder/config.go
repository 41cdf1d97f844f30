package recorder

import (
	"fmt"
	"time"

	"orderflow/pkg/exception"
)

const (
	defaultSegmentMaxBytes int64 = 64 << 20
	defaultQueueSize             = 4096
	defaultBufferSize            = 64 * 1024
	defaultFilePrefix            = "journal"
	defaultMaxLineSize           = 1 << 20
)

var defaultSegmentMaxDuration = time.Hour

// Config controls journal writer behavior.
type Config struct {
	Dir                string
	SegmentMaxBytes    int64
	SegmentMaxDuration time.Duration
	QueueSize          int
	BufferSize         int
	FilePrefix         string
	FlushInterval      time.Duration
	SyncInterval       time.Duration
}

// DefaultConfig returns a baseline configuration for the journal writer.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                dir,
		SegmentMaxBytes:    defaultSegmentMaxBytes,
		SegmentMaxDuration: defaultSegmentMaxDuration,
		QueueSize:          defaultQueueSize,
		BufferSize:         defaultBufferSize,
		FilePrefix:         defaultFilePrefix,
		FlushInterval:      time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.SegmentMaxBytes == 0 {
		c.SegmentMaxBytes = defaultSegmentMaxBytes
	}
	if c.QueueSize == 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.BufferSize == 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.FilePrefix == "" {
		c.FilePrefix = defaultFilePrefix
	}
	return c
}

// Validate checks if the configuration is usable.
func (c Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("%w: recorder Dir is empty", exception.ErrInvalidConfig)
	}
	if c.SegmentMaxBytes <= 0 {
		return fmt.Errorf("%w: recorder SegmentMaxBytes must be > 0", exception.ErrInvalidConfig)
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("%w: recorder QueueSize must be > 0", exception.ErrInvalidConfig)
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("%w: recorder BufferSize must be > 0", exception.ErrInvalidConfig)
	}
	if c.FilePrefix == "" {
		return fmt.Errorf("%w: recorder FilePrefix is empty", exception.ErrInvalidConfig)
	}
	if c.FlushInterval < 0 {
		return fmt.Errorf("%w: recorder FlushInterval must be >= 0", exception.ErrInvalidConfig)
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("%w: recorder SyncInterval must be >= 0", exception.ErrInvalidConfig)
	}
	return nil
}
