package agent

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// ErrNoImage is returned by FileSink operations that need an open or closed image.
var ErrNoImage = errors.New("agent: no image in progress")

// FileSink writes the image to Path+".part" and renames it to Path on Activate.
type FileSink struct {
	Path string

	mu     sync.Mutex
	file   *os.File
	size   int
	closed bool
	state  ImageState
}

// NewFileSink creates a FileSink for path.
func NewFileSink(path string) *FileSink {
	return &FileSink{Path: path}
}

func (s *FileSink) partPath() string {
	return s.Path + ".part"
}

// Create truncates the part file to size bytes.
func (s *FileSink) Create(size int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Close()
	}

	f, err := os.OpenFile(s.partPath(), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return fmt.Errorf("size image file: %w", err)
	}

	s.file = f
	s.size = size
	s.closed = false
	return nil
}

// WriteBlock writes data at offset.
func (s *FileSink) WriteBlock(offset int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrNoImage
	}
	if offset < 0 || offset+len(data) > s.size {
		return fmt.Errorf("block at %d+%d outside image of %d bytes", offset, len(data), s.size)
	}
	if _, err := s.file.WriteAt(data, int64(offset)); err != nil {
		return fmt.Errorf("write image block: %w", err)
	}
	return nil
}

// Close flushes and closes the part file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return ErrNoImage
	}
	f := s.file
	s.file = nil

	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync image file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close image file: %w", err)
	}
	s.closed = true
	return nil
}

// Abort discards the part file.
func (s *FileSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.closed = false
	s.state = ImageStateAborted

	if err := os.Remove(s.partPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove image file: %w", err)
	}
	return nil
}

// Activate moves the completed image into place and marks it pending commit.
func (s *FileSink) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		return ErrNoImage
	}
	if err := os.Rename(s.partPath(), s.Path); err != nil {
		return fmt.Errorf("activate image: %w", err)
	}
	s.closed = false
	s.state = ImageStatePendingCommit
	return nil
}

// SetState records the image state.
func (s *FileSink) SetState(state ImageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return nil
}

// State returns the recorded image state.
func (s *FileSink) State() ImageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}
