// Package source reads parsed game events from disk.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgnsrekt/logrelay/internal/events"
)

const defaultPollInterval = 500 * time.Millisecond

// Handler receives each event read from the source.
type Handler func(events.Event)

// Options configures a JSONLSource.
type Options struct {
	Path string
	// Follow keeps reading as lines are appended, like tail -f.
	Follow bool
	// FromEnd skips the existing content when following.
	FromEnd      bool
	PollInterval time.Duration
	// Identity fills OriginUserID on events that lack one.
	Identity string
	Logger   *zap.Logger
}

// JSONLSource reads one JSON event per line.
type JSONLSource struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	offset  int64
	pending []byte
	lineNum int
}

func NewJSONLSource(opts Options) *JSONLSource {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &JSONLSource{
		opts:   opts,
		logger: logger.With(zap.String("path", opts.Path)),
		now:    time.Now,
	}
}

// Run reads events and passes them to handle until the file is exhausted,
// or, when following, until ctx is cancelled. Malformed lines are skipped.
func (s *JSONLSource) Run(ctx context.Context, handle Handler) error {
	file, err := os.Open(s.opts.Path)
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer file.Close()

	if s.opts.Follow && s.opts.FromEnd {
		end, err := file.Seek(0, io.SeekEnd)
		if err != nil {
			return fmt.Errorf("seeking source: %w", err)
		}
		s.offset = end
	}

	reader := bufio.NewReaderSize(file, 64*1024)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.drain(reader, handle); err != nil {
			return err
		}

		if !s.opts.Follow {
			if len(s.pending) > 0 {
				s.handleLine(s.pending, handle)
				s.pending = nil
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		truncated, err := s.truncated(file)
		if err != nil {
			return err
		}
		if truncated {
			s.logger.Info("source truncated, reading from start")
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("seeking source: %w", err)
			}
			s.offset = 0
			s.pending = nil
			reader.Reset(file)
		}
	}
}

// drain reads complete lines until EOF. A trailing partial line is kept
// until its newline arrives.
func (s *JSONLSource) drain(reader *bufio.Reader, handle Handler) error {
	for {
		chunk, err := reader.ReadBytes('\n')
		s.offset += int64(len(chunk))

		if len(chunk) > 0 {
			if chunk[len(chunk)-1] == '\n' {
				line := append(s.pending, chunk[:len(chunk)-1]...)
				s.pending = nil
				s.handleLine(line, handle)
			} else {
				s.pending = append(s.pending, chunk...)
			}
		}

		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading source: %w", err)
		}
	}
}

func (s *JSONLSource) truncated(file *os.File) (bool, error) {
	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("stat source: %w", err)
	}
	return info.Size() < s.offset, nil
}

func (s *JSONLSource) handleLine(line []byte, handle Handler) {
	s.lineNum++
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	var ev events.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		s.logger.Warn("skipping malformed line", zap.Int("line", s.lineNum), zap.Error(err))
		return
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.OriginUserID == "" {
		ev.OriginUserID = s.opts.Identity
	}
	if ev.Timestamp == "" {
		ev.Timestamp = s.now().UTC().Format(time.RFC3339Nano)
	}

	handle(ev)
}
