package sinks

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"entitysync/logging"
)

// JSONSink appends newline-delimited JSON events to a file, flushing either
// every MaxBatch events or on the flush interval, whichever comes first.
type JSONSink struct {
	mu      sync.Mutex
	file    *os.File
	writer  *bufio.Writer
	pending int
	cfg     logging.JSONConfig
	timer   *time.Timer
	closed  bool
}

func NewJSONSink(cfg logging.JSONConfig) (*JSONSink, error) {
	if cfg.FilePath == "" {
		return nil, fmt.Errorf("json sink requires a file path")
	}
	file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open json sink file: %w", err)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 32
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	s := &JSONSink{
		file:   file,
		writer: bufio.NewWriter(file),
		cfg:    cfg,
	}
	s.timer = time.AfterFunc(cfg.FlushInterval, s.flushOnTimer)
	return s, nil
}

func (s *JSONSink) Write(event logging.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if _, err := s.writer.Write(data); err != nil {
		return err
	}
	if err := s.writer.WriteByte('\n'); err != nil {
		return err
	}
	s.pending++
	if s.pending >= s.cfg.MaxBatch {
		s.pending = 0
		return s.writer.Flush()
	}
	return nil
}

func (s *JSONSink) flushOnTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.pending > 0 {
		s.pending = 0
		_ = s.writer.Flush()
	}
	s.timer.Reset(s.cfg.FlushInterval)
}

func (s *JSONSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.timer.Stop()
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
