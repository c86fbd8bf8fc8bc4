package trace

import (
	"io"
	"os"
	"sync"
)

// Sink is a destination for records. Write is called synchronously from the
// emitting hart and may be called concurrently from several harts.
type Sink interface {
	Name() string
	Write(r *Record) error
}

// StreamSink writes each record immediately to an io.Writer.
type StreamSink struct {
	mu      sync.Mutex
	name    string
	w       io.Writer
	format  Format
	palette *Palette
}

// NewStreamSink creates a sink that renders records in format. A non-nil
// palette colors text output.
func NewStreamSink(name string, w io.Writer, format Format, palette *Palette) *StreamSink {
	return &StreamSink{
		name:    name,
		w:       w,
		format:  format,
		palette: palette,
	}
}

// Name returns the sink name used for threshold lookup.
func (s *StreamSink) Name() string { return s.name }

// Write renders r and writes it in one call so lines from different harts do
// not interleave.
func (s *StreamSink) Write(r *Record) error {
	data := FormatRecord(r, s.format, s.palette)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.w.Write(data)
	return err
}

// Flush flushes the writer if it buffers.
func (s *StreamSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flusher, ok := s.w.(interface{ Flush() error }); ok {
		return flusher.Flush()
	}
	if syncer, ok := s.w.(*os.File); ok && syncer != os.Stderr && syncer != os.Stdout {
		return syncer.Sync()
	}
	return nil
}

// Close flushes and closes the writer if it implements io.Closer. Standard
// streams are left open.
func (s *StreamSink) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w == os.Stderr || s.w == os.Stdout {
		return nil
	}
	if closer, ok := s.w.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
