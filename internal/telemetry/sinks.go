package telemetry

import (
	"bufio"
	"os"

	"airbrake-fc/internal/udp"
)

// udpSink sends each batch as one datagram to the ground station.
type udpSink struct {
	b *udp.Broadcaster
}

func NewUDPSink(dest string) (Sink, error) {
	b, err := udp.NewBroadcaster(dest)
	if err != nil {
		return nil, err
	}
	return &udpSink{b: b}, nil
}

func (s *udpSink) Write(b []byte) error { return s.b.Send(b) }
func (s *udpSink) Close() error         { return s.b.Close() }

// fileSink appends batches to an on-board log for post-flight analysis.
type fileSink struct {
	f *os.File
	w *bufio.Writer
}

func NewFileSink(path string) (Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &fileSink{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

func (s *fileSink) Write(b []byte) error {
	_, err := s.w.Write(b)
	return err
}

func (s *fileSink) Close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}
