//go:build linux

package telemetry

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// serialSink writes telemetry batches to a raw serial port (the radio
// downlink modem).
type serialSink struct {
	f *os.File
}

// NewSerialSink opens the serial device write-only in raw mode at baud.
func NewSerialSink(path string, baud int) (Sink, error) {
	flag := unix.O_RDWR | unix.O_NOCTTY
	fd, err := unix.Open(path, flag, 0)
	if err != nil {
		return nil, err
	}

	// Best-effort: if anything below fails, close fd.
	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	t, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		return nil, err
	}

	spd, err := baudToUnix(baud)
	if err != nil {
		return nil, err
	}

	// Raw mode: the modem gets the frame bytes untouched.
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8

	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	// Set baud.
	t.Cflag &^= unix.CBAUD
	t.Cflag |= spd
	t.Ispeed = spd
	t.Ospeed = spd

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, t); err != nil {
		return nil, err
	}

	f := os.NewFile(uintptr(fd), path)
	if f == nil {
		return nil, fmt.Errorf("os.NewFile failed")
	}
	ok = true
	return &serialSink{f: f}, nil
}

func (s *serialSink) Write(b []byte) error {
	_, err := s.f.Write(b)
	return err
}

func (s *serialSink) Close() error {
	return s.f.Close()
}

func baudToUnix(baud int) (uint32, error) {
	switch baud {
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("unsupported baud %d", baud)
	}
}
