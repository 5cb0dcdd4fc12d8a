// Package replay records and replays the raw sensor frame stream, so a flight
// (real or simulated) can be re-run through the estimator and controller
// deterministically.
package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"airbrake-fc/internal/sensors"
)

// Log format: line-oriented text.
//
// - Blank lines ignored.
// - Lines starting with '#' ignored.
// - Line "START" resets the origin (next record time is relative to 0 again).
// - Data lines are: <t_ns>,<hex>
//   where t_ns is nanoseconds since START (monotonic), and hex is the fixed
//   binary frame encoding below.
//
// This is intentionally simple and stable for deterministic regression tests:
// float64 bit patterns survive the round trip exactly.

// Record is one entry in a frame log. Start marks an origin reset; Frame is
// meaningful only when Start is false.
type Record struct {
	At    time.Duration
	Frame sensors.Frame
	Start bool
}

// Binary frame encoding: 18 little-endian float64 fields followed by one
// validity bitmask byte.
const encodedFrameLen = 18*8 + 1

const (
	validBaro = 1 << iota
	validIMU
	validIMU2
)

func encodeFrame(fr sensors.Frame) []byte {
	b := make([]byte, 0, encodedFrameLen)
	put := func(v float64) {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	put(fr.Baro.TemperatureC)
	put(fr.Baro.PressurePa)
	put(fr.Baro.AltitudeM)
	for _, v := range fr.IMU.Quat {
		put(v)
	}
	for _, v := range fr.IMU.AccelG {
		put(v)
	}
	put(fr.IMU.BaroAltM)
	for _, v := range fr.IMU2.AccelG {
		put(v)
	}
	for _, v := range fr.IMU2.GyroDps {
		put(v)
	}
	put(fr.IMU2.TemperatureC)

	var mask byte
	if fr.Baro.Valid {
		mask |= validBaro
	}
	if fr.IMU.Valid {
		mask |= validIMU
	}
	if fr.IMU2.Valid {
		mask |= validIMU2
	}
	return append(b, mask)
}

func decodeFrame(b []byte) (sensors.Frame, error) {
	if len(b) != encodedFrameLen {
		return sensors.Frame{}, fmt.Errorf("invalid frame length %d, want %d", len(b), encodedFrameLen)
	}
	i := 0
	get := func() float64 {
		v := math.Float64frombits(binary.LittleEndian.Uint64(b[i:]))
		i += 8
		return v
	}
	var fr sensors.Frame
	fr.Baro.TemperatureC = get()
	fr.Baro.PressurePa = get()
	fr.Baro.AltitudeM = get()
	for j := range fr.IMU.Quat {
		fr.IMU.Quat[j] = get()
	}
	for j := range fr.IMU.AccelG {
		fr.IMU.AccelG[j] = get()
	}
	fr.IMU.BaroAltM = get()
	for j := range fr.IMU2.AccelG {
		fr.IMU2.AccelG[j] = get()
	}
	for j := range fr.IMU2.GyroDps {
		fr.IMU2.GyroDps[j] = get()
	}
	fr.IMU2.TemperatureC = get()

	mask := b[i]
	fr.Baro.Valid = mask&validBaro != 0
	fr.IMU.Valid = mask&validIMU != 0
	fr.IMU2.Valid = mask&validIMU2 != 0
	return fr, nil
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Start: true})
			continue
		}

		comma := strings.IndexByte(line, ',')
		if comma < 0 {
			return nil, fmt.Errorf("invalid replay line (missing comma): %q", line)
		}
		tsStr := strings.TrimSpace(line[:comma])
		hexStr := strings.TrimSpace(line[comma+1:])
		if tsStr == "" || hexStr == "" {
			return nil, fmt.Errorf("invalid replay line (empty field): %q", line)
		}

		tsNs, err := strconv.ParseInt(tsStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid replay timestamp %q: %w", tsStr, err)
		}
		if tsNs < 0 {
			return nil, fmt.Errorf("invalid replay timestamp (negative): %d", tsNs)
		}

		b, err := hex.DecodeString(hexStr)
		if err != nil {
			return nil, fmt.Errorf("invalid replay hex payload: %w", err)
		}
		fr, err := decodeFrame(b)
		if err != nil {
			return nil, err
		}

		recs = append(recs, Record{At: time.Duration(tsNs) * time.Nanosecond, Frame: fr})
	}
	if err := s.Err(); err != nil {
		return nil, err
	}

	return recs, nil
}

// ReadFile loads a frame log from path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

type Writer struct {
	f      *os.File
	w      *bufio.Writer
	start  time.Time
	closed bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	bw := bufio.NewWriterSize(f, 64*1024)
	if _, err := bw.WriteString("START\n"); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{f: f, w: bw, start: time.Now()}, nil
}

func (ww *Writer) WriteFrame(now time.Time, fr sensors.Frame) error {
	if ww.closed {
		return errors.New("replay writer is closed")
	}

	// Use monotonic component of time when available.
	d := now.Sub(ww.start)
	if d < 0 {
		d = 0
	}
	if _, err := fmt.Fprintf(ww.w, "%d,%s\n", d.Nanoseconds(), hex.EncodeToString(encodeFrame(fr))); err != nil {
		return err
	}
	return nil
}

func (ww *Writer) Flush() error {
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}

type Sleeper interface {
	Sleep(d time.Duration)
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

// Play replays records with their relative timing.
//
// The callback is invoked for each data record. START markers are honored by
// resetting the origin.
//
// speedMultiplier: 1.0 = real time, 2.0 = 2x speed (half waits), 0.5 = half
// speed.
func Play(records []Record, speedMultiplier float64, loop bool, sleeper Sleeper, cb func(fr sensors.Frame) error) error {
	if speedMultiplier <= 0 {
		return fmt.Errorf("speedMultiplier must be > 0")
	}
	if sleeper == nil {
		sleeper = realSleeper{}
	}
	if cb == nil {
		return errors.New("callback is nil")
	}
	if len(records) == 0 {
		return errors.New("no records")
	}

	for {
		var origin time.Duration
		var lastAt time.Duration
		var haveLast bool

		for _, r := range records {
			if r.Start {
				origin = r.At
				lastAt = 0
				haveLast = false
				continue
			}

			at := r.At - origin
			if at < 0 {
				at = 0
			}
			if haveLast {
				wait := at - lastAt
				if wait < 0 {
					wait = 0
				}
				wait = time.Duration(float64(wait) / speedMultiplier)
				if wait > 0 {
					sleeper.Sleep(wait)
				}
			}

			if err := cb(r.Frame); err != nil {
				return err
			}

			lastAt = at
			haveLast = true
		}

		if !loop {
			return nil
		}
	}
}

// Source replays a loaded frame log through elapsed-time lookups, for running
// the controller loop off a recording instead of live sensors.
type Source struct {
	recs  []Record
	speed float64
	loop  bool
	total time.Duration
}

// NewSource builds an elapsed-time source over records (data records only,
// START markers stripped, times already relative).
func NewSource(records []Record, speed float64, loop bool) (*Source, error) {
	if speed <= 0 {
		return nil, fmt.Errorf("speed must be > 0")
	}
	data := make([]Record, 0, len(records))
	var origin time.Duration
	for _, r := range records {
		if r.Start {
			origin = r.At
			continue
		}
		at := r.At - origin
		if at < 0 {
			at = 0
		}
		data = append(data, Record{At: at, Frame: r.Frame})
	}
	if len(data) == 0 {
		return nil, errors.New("no records")
	}
	sort.SliceStable(data, func(i, j int) bool { return data[i].At < data[j].At })
	return &Source{
		recs:  data,
		speed: speed,
		loop:  loop,
		total: data[len(data)-1].At,
	}, nil
}

// FrameAt returns the latest recorded frame at or before the scaled elapsed
// time. ok is false once the log is exhausted (never when looping).
func (s *Source) FrameAt(elapsed time.Duration) (sensors.Frame, bool) {
	if elapsed < 0 {
		elapsed = 0
	}
	t := time.Duration(float64(elapsed) * s.speed)
	if s.loop && s.total > 0 {
		t = t % (s.total + 1)
	}
	if !s.loop && t > s.total {
		return s.recs[len(s.recs)-1].Frame, false
	}
	idx := sort.Search(len(s.recs), func(i int) bool { return s.recs[i].At > t })
	if idx == 0 {
		return s.recs[0].Frame, true
	}
	return s.recs[idx-1].Frame, true
}
