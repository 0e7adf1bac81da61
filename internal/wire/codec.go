package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/sprintsync/internal/program"
)

// sessionsData layout, all integers big-endian:
//
//	magic   "SSD1"
//	count   uint32
//	count x { length uint32, record [length]byte }
//
// A record is the Session fields in declaration order. Strings are a
// uint32 byte length followed by NFC-normalized UTF-8. Lists are a uint32
// count followed by their elements. CompletedAt is a presence byte and, if
// present, int64 Unix nanoseconds. Results are IEEE-754 float64 bits.
//
// Fields are only ever appended to the end of a record; older readers stop
// at the record length.
const sessionsMagic = "SSD1"

var (
	// ErrDecodeFailure wraps every sessionsData decoding error.
	ErrDecodeFailure = errors.New("decode failure")

	// ErrSessionCountMismatch means the payload holds a different number of
	// sessions than the message declared.
	ErrSessionCountMismatch = errors.New("session count mismatch")
)

// EncodeSessions serializes sessions in order.
func EncodeSessions(sessions []program.Session) []byte {
	out := make([]byte, 0, 64+len(sessions)*256)
	out = append(out, sessionsMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(sessions)))

	var rec []byte
	for _, s := range sessions {
		rec = appendSession(rec[:0], s)
		out = binary.BigEndian.AppendUint32(out, uint32(len(rec)))
		out = append(out, rec...)
	}
	return out
}

// DecodeSessions parses data and checks it holds exactly declared sessions.
// Nothing is returned unless the whole payload decodes.
func DecodeSessions(data []byte, declared int) ([]program.Session, error) {
	r := &reader{buf: data}

	if string(r.next(len(sessionsMagic))) != sessionsMagic {
		return nil, r.fail("bad magic")
	}
	count := int(r.u32())
	if r.err != nil {
		return nil, r.err
	}
	if count != declared {
		return nil, fmt.Errorf("%w: payload has %d, declared %d", ErrSessionCountMismatch, count, declared)
	}
	// Each record needs at least its length prefix.
	if count > r.remaining()/4 {
		return nil, r.fail(fmt.Sprintf("count %d exceeds payload", count))
	}

	sessions := make([]program.Session, 0, count)
	for i := 0; i < count; i++ {
		n := int(r.u32())
		rec := r.next(n)
		if r.err != nil {
			return nil, fmt.Errorf("record %d: %w", i, r.err)
		}
		s, err := decodeSession(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		sessions = append(sessions, s)
	}
	if r.remaining() != 0 {
		return nil, r.fail(fmt.Sprintf("%d trailing bytes", r.remaining()))
	}
	return sessions, nil
}

func appendSession(b []byte, s program.Session) []byte {
	b = appendString(b, s.ID)
	b = appendInt(b, s.Week)
	b = appendInt(b, s.Day)
	b = appendString(b, string(s.Type))
	b = appendString(b, s.Focus)

	b = binary.BigEndian.AppendUint32(b, uint32(len(s.Blocks)))
	for _, blk := range s.Blocks {
		b = appendInt(b, blk.DistanceYards)
		b = appendInt(b, blk.Reps)
		b = appendString(b, blk.Intensity)
		b = appendInt(b, blk.RestSeconds)
	}

	b = binary.BigEndian.AppendUint32(b, uint32(len(s.Accessories)))
	for _, a := range s.Accessories {
		b = appendString(b, a)
	}

	b = appendString(b, s.Notes)
	b = appendBool(b, s.Completed)
	if s.CompletedAt != nil {
		b = appendBool(b, true)
		b = binary.BigEndian.AppendUint64(b, uint64(s.CompletedAt.UnixNano()))
	} else {
		b = appendBool(b, false)
	}

	b = binary.BigEndian.AppendUint32(b, uint32(len(s.Results)))
	for _, v := range s.Results {
		b = binary.BigEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}

func decodeSession(rec []byte) (program.Session, error) {
	r := &reader{buf: rec}
	var s program.Session

	s.ID = r.str()
	s.Week = r.i32()
	s.Day = r.i32()
	s.Type = program.SessionType(r.str())
	s.Focus = r.str()

	if n := r.count(16); n > 0 {
		s.Blocks = make([]program.RepetitionBlock, n)
		for i := range s.Blocks {
			s.Blocks[i] = program.RepetitionBlock{
				DistanceYards: r.i32(),
				Reps:          r.i32(),
				Intensity:     r.str(),
				RestSeconds:   r.i32(),
			}
		}
	}

	if n := r.count(4); n > 0 {
		s.Accessories = make([]string, n)
		for i := range s.Accessories {
			s.Accessories[i] = r.str()
		}
	}

	s.Notes = r.str()
	s.Completed = r.flag()
	if r.flag() {
		at := time.Unix(0, int64(r.u64())).UTC()
		s.CompletedAt = &at
	}

	if n := r.count(8); n > 0 {
		s.Results = make([]float64, n)
		for i := range s.Results {
			s.Results[i] = math.Float64frombits(r.u64())
		}
	}

	if r.err != nil {
		return program.Session{}, r.err
	}
	if s.ID == "" {
		return program.Session{}, r.fail("empty session id")
	}
	return s, nil
}

func appendString(b []byte, s string) []byte {
	s = norm.NFC.String(s)
	b = binary.BigEndian.AppendUint32(b, uint32(len(s)))
	return append(b, s...)
}

func appendInt(b []byte, v int) []byte {
	return binary.BigEndian.AppendUint32(b, uint32(int32(v)))
}

func appendBool(b []byte, v bool) []byte {
	if v {
		return append(b, 1)
	}
	return append(b, 0)
}

// reader is a bounds-checked cursor. The first error sticks and every
// later read returns zero values.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) fail(msg string) error {
	if r.err == nil {
		r.err = fmt.Errorf("%w: %s at offset %d", ErrDecodeFailure, msg, r.off)
	}
	return r.err
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > r.remaining() {
		r.fail(fmt.Sprintf("need %d bytes, have %d", n, r.remaining()))
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.next(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) i32() int {
	return int(int32(r.u32()))
}

func (r *reader) flag() bool {
	b := r.next(1)
	if b == nil {
		return false
	}
	switch b[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(fmt.Sprintf("bad bool byte %d", b[0]))
		return false
	}
}

func (r *reader) str() string {
	n := int(r.u32())
	b := r.next(n)
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.fail("invalid utf-8")
		return ""
	}
	return string(b)
}

// count reads a list length and rejects lengths the remaining bytes cannot
// hold, given the minimum encoded size of one element.
func (r *reader) count(minElem int) int {
	n := int(r.u32())
	if r.err != nil {
		return 0
	}
	if n > r.remaining()/minElem {
		r.fail(fmt.Sprintf("list length %d exceeds record", n))
		return 0
	}
	return n
}

// PeekCount returns the session count from a sessionsData header without
// decoding the records.
func PeekCount(data []byte) (int, error) {
	r := &reader{buf: data}
	if string(r.next(len(sessionsMagic))) != sessionsMagic {
		return 0, r.fail("bad magic")
	}
	n := r.u32()
	if r.err != nil {
		return 0, r.err
	}
	return int(n), nil
}
