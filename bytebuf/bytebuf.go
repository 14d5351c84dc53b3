// Package bytebuf provides typed little/big-endian reads and writes over a
// growing or bounded byte slice: Writer backs the input package's packet
// builders, and Reader backs the control package's inbound frame parsing,
// so that neither has to scatter manual offset arithmetic and bounds checks.
package bytebuf

import (
	"encoding/binary"
	"errors"
)

// ErrShortBuffer is returned when a read or write would run past the end of
// the underlying slice.
var ErrShortBuffer = errors.New("bytebuf: short buffer")

// Writer appends typed fields to a growing byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity pre-allocated.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) PutUint8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutUint16LE(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutUint16BE(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutUint32LE(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutUint32BE(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutUint64LE(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutUint64BE(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutInt16BE(v int16) { w.PutUint16BE(uint16(v)) }
func (w *Writer) PutInt32BE(v int32) { w.PutUint32BE(uint32(v)) }
func (w *Writer) PutInt64BE(v int64) { w.PutUint64BE(uint64(v)) }

func (w *Writer) PutInt16LE(v int16) { w.PutUint16LE(uint16(v)) }
func (w *Writer) PutInt32LE(v int32) { w.PutUint32LE(uint32(v)) }
func (w *Writer) PutInt64LE(v int64) { w.PutUint64LE(uint64(v)) }

func (w *Writer) PutBytes(b []byte) { w.buf = append(w.buf, b...) }

// PutZero appends n zero bytes.
func (w *Writer) PutZero(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// Reader consumes typed fields from a fixed byte slice, tracking an offset
// and refusing to read past the end.
type Reader struct {
	buf []byte
	off int
}

func NewReader(buf []byte) *Reader { return &Reader{buf: buf} }

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

func (r *Reader) require(n int) error {
	if r.Remaining() < n {
		return ErrShortBuffer
	}
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.require(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Uint16LE() (uint16, error) {
	if err := r.require(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) Uint16BE() (uint16, error) {
	if err := r.require(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) Uint32LE() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) Uint32BE() (uint32, error) {
	if err := r.require(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) Uint64LE() (uint64, error) {
	if err := r.require(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *Reader) Skip(n int) error {
	if err := r.require(n); err != nil {
		return err
	}
	r.off += n
	return nil
}

func (r *Reader) Bytes(n int) ([]byte, error) {
	if err := r.require(n); err != nil {
		return nil, err
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) Rest() []byte { return r.buf[r.off:] }
