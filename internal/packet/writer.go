package packet

import (
	"encoding/binary"
)

var networkOrder = binary.BigEndian

// Writer appends big-endian fields to a growing buffer.
type Writer struct {
	buffer []byte
}

func NewWriter(buffer []byte) *Writer {
	return &Writer{buffer[:0]}
}

func NewWriterSize(n int) *Writer {
	return NewWriter(make([]byte, 0, n))
}

func (w *Writer) WriteByte(v byte) error {
	w.buffer = append(w.buffer, v)
	return nil
}

func (w *Writer) WriteUint16(v uint16) {
	w.buffer = append(w.buffer, byte(v>>8), byte(v))
}

func (w *Writer) WriteUint32(v uint32) {
	w.buffer = append(w.buffer, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func (w *Writer) WriteSlice(p []byte) {
	w.buffer = append(w.buffer, p...)
}

func (w *Writer) WriteString(s string) {
	w.buffer = append(w.buffer, s...)
}

// PatchUint32 overwrites a previously written field at the given offset,
// e.g. a length prefix that is only known once the body is written.
func (w *Writer) PatchUint32(offset int, v uint32) {
	networkOrder.PutUint32(w.buffer[offset:], v)
}

// Return the number of bytes written so far.
func (w *Writer) Length() int {
	return len(w.buffer)
}

// Return a slice of the bytes written so far.
func (w *Writer) Bytes() []byte {
	return w.buffer
}

func (w *Writer) Reset() {
	w.buffer = w.buffer[:0]
}
