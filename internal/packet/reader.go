package packet

import (
	errors "golang.org/x/xerrors"
)

// ErrShortBuffer is wrapped by every error reporting a read past the end of
// the reader's window.
var ErrShortBuffer = errors.New("short buffer")

// Reader consumes big-endian fields from a byte slice. Reads do not check
// bounds; callers guard each read with CheckRemaining, as box and message
// parsers must validate the declared size before consuming anything.
type Reader struct {
	buffer []byte
	offset int
}

func NewReader(buffer []byte) *Reader {
	return &Reader{buffer, 0}
}

func (r *Reader) ReadByte() byte {
	v := r.buffer[r.offset]
	r.offset++
	return v
}

func (r *Reader) ReadUint16() uint16 {
	v := networkOrder.Uint16(r.buffer[r.offset:])
	r.offset += 2
	return v
}

func (r *Reader) ReadUint32() uint32 {
	v := networkOrder.Uint32(r.buffer[r.offset:])
	r.offset += 4
	return v
}

// ReadSlice returns the next n bytes without copying.
func (r *Reader) ReadSlice(n int) []byte {
	v := r.buffer[r.offset : r.offset+n]
	r.offset += n
	return v
}

func (r *Reader) ReadString(n int) string {
	return string(r.ReadSlice(n))
}

func (r *Reader) Skip(n int) {
	r.offset += n
}

func (r *Reader) ReadRemaining() []byte {
	v := r.buffer[r.offset:]
	r.offset += len(v)
	return v
}

// Limit shrinks the readable window to n bytes past the start of the buffer.
// A limit beyond the end of the buffer is ignored.
func (r *Reader) Limit(n int) {
	if n >= 0 && n < len(r.buffer) {
		r.buffer = r.buffer[:n]
	}
}

// Offset returns the number of bytes consumed so far.
func (r *Reader) Offset() int {
	return r.offset
}

// Return the number of bytes left in the buffer.
func (r *Reader) Remaining() int {
	if r.offset > len(r.buffer) {
		return 0
	}
	return len(r.buffer) - r.offset
}

func (r *Reader) CheckRemaining(needed int) error {
	if needed < 0 || r.Remaining() < needed {
		return errors.Errorf("%d bytes remaining, %d needed: %w", r.Remaining(), needed, ErrShortBuffer)
	}
	return nil
}
