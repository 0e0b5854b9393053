package proto

import (
	"errors"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// Frame grammar:
//
//	frame := '*' uvarint(n) item{n}
//	item  := '$' uvarint(len) bytes | ':' uvarint(value)
//
// The first item is always the message-type tag.
const (
	markArray = '*'
	markBytes = '$'
	markInt   = ':'

	MaxFrameSize  = 1 << 20
	MaxFrameItems = 64
	// MaxInt is the largest integer the uvarint encoding accepts.
	MaxInt = 1<<63 - 1

	readChunk = 4 << 10
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFrameMalformed, fmt.Sprintf(format, args...))
}

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

type Builder struct {
	n    int
	body []byte
	err  error
}

func NewBuilder(tag string) *Builder {
	b := &Builder{body: make([]byte, 0, 128)}
	return b.String(tag)
}

func (b *Builder) Bytes(p []byte) *Builder {
	b.n++
	b.body = append(b.body, markBytes)
	b.body = append(b.body, varint.ToUvarint(uint64(len(p)))...)
	b.body = append(b.body, p...)
	return b
}

func (b *Builder) String(s string) *Builder {
	return b.Bytes([]byte(s))
}

func (b *Builder) Int(v uint64) *Builder {
	if v > MaxInt && b.err == nil {
		b.err = fmt.Errorf("integer out of range: %d", v)
	}
	b.n++
	b.body = append(b.body, markInt)
	b.body = append(b.body, varint.ToUvarint(v)...)
	return b
}

func (b *Builder) Bool(v bool) *Builder {
	if v {
		return b.Int(1)
	}
	return b.Int(0)
}

// Frame returns the encoded frame.
func (b *Builder) Frame() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.n > MaxFrameItems {
		return nil, fmt.Errorf("too many frame items: %d", b.n)
	}
	hdr := varint.ToUvarint(uint64(b.n))
	out := make([]byte, 0, 1+len(hdr)+len(b.body))
	out = append(out, markArray)
	out = append(out, hdr...)
	out = append(out, b.body...)
	if len(out) > MaxFrameSize {
		return nil, fmt.Errorf("frame too large: %d", len(out))
	}
	return out, nil
}

// -----------------------------------------------------------------------------
// Cursor
// -----------------------------------------------------------------------------

// Cursor reads frame items from a possibly incomplete buffer. Every method
// either consumes a whole item or leaves the offset untouched; ErrNeedMore
// means the buffer ends before the item does.
type Cursor struct {
	buf []byte
	off int
}

func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

func (c *Cursor) Offset() int {
	return c.off
}

func (c *Cursor) uvarintAfter(mark byte) (uint64, int, error) {
	if c.off >= len(c.buf) {
		return 0, 0, ErrNeedMore
	}
	if c.buf[c.off] != mark {
		return 0, 0, malformed("want %q at offset %d, got %q", mark, c.off, c.buf[c.off])
	}
	v, n, err := varint.FromUvarint(c.buf[c.off+1:])
	if err != nil {
		if errors.Is(err, varint.ErrUnderflow) {
			return 0, 0, ErrNeedMore
		}
		return 0, 0, malformed("varint at offset %d: %v", c.off+1, err)
	}
	return v, 1 + n, nil
}

func (c *Cursor) NextArrayLen() (int, error) {
	v, n, err := c.uvarintAfter(markArray)
	if err != nil {
		return 0, err
	}
	if v == 0 || v > MaxFrameItems {
		return 0, malformed("bad item count %d", v)
	}
	c.off += n
	return int(v), nil
}

func (c *Cursor) NextInt() (uint64, error) {
	v, n, err := c.uvarintAfter(markInt)
	if err != nil {
		return 0, err
	}
	c.off += n
	return v, nil
}

// NextBytes returns a sub-slice of the underlying buffer.
func (c *Cursor) NextBytes() ([]byte, error) {
	size, n, err := c.uvarintAfter(markBytes)
	if err != nil {
		return nil, err
	}
	if size > MaxFrameSize {
		return nil, malformed("byte string too large: %d", size)
	}
	start := c.off + n
	end := start + int(size)
	if end > len(c.buf) {
		return nil, ErrNeedMore
	}
	c.off = end
	return c.buf[start:end:end], nil
}

func (c *Cursor) peek() (byte, bool) {
	if c.off >= len(c.buf) {
		return 0, false
	}
	return c.buf[c.off], true
}

// -----------------------------------------------------------------------------
// Frame
// -----------------------------------------------------------------------------

type item struct {
	isInt bool
	n     uint64
	b     []byte
}

// Frame is a decoded frame whose fields are read back in order.
type Frame struct {
	Tag   string
	items []item
	next  int
}

// ParseFrame decodes one frame from the front of buf and reports how many
// bytes it used. Items alias buf until read through Bytes.
func ParseFrame(buf []byte) (Frame, int, error) {
	c := NewCursor(buf)
	f, err := parseFrame(c)
	if err != nil {
		if errors.Is(err, ErrNeedMore) && len(buf) >= MaxFrameSize {
			return Frame{}, 0, malformed("frame exceeds %d bytes", MaxFrameSize)
		}
		return Frame{}, 0, err
	}
	return f, c.Offset(), nil
}

func parseFrame(c *Cursor) (Frame, error) {
	count, err := c.NextArrayLen()
	if err != nil {
		return Frame{}, err
	}
	tag, err := c.NextBytes()
	if err != nil {
		if errors.Is(err, ErrNeedMore) {
			return Frame{}, err
		}
		return Frame{}, malformed("missing message tag")
	}
	if len(tag) == 0 {
		return Frame{}, malformed("empty message tag")
	}
	f := Frame{Tag: string(tag), items: make([]item, 0, count-1)}
	for i := 1; i < count; i++ {
		mark, ok := c.peek()
		if !ok {
			return Frame{}, ErrNeedMore
		}
		switch mark {
		case markInt:
			v, err := c.NextInt()
			if err != nil {
				return Frame{}, err
			}
			f.items = append(f.items, item{isInt: true, n: v})
		case markBytes:
			b, err := c.NextBytes()
			if err != nil {
				return Frame{}, err
			}
			f.items = append(f.items, item{b: b})
		default:
			return Frame{}, malformed("unknown item marker %q", mark)
		}
	}
	return f, nil
}

func (f *Frame) Remaining() int {
	return len(f.items) - f.next
}

func (f *Frame) Int() (uint64, error) {
	if f.next >= len(f.items) {
		return 0, malformed("%s: missing field %d", f.Tag, f.next+1)
	}
	it := f.items[f.next]
	if !it.isInt {
		return 0, malformed("%s: field %d is not an integer", f.Tag, f.next+1)
	}
	f.next++
	return it.n, nil
}

// Bytes returns a copy of the next byte-string field, nil when empty.
func (f *Frame) Bytes() ([]byte, error) {
	if f.next >= len(f.items) {
		return nil, malformed("%s: missing field %d", f.Tag, f.next+1)
	}
	it := f.items[f.next]
	if it.isInt {
		return nil, malformed("%s: field %d is not a byte string", f.Tag, f.next+1)
	}
	f.next++
	if len(it.b) == 0 {
		return nil, nil
	}
	out := make([]byte, len(it.b))
	copy(out, it.b)
	return out, nil
}

func (f *Frame) Uint16() (uint16, error) {
	v, err := f.Int()
	if err != nil {
		return 0, err
	}
	if v > 0xffff {
		return 0, malformed("%s: field %d out of range", f.Tag, f.next)
	}
	return uint16(v), nil
}

func (f *Frame) Bool() (bool, error) {
	v, err := f.Int()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, malformed("%s: field %d is not a bool", f.Tag, f.next)
	}
	return v == 1, nil
}

// Done reports an error when fields were left unread.
func (f *Frame) Done() error {
	if f.next != len(f.items) {
		return malformed("%s: %d unexpected trailing fields", f.Tag, len(f.items)-f.next)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Decoder
// -----------------------------------------------------------------------------

// Decoder buffers a byte stream and yields complete frames.
type Decoder struct {
	buf []byte
	tmp []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame or ErrNeedMore.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := ParseFrame(d.buf)
	if err != nil {
		return Frame{}, err
	}
	// items alias d.buf, which is compacted below
	for i := range f.items {
		if !f.items[i].isInt {
			f.items[i].b = append([]byte(nil), f.items[i].b...)
		}
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return f, nil
}

// ReadFrame reads from r until a complete frame is buffered.
func (d *Decoder) ReadFrame(r io.Reader) (Frame, error) {
	if d.tmp == nil {
		d.tmp = make([]byte, readChunk)
	}
	for {
		f, err := d.Next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, ErrNeedMore) {
			return Frame{}, err
		}
		n, rerr := r.Read(d.tmp)
		if n > 0 {
			d.Feed(d.tmp[:n])
		}
		if rerr != nil {
			if n > 0 {
				continue
			}
			if errors.Is(rerr, io.EOF) {
				if d.Buffered() > 0 {
					return Frame{}, fmt.Errorf("%w: truncated frame", ErrConnectionClosed)
				}
				return Frame{}, ErrConnectionClosed
			}
			return Frame{}, rerr
		}
	}
}
