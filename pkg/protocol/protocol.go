// Package protocol defines the chat packet and its binary frame encoding.
//
// Frame layout (integers little-endian):
//
//	frame    := length:uint32 | type:uint16 | presence:uint8 | fields...
//	string   := len:uint32 | utf8 bytes
//	userList := count:uint32 | count × string
//
// Fields follow in the fixed order sender, receiver, message, userList,
// password, roomId and appear only when their presence bit is set.
package protocol

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/deneonet/benc"
	bstd "github.com/deneonet/benc/std"
)

const (
	// HeaderSize is the size of the length prefix.
	HeaderSize = 4

	// MaxFrameSize is the default upper bound on a frame body (1 MiB).
	MaxFrameSize = 1 << 20

	// minBody is type(2) + presence(1).
	minBody = 3

	// poolBufferSize covers the vast majority of chat frames; larger
	// frames get a dedicated buffer.
	poolBufferSize = 16 * 1024
)

var (
	// ErrMalformed is wrapped by every decoding failure. A connection that
	// produced one cannot be resynchronised and must be dropped.
	ErrMalformed = errors.New("protocol: malformed frame")

	// ErrFrameTooLarge is returned when a frame exceeds the size limit.
	ErrFrameTooLarge = errors.New("protocol: frame too large")

	// ErrInvalidUTF8 is returned when encoding a packet whose string fields
	// are not valid UTF-8. Decode would reject the resulting frame.
	ErrInvalidUTF8 = errors.New("protocol: string is not valid UTF-8")
)

var bufPool = benc.NewBufPool(benc.WithBufferSize(poolBufferSize))

// bodySize returns the encoded size of p without the length prefix.
func bodySize(p Packet) int {
	s := bstd.SizeUint16() + bstd.SizeByte()
	str := func(v string) int { return bstd.SizeUint32() + len(v) }
	if p.has(fieldSender) {
		s += str(p.sender)
	}
	if p.has(fieldReceiver) {
		s += str(p.receiver)
	}
	if p.has(fieldMessage) {
		s += str(p.message)
	}
	if p.has(fieldUserList) {
		s += bstd.SizeUint32()
		for _, id := range p.userList {
			s += str(id)
		}
	}
	if p.has(fieldPassword) {
		s += str(p.password)
	}
	if p.has(fieldRoomID) {
		s += str(p.roomID)
	}
	return s
}

func marshalString(n int, b []byte, v string) int {
	n = bstd.MarshalUint32(n, b, uint32(len(v))) //nolint:gosec // bounded by MaxFrameSize
	return n + copy(b[n:], v)
}

// marshalFrame writes the full frame for p into b, which must hold
// HeaderSize+body bytes.
func marshalFrame(b []byte, p Packet, body int) int {
	n := bstd.MarshalUint32(0, b, uint32(body)) //nolint:gosec // bounded by MaxFrameSize
	n = bstd.MarshalUint16(n, b, uint16(p.typ))
	n = bstd.MarshalByte(n, b, p.present)
	if p.has(fieldSender) {
		n = marshalString(n, b, p.sender)
	}
	if p.has(fieldReceiver) {
		n = marshalString(n, b, p.receiver)
	}
	if p.has(fieldMessage) {
		n = marshalString(n, b, p.message)
	}
	if p.has(fieldUserList) {
		n = bstd.MarshalUint32(n, b, uint32(len(p.userList))) //nolint:gosec // bounded by MaxFrameSize
		for _, id := range p.userList {
			n = marshalString(n, b, id)
		}
	}
	if p.has(fieldPassword) {
		n = marshalString(n, b, p.password)
	}
	if p.has(fieldRoomID) {
		n = marshalString(n, b, p.roomID)
	}
	return n
}

func checkEncodable(p Packet, body int) error {
	if !p.typ.Valid() {
		return fmt.Errorf("protocol: encode: unknown packet type %d", p.typ)
	}
	if body > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, body)
	}
	for _, f := range []struct {
		name string
		v    string
	}{
		{"sender", p.sender},
		{"receiver", p.receiver},
		{"message", p.message},
		{"password", p.password},
		{"roomId", p.roomID},
	} {
		if !utf8.ValidString(f.v) {
			return fmt.Errorf("%w: %s", ErrInvalidUTF8, f.name)
		}
	}
	for i, id := range p.userList {
		if !utf8.ValidString(id) {
			return fmt.Errorf("%w: userList[%d]", ErrInvalidUTF8, i)
		}
	}
	return nil
}

// Encode returns the complete frame for p, length prefix included.
func Encode(p Packet) ([]byte, error) {
	body := bodySize(p)
	if err := checkEncodable(p, body); err != nil {
		return nil, err
	}
	b := make([]byte, HeaderSize+body)
	marshalFrame(b, p, body)
	return b, nil
}

// WritePacket encodes p and writes it to w as a single frame.
func WritePacket(w io.Writer, p Packet) error {
	body := bodySize(p)
	if err := checkEncodable(p, body); err != nil {
		return err
	}
	size := HeaderSize + body

	if size > poolBufferSize {
		b := make([]byte, size)
		marshalFrame(b, p, body)
		if _, err := w.Write(b); err != nil {
			return fmt.Errorf("protocol: write frame: %w", err)
		}
		return nil
	}

	var werr error
	_, err := bufPool.Marshal(size, func(b []byte) int {
		n := marshalFrame(b, p, body)
		_, werr = w.Write(b[:n])
		return n
	})
	if err != nil {
		return fmt.Errorf("protocol: buffer: %w", err)
	}
	if werr != nil {
		return fmt.Errorf("protocol: write frame: %w", werr)
	}
	return nil
}

// Decode parses one complete frame, length prefix included.
func Decode(frame []byte) (Packet, error) {
	n, length, err := bstd.UnmarshalUint32(0, frame)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: short length prefix", ErrMalformed)
	}
	if int(length) != len(frame)-n {
		return Packet{}, fmt.Errorf("%w: length %d does not match %d body bytes", ErrMalformed, length, len(frame)-n)
	}
	return decodeBody(frame[n:])
}

// ReadPacket reads exactly one frame from r and decodes it. Frames larger
// than maxFrame (MaxFrameSize when zero) are rejected before the body is read.
func ReadPacket(r io.Reader, maxFrame int) (Packet, error) {
	if maxFrame <= 0 {
		maxFrame = MaxFrameSize
	}

	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Packet{}, err
	}
	_, length, err := bstd.UnmarshalUint32(0, hdr)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: short length prefix", ErrMalformed)
	}
	if int64(length) > int64(maxFrame) {
		return Packet{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, fmt.Errorf("protocol: read body: %w", err)
	}
	return decodeBody(body)
}

type decoder struct {
	b []byte
	n int
}

func (d *decoder) string(field string) (string, error) {
	n, l, err := bstd.UnmarshalUint32(d.n, d.b)
	if err != nil {
		return "", fmt.Errorf("%w: truncated %s length", ErrMalformed, field)
	}
	if uint64(l) > uint64(len(d.b)-n) {
		return "", fmt.Errorf("%w: %s overruns frame", ErrMalformed, field)
	}
	v := d.b[n : n+int(l)]
	if !utf8.Valid(v) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrMalformed, field)
	}
	d.n = n + int(l)
	return string(v), nil
}

func decodeBody(body []byte) (Packet, error) {
	if len(body) < minBody {
		return Packet{}, fmt.Errorf("%w: body too short", ErrMalformed)
	}

	d := &decoder{b: body}
	n, rawType, err := bstd.UnmarshalUint16(d.n, d.b)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: truncated type", ErrMalformed)
	}
	n, present, err := bstd.UnmarshalByte(n, d.b)
	if err != nil {
		return Packet{}, fmt.Errorf("%w: truncated presence", ErrMalformed)
	}
	d.n = n

	t := Type(rawType)
	if !t.Valid() {
		return Packet{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, rawType)
	}
	if present&^fieldMask != 0 {
		return Packet{}, fmt.Errorf("%w: unknown presence bits %#02x", ErrMalformed, present&^fieldMask)
	}

	b := NewBuilder(t)
	if present&fieldSender != 0 {
		v, err := d.string("sender")
		if err != nil {
			return Packet{}, err
		}
		b.Sender(v)
	}
	if present&fieldReceiver != 0 {
		v, err := d.string("receiver")
		if err != nil {
			return Packet{}, err
		}
		b.Receiver(v)
	}
	if present&fieldMessage != 0 {
		v, err := d.string("message")
		if err != nil {
			return Packet{}, err
		}
		b.Message(v)
	}
	if present&fieldUserList != 0 {
		n, count, err := bstd.UnmarshalUint32(d.n, d.b)
		if err != nil {
			return Packet{}, fmt.Errorf("%w: truncated user list count", ErrMalformed)
		}
		d.n = n
		// Each entry needs at least its 4-byte length.
		if uint64(count)*uint64(bstd.SizeUint32()) > uint64(len(d.b)-d.n) {
			return Packet{}, fmt.Errorf("%w: user list count %d overruns frame", ErrMalformed, count)
		}
		ids := make([]string, 0, count)
		for range count {
			v, err := d.string("user list entry")
			if err != nil {
				return Packet{}, err
			}
			ids = append(ids, v)
		}
		b.UserList(ids)
	}
	if present&fieldPassword != 0 {
		v, err := d.string("password")
		if err != nil {
			return Packet{}, err
		}
		b.Password(v)
	}
	if present&fieldRoomID != 0 {
		v, err := d.string("room id")
		if err != nil {
			return Packet{}, err
		}
		b.RoomID(v)
	}

	if d.n != len(d.b) {
		return Packet{}, fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(d.b)-d.n)
	}
	return b.Build(), nil
}
