package ssm

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// DefaultMaxFrameLen bounds how much a single frame may ask the parser to
// buffer. Generous next to real bus traffic, but it stops one hostile length
// prefix from growing the buffer to gigabytes.
const DefaultMaxFrameLen = 16 << 20

// Parser is a streaming frame reader. Bytes arrive via Feed in whatever
// chunks the transport delivers; ReadNext yields complete messages in order.
// The buffer is owned by a single reader goroutine; Parser is not safe for
// concurrent use.
type Parser struct {
	// MaxFrameLen overrides DefaultMaxFrameLen when positive.
	MaxFrameLen int

	buf []byte
}

// Feed appends received bytes to the parse buffer.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Buffered returns the number of unconsumed bytes.
func (p *Parser) Buffered() int { return len(p.buf) }

// ReadNext returns the next complete message, or (nil, nil) when more bytes
// are needed. A non-nil error means the stream is corrupt: the buffer is
// discarded and the connection must be closed, since frame boundaries can no
// longer be trusted.
func (p *Parser) ReadNext() (*Message, error) {
	if len(p.buf) < 4 {
		return nil, nil
	}
	total := binary.BigEndian.Uint32(p.buf[:4])
	if total < headerLen {
		p.buf = nil
		return nil, fmt.Errorf("frame length %d below header size: %w", total, ErrMalformed)
	}
	limit := p.MaxFrameLen
	if limit <= 0 {
		limit = DefaultMaxFrameLen
	}
	if total > uint32(limit) {
		p.buf = nil
		return nil, fmt.Errorf("frame length %d exceeds limit %d: %w", total, limit, ErrMalformed)
	}
	if uint32(len(p.buf)) < total {
		return nil, nil
	}

	frame := p.buf[:total]
	p.buf = p.buf[total:]

	msg, err := parseFrame(frame)
	if err != nil {
		p.buf = nil
		return nil, err
	}
	return msg, nil
}

// parseFrame decodes one complete frame. frame includes the 4-byte length
// prefix and is exactly total_length bytes long.
func parseFrame(frame []byte) (*Message, error) {
	if frame[4] != 0 {
		return nil, fmt.Errorf("unsupported options byte %d: %w", frame[4], ErrMalformed)
	}
	midLen := int(frame[5])
	offset := headerLen
	if offset+midLen > len(frame) {
		return nil, fmt.Errorf("message id overruns frame: %w", ErrMalformed)
	}
	id := string(frame[offset : offset+midLen])
	if !utf8.ValidString(id) {
		return nil, fmt.Errorf("message id is not valid UTF-8: %w", ErrMalformed)
	}
	offset += midLen

	args := NewArgs()
	for offset < len(frame) {
		keyLen := int(frame[offset])
		offset++
		if keyLen == 0 {
			return nil, fmt.Errorf("zero-length key: %w", ErrMalformed)
		}
		if offset+keyLen > len(frame) {
			return nil, fmt.Errorf("key overruns frame: %w", ErrMalformed)
		}
		key := string(frame[offset : offset+keyLen])
		if !utf8.ValidString(key) {
			return nil, fmt.Errorf("key is not valid UTF-8: %w", ErrMalformed)
		}
		offset += keyLen

		if offset+4 > len(frame) {
			return nil, fmt.Errorf("truncated value header for key %q: %w", key, ErrMalformed)
		}
		vtype := ValueType(frame[offset])
		offset++
		vlen := int(frame[offset])<<16 | int(frame[offset+1])<<8 | int(frame[offset+2])
		offset += 3
		if offset+vlen > len(frame) {
			return nil, fmt.Errorf("value for key %q overruns frame: %w", key, ErrMalformed)
		}
		data := frame[offset : offset+vlen]
		offset += vlen

		switch vtype {
		case TypeBinary:
			args.Set(key, Binary(append([]byte(nil), data...)))
		case TypeString:
			if !utf8.Valid(data) {
				return nil, fmt.Errorf("string value for key %q is not valid UTF-8: %w", key, ErrMalformed)
			}
			args.Set(key, String(string(data)))
		case TypeUint:
			if vlen != 4 {
				return nil, fmt.Errorf("uint value for key %q has length %d, want 4: %w", key, vlen, ErrMalformed)
			}
			args.Set(key, Uint(binary.BigEndian.Uint32(data)))
		default:
			return nil, fmt.Errorf("unknown value type %d for key %q: %w", vtype, key, ErrMalformed)
		}
	}
	return &Message{ID: id, Args: args}, nil
}
