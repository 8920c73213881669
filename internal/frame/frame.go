// Package frame implements the wire codec described in spec.md §4.A: a
// self-describing tagged-union record with three variants — Request,
// Response, Notification — encoded with CBOR (a self-delimiting binary
// serialization, the same property rmpv/MessagePack gave the donor's
// original Neovim-over-the-wire implementation).
//
// The browser transport delivers whole frames (one encode per WebSocket
// message, no length prefix needed); the subprocess transport is a raw
// byte stream and needs the 32-bit native-endian length prefix from §4.A.
package frame

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies which of the three Frame variants is populated. Kind is
// a closed sum type — exhaustive switches, never inheritance.
type Kind int

const (
	KindRequest Kind = iota
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// RPCError is the error payload carried in a Response frame: a short
// machine-readable kind and a human-readable detail, per spec.md §7.
type RPCError struct {
	Kind   string `cbor:"kind"`
	Detail string `cbor:"detail"`
}

// Frame is the in-memory representation of one wire message. Only the
// fields relevant to Kind are meaningful; the zero value of the others is
// ignored on encode.
type Frame struct {
	Kind   Kind
	ID     uint32
	Method string
	Params any
	Error  *RPCError
	Result any
}

// Request builds a Request frame.
func Request(id uint32, method string, params any) Frame {
	return Frame{Kind: KindRequest, ID: id, Method: method, Params: params}
}

// Response builds a Response frame. err is nil on success.
func Response(id uint32, err *RPCError, result any) Frame {
	return Frame{Kind: KindResponse, ID: id, Error: err, Result: result}
}

// Notification builds a Notification frame.
func Notification(method string, params any) Frame {
	return Frame{Kind: KindNotification, Method: method, Params: params}
}

// wireArray is the on-the-wire shape: a CBOR array whose first element is
// the integer tag, exactly as spec.md §4.A describes.
//
// We encode/decode through []any rather than a struct because the three
// variants have different arities and CBOR has no notion of a Rust/Go-style
// tagged enum on its own.
func (f Frame) toWire() []any {
	switch f.Kind {
	case KindRequest:
		return []any{int(KindRequest), f.ID, f.Method, f.Params}
	case KindResponse:
		return []any{int(KindResponse), f.ID, f.Error, f.Result}
	case KindNotification:
		return []any{int(KindNotification), f.Method, f.Params}
	default:
		panic(fmt.Sprintf("frame: invalid kind %d", f.Kind))
	}
}

var encMode = func() cbor.EncMode {
	opts := cbor.CanonicalEncOptions()
	m, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	return m
}()

var decMode = func() cbor.DecMode {
	opts := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyEnforcedAPF,
		IndefLength: cbor.IndefLengthAllowed,
	}
	m, err := opts.DecMode()
	if err != nil {
		panic(err)
	}
	return m
}()

// Marshal encodes f as a single self-delimiting CBOR value. The result is
// exactly one "frame" — re-decoding it never needs an out-of-band length.
func Marshal(f Frame) ([]byte, error) {
	return encMode.Marshal(f.toWire())
}

// Unmarshal decodes exactly one frame from data. Trailing bytes after the
// frame are ignored, not treated as an error — callers reading several
// frames from a stream should use Decode, which leaves the bytes after the
// frame in the reader (P1: decode must succeed without consuming trailing
// bytes it doesn't own).
func Unmarshal(data []byte) (Frame, error) {
	f, n, err := decodeOne(data)
	if err != nil {
		return Frame{}, err
	}
	_ = n
	return f, nil
}

// Decode reads exactly one frame from r using a streaming CBOR decoder.
// The decoder is fed one byte per read, so it stops at the end of the
// frame and trailing bytes in a shared buffer (or a socket's next message)
// are left untouched.
func Decode(r io.Reader) (Frame, error) {
	dec := decMode.NewDecoder(oneByteReader{r})
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return Frame{}, fmt.Errorf("frame: decode: %w", err)
	}
	return fromWire(raw)
}

// oneByteReader hands at most one byte to each Read, which keeps the
// buffering CBOR decoder from reading past the value it is decoding.
type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return o.r.Read(p)
}

func decodeOne(data []byte) (Frame, int, error) {
	dec := decMode.NewDecoder(bytes.NewReader(data))
	var raw []any
	if err := dec.Decode(&raw); err != nil {
		return Frame{}, 0, fmt.Errorf("frame: decode: %w", err)
	}
	f, err := fromWire(raw)
	return f, dec.NumBytesRead(), err
}

func fromWire(raw []any) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("frame: empty wire array")
	}
	tag, ok := toInt(raw[0])
	if !ok {
		return Frame{}, fmt.Errorf("frame: tag is not an integer: %T", raw[0])
	}
	switch Kind(tag) {
	case KindRequest:
		if len(raw) != 4 {
			return Frame{}, fmt.Errorf("frame: request wants 4 elements, got %d", len(raw))
		}
		id, ok := toInt(raw[1])
		if !ok {
			return Frame{}, fmt.Errorf("frame: request id is not an integer")
		}
		method, ok := raw[2].(string)
		if !ok {
			return Frame{}, fmt.Errorf("frame: request method is not a string")
		}
		return Request(uint32(id), method, raw[3]), nil
	case KindResponse:
		if len(raw) != 4 {
			return Frame{}, fmt.Errorf("frame: response wants 4 elements, got %d", len(raw))
		}
		id, ok := toInt(raw[1])
		if !ok {
			return Frame{}, fmt.Errorf("frame: response id is not an integer")
		}
		var rpcErr *RPCError
		if raw[2] != nil {
			e, err := toRPCError(raw[2])
			if err != nil {
				return Frame{}, err
			}
			rpcErr = e
		}
		return Response(uint32(id), rpcErr, raw[3]), nil
	case KindNotification:
		if len(raw) != 3 {
			return Frame{}, fmt.Errorf("frame: notification wants 3 elements, got %d", len(raw))
		}
		method, ok := raw[1].(string)
		if !ok {
			return Frame{}, fmt.Errorf("frame: notification method is not a string")
		}
		return Notification(method, raw[2]), nil
	default:
		return Frame{}, fmt.Errorf("frame: unknown tag %d", tag)
	}
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func toRPCError(v any) (*RPCError, error) {
	m, ok := v.(map[any]any)
	if !ok {
		if m2, ok2 := v.(map[string]any); ok2 {
			return &RPCError{Kind: stringOf(m2["kind"]), Detail: stringOf(m2["detail"])}, nil
		}
		return nil, fmt.Errorf("frame: error field is not a map: %T", v)
	}
	return &RPCError{Kind: stringOf(m["kind"]), Detail: stringOf(m["detail"])}, nil
}

func stringOf(v any) string {
	s, _ := v.(string)
	return s
}

// WritePipe writes f to w with the 32-bit native-endian length prefix the
// subprocess's stdin expects (§4.A, §6).
func WritePipe(w io.Writer, f Frame) error {
	body, err := Marshal(f)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.NativeEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("frame: write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("frame: write body: %w", err)
	}
	return nil
}

// ReadPipe reads one length-prefixed frame from r (the subprocess's
// stdout).
func ReadPipe(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, err
	}
	n := binary.NativeEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("frame: read body: %w", err)
	}
	return Unmarshal(body)
}
