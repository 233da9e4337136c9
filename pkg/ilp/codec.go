package ilp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/big"
)

var (
	ErrMalformedPacket = errors.New("malformed ilp packet")
	ErrAmountRange     = errors.New("amount does not fit in uint64")
)

var maxUint64 = new(big.Int).SetUint64(math.MaxUint64)

// Serialize encodes p as an OER envelope: type byte, length determinant, contents.
func Serialize(p Packet) ([]byte, error) {
	var body bytes.Buffer

	switch pkt := p.(type) {
	case *Prepare:
		if pkt.Amount == nil || pkt.Amount.Sign() < 0 || pkt.Amount.Cmp(maxUint64) > 0 {
			return nil, ErrAmountRange
		}
		if len(pkt.ExpiresAt) != TimestampLength {
			return nil, fmt.Errorf("serialize prepare: %w", ErrInvalidTimestamp)
		}
		var amount [8]byte
		binary.BigEndian.PutUint64(amount[:], pkt.Amount.Uint64())
		body.Write(amount[:])
		body.WriteString(pkt.ExpiresAt)
		body.Write(pkt.ExecutionCondition[:])
		writeVarOctets(&body, []byte(pkt.Destination))
		writeVarOctets(&body, pkt.Data)
	case *Fulfill:
		body.Write(pkt.Fulfillment[:])
		writeVarOctets(&body, pkt.Data)
	case *Reject:
		if len(pkt.Code) != 3 {
			return nil, fmt.Errorf("serialize reject: bad code %q", pkt.Code)
		}
		body.WriteString(string(pkt.Code))
		writeVarOctets(&body, []byte(pkt.TriggeredBy))
		writeVarOctets(&body, []byte(pkt.Message))
		writeVarOctets(&body, pkt.Data)
	default:
		return nil, fmt.Errorf("serialize: unsupported packet %T", p)
	}

	var out bytes.Buffer
	out.WriteByte(byte(p.Type()))
	writeVarOctets(&out, body.Bytes())
	return out.Bytes(), nil
}

// Parse decodes an OER envelope produced by Serialize.
func Parse(raw []byte) (Packet, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("%w: short envelope", ErrMalformedPacket)
	}
	r := &reader{buf: raw[1:]}
	body, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedPacket)
	}
	br := &reader{buf: body}

	switch Type(raw[0]) {
	case TypePrepare:
		return parsePrepare(br)
	case TypeFulfill:
		return parseFulfill(br)
	case TypeReject:
		return parseReject(br)
	default:
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformedPacket, raw[0])
	}
}

func parsePrepare(r *reader) (*Prepare, error) {
	amount, err := r.fixed(8)
	if err != nil {
		return nil, err
	}
	expiry, err := r.fixed(TimestampLength)
	if err != nil {
		return nil, err
	}
	cond, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	dest, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	data, err := r.varOctets()
	if err != nil {
		return nil, err
	}

	p := &Prepare{
		Amount:      new(big.Int).SetUint64(binary.BigEndian.Uint64(amount)),
		ExpiresAt:   string(expiry),
		Destination: string(dest),
		Data:        append([]byte(nil), data...),
	}
	copy(p.ExecutionCondition[:], cond)
	return p, nil
}

func parseFulfill(r *reader) (*Fulfill, error) {
	preimage, err := r.fixed(32)
	if err != nil {
		return nil, err
	}
	data, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	f := &Fulfill{Data: append([]byte(nil), data...)}
	copy(f.Fulfillment[:], preimage)
	return f, nil
}

func parseReject(r *reader) (*Reject, error) {
	code, err := r.fixed(3)
	if err != nil {
		return nil, err
	}
	triggeredBy, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	msg, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	data, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	return &Reject{
		Code:        ErrorCode(code),
		TriggeredBy: string(triggeredBy),
		Message:     string(msg),
		Data:        append([]byte(nil), data...),
	}, nil
}

func writeVarOctets(w *bytes.Buffer, b []byte) {
	writeLength(w, len(b))
	w.Write(b)
}

func writeLength(w *bytes.Buffer, n int) {
	if n < 128 {
		w.WriteByte(byte(n))
		return
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(n))
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	w.WriteByte(0x80 | byte(8-i))
	w.Write(tmp[i:])
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) fixed(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrMalformedPacket, n, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) length() (int, error) {
	first, err := r.fixed(1)
	if err != nil {
		return 0, err
	}
	if first[0]&0x80 == 0 {
		return int(first[0]), nil
	}
	size := int(first[0] & 0x7f)
	if size == 0 || size > 4 {
		return 0, fmt.Errorf("%w: length of length %d", ErrMalformedPacket, size)
	}
	raw, err := r.fixed(size)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range raw {
		n = n<<8 | int(b)
	}
	return n, nil
}

func (r *reader) varOctets() ([]byte, error) {
	n, err := r.length()
	if err != nil {
		return nil, err
	}
	return r.fixed(n)
}
