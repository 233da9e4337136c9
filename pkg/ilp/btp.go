package ilp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// BtpType is the message type of a Bilateral Transfer Protocol frame.
type BtpType uint8

const (
	BtpResponse BtpType = 1
	BtpError    BtpType = 2
	BtpMessage  BtpType = 6
	BtpTransfer BtpType = 7
)

// Content types of BTP protocol data entries.
const (
	BtpOctetStream uint8 = 0
	BtpTextPlain   uint8 = 1
	BtpJSON        uint8 = 2
)

// BtpProtocolILP names the protocol data entry that carries an ILP packet.
const BtpProtocolILP = "ilp"

var ErrMalformedBtp = errors.New("malformed btp frame")

// BtpProtocolData is one named entry of a BTP frame.
type BtpProtocolData struct {
	Name        string
	ContentType uint8
	Data        []byte
}

// BtpErrorDetail is the body of a BtpError frame.
type BtpErrorDetail struct {
	Code        string
	Name        string
	TriggeredAt string
	Data        []byte
}

// BtpFrame is a decoded BTP envelope with its message body. Amount is only
// used by transfers and Error only by error frames.
type BtpFrame struct {
	Type         BtpType
	RequestID    uint32
	Amount       uint64
	Error        *BtpErrorDetail
	ProtocolData []BtpProtocolData
}

// NewBtpPacketFrame wraps a serialized ILP packet in a frame of type t.
func NewBtpPacketFrame(t BtpType, requestID uint32, packet []byte) BtpFrame {
	return BtpFrame{
		Type:      t,
		RequestID: requestID,
		ProtocolData: []BtpProtocolData{{
			Name:        BtpProtocolILP,
			ContentType: BtpOctetStream,
			Data:        packet,
		}},
	}
}

// Protocol returns the data of the first entry called name.
func (f BtpFrame) Protocol(name string) ([]byte, bool) {
	for _, pd := range f.ProtocolData {
		if pd.Name == name {
			return pd.Data, true
		}
	}
	return nil, false
}

// EncodeBtpFrame returns the OER encoding of f.
func EncodeBtpFrame(f BtpFrame) ([]byte, error) {
	var msg bytes.Buffer
	switch f.Type {
	case BtpMessage, BtpResponse:
	case BtpTransfer:
		var amount [8]byte
		binary.BigEndian.PutUint64(amount[:], f.Amount)
		msg.Write(amount[:])
	case BtpError:
		if f.Error == nil || len(f.Error.Code) != 3 {
			return nil, fmt.Errorf("encode btp error: %w", ErrMalformedBtp)
		}
		msg.WriteString(f.Error.Code)
		writeVarOctets(&msg, []byte(f.Error.Name))
		writeVarOctets(&msg, []byte(f.Error.TriggeredAt))
		writeVarOctets(&msg, f.Error.Data)
	default:
		return nil, fmt.Errorf("encode btp: unknown type %d", f.Type)
	}

	writeVarUint(&msg, uint64(len(f.ProtocolData)))
	for _, pd := range f.ProtocolData {
		writeVarOctets(&msg, []byte(pd.Name))
		msg.WriteByte(pd.ContentType)
		writeVarOctets(&msg, pd.Data)
	}

	var out bytes.Buffer
	out.WriteByte(byte(f.Type))
	var id [4]byte
	binary.BigEndian.PutUint32(id[:], f.RequestID)
	out.Write(id[:])
	writeVarOctets(&out, msg.Bytes())
	return out.Bytes(), nil
}

// DecodeBtpFrame parses a frame produced by EncodeBtpFrame.
func DecodeBtpFrame(raw []byte) (BtpFrame, error) {
	r := &reader{buf: raw}
	head, err := r.fixed(5)
	if err != nil {
		return BtpFrame{}, fmt.Errorf("%w: %v", ErrMalformedBtp, err)
	}
	f := BtpFrame{Type: BtpType(head[0]), RequestID: binary.BigEndian.Uint32(head[1:])}

	body, err := r.varOctets()
	if err != nil {
		return BtpFrame{}, fmt.Errorf("%w: %v", ErrMalformedBtp, err)
	}
	br := &reader{buf: body}

	switch f.Type {
	case BtpMessage, BtpResponse:
	case BtpTransfer:
		amount, err := br.fixed(8)
		if err != nil {
			return BtpFrame{}, fmt.Errorf("%w: %v", ErrMalformedBtp, err)
		}
		f.Amount = binary.BigEndian.Uint64(amount)
	case BtpError:
		detail, err := decodeBtpError(br)
		if err != nil {
			return BtpFrame{}, fmt.Errorf("%w: %v", ErrMalformedBtp, err)
		}
		f.Error = detail
	default:
		return BtpFrame{}, fmt.Errorf("%w: unknown type %d", ErrMalformedBtp, head[0])
	}

	count, err := br.varUint()
	if err != nil {
		return BtpFrame{}, fmt.Errorf("%w: %v", ErrMalformedBtp, err)
	}
	for i := uint64(0); i < count; i++ {
		name, err := br.varOctets()
		if err != nil {
			return BtpFrame{}, fmt.Errorf("%w: %v", ErrMalformedBtp, err)
		}
		ct, err := br.fixed(1)
		if err != nil {
			return BtpFrame{}, fmt.Errorf("%w: %v", ErrMalformedBtp, err)
		}
		data, err := br.varOctets()
		if err != nil {
			return BtpFrame{}, fmt.Errorf("%w: %v", ErrMalformedBtp, err)
		}
		f.ProtocolData = append(f.ProtocolData, BtpProtocolData{
			Name:        string(name),
			ContentType: ct[0],
			Data:        append([]byte(nil), data...),
		})
	}
	return f, nil
}

func decodeBtpError(r *reader) (*BtpErrorDetail, error) {
	code, err := r.fixed(3)
	if err != nil {
		return nil, err
	}
	name, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	at, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	data, err := r.varOctets()
	if err != nil {
		return nil, err
	}
	return &BtpErrorDetail{
		Code:        string(code),
		Name:        string(name),
		TriggeredAt: string(at),
		Data:        append([]byte(nil), data...),
	}, nil
}

// writeVarUint writes an OER variable-length unsigned integer.
func writeVarUint(w *bytes.Buffer, v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	writeVarOctets(w, tmp[i:])
}

func (r *reader) varUint() (uint64, error) {
	raw, err := r.varOctets()
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 || len(raw) > 8 {
		return 0, fmt.Errorf("%w: var uint of %d bytes", ErrMalformedPacket, len(raw))
	}
	var v uint64
	for _, b := range raw {
		v = v<<8 | uint64(b)
	}
	return v, nil
}
