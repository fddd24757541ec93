package verifone

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Frame tags.
const (
	TagConfigure     = "PC"
	TagPurchase      = "PR"
	TagRefund        = "RF"
	TagResultRequest = "RE?"
	TagResult        = "RE"
	TagDisplay       = "DS"
	TagQuestion      = "QS"
	TagAnswer        = "QA"
	TagCancel        = "CN"
)

// Question kinds sent in QS frames.
const (
	QuestionSignature     = "SIG"
	QuestionConfirmCancel = "CAN"
)

// receiptLineSep replaces newlines inside receipt fields on the wire.
const receiptLineSep = "^"

var (
	ErrEmptyFrame       = errors.New("empty frame")
	ErrBadEnvelope      = errors.New("bad envelope identifier")
	ErrEnvelopeLength   = errors.New("envelope length mismatch")
	ErrEnvelopeChecksum = errors.New("envelope checksum mismatch")
	ErrPayloadTooLarge  = errors.New("payload exceeds 65535 bytes")
)

// Frame is one comma separated application message.
type Frame struct {
	Tag    string
	Fields []string
}

// NewFrame builds a frame, stripping separators from fields.
func NewFrame(tag string, fields ...string) Frame {
	clean := make([]string, len(fields))
	for i, f := range fields {
		f = strings.ReplaceAll(f, ",", " ")
		f = strings.ReplaceAll(f, "\r\n", receiptLineSep)
		clean[i] = strings.ReplaceAll(f, "\n", receiptLineSep)
	}
	return Frame{Tag: tag, Fields: clean}
}

// String encodes the frame without a line terminator.
func (f Frame) String() string {
	if len(f.Fields) == 0 {
		return f.Tag
	}
	return f.Tag + "," + strings.Join(f.Fields, ",")
}

// Field returns field i or "" when absent.
func (f Frame) Field(i int) string {
	if i < 0 || i >= len(f.Fields) {
		return ""
	}
	return f.Fields[i]
}

// ParseFrame decodes a single text line.
func ParseFrame(line string) (Frame, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Frame{}, ErrEmptyFrame
	}
	parts := strings.Split(line, ",")
	tag := strings.TrimSpace(parts[0])
	if tag == "" {
		return Frame{}, fmt.Errorf("frame %q has no tag", line)
	}
	return Frame{Tag: tag, Fields: parts[1:]}, nil
}

// ResultFrame is the decoded body of an RE frame:
// RE,<txnId>,<merchantId>,<code>,<cardType>,<surcharge>,<tip>,<receipt...>
type ResultFrame struct {
	TransactionID string
	MerchantID    string
	Code          string
	CardType      string
	Surcharge     int64
	Tip           int64
	Receipt       string
}

// ParseResult decodes an RE frame. Optional trailing fields may be absent;
// malformed amounts read as zero.
func ParseResult(f Frame) (ResultFrame, error) {
	if f.Tag != TagResult {
		return ResultFrame{}, fmt.Errorf("not a result frame: %s", f.Tag)
	}
	if len(f.Fields) < 3 {
		return ResultFrame{}, fmt.Errorf("result frame has %d fields, need at least 3", len(f.Fields))
	}
	r := ResultFrame{
		TransactionID: f.Field(0),
		MerchantID:    f.Field(1),
		Code:          strings.TrimSpace(f.Field(2)),
		CardType:      strings.TrimSpace(f.Field(3)),
		Surcharge:     parseCents(f.Field(4)),
		Tip:           parseCents(f.Field(5)),
	}
	if len(f.Fields) > 6 {
		// receipts may legitimately contain commas
		r.Receipt = strings.ReplaceAll(strings.Join(f.Fields[6:], ","), receiptLineSep, "\n")
	}
	return r, nil
}

// Encode renders the result as a frame. Used by the simulator.
func (r ResultFrame) Encode() Frame {
	return Frame{Tag: TagResult, Fields: []string{
		r.TransactionID,
		r.MerchantID,
		r.Code,
		r.CardType,
		strconv.FormatInt(r.Surcharge, 10),
		strconv.FormatInt(r.Tip, 10),
		strings.ReplaceAll(r.Receipt, "\n", receiptLineSep),
	}}
}

func parseCents(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// Envelope layout used by the transport bridge:
//
//	[0:2]   identifier "V2"
//	[2:4]   payload length, big endian
//	[4:n+4] payload
//	[n+4]   LRC, running XOR over the payload bytes
var envelopeID = [2]byte{'V', '2'}

const envelopeOverhead = 5

// LRC returns the running XOR of b.
func LRC(b []byte) byte {
	var lrc byte
	for _, c := range b {
		lrc ^= c
	}
	return lrc
}

// EncodeEnvelope wraps payload for the transport bridge.
func EncodeEnvelope(payload string) ([]byte, error) {
	if len(payload) > 0xFFFF {
		return nil, ErrPayloadTooLarge
	}
	out := make([]byte, 0, len(payload)+envelopeOverhead)
	out = append(out, envelopeID[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(payload)))
	out = append(out, payload...)
	out = append(out, LRC([]byte(payload)))
	return out, nil
}

// DecodeEnvelope validates identifier, length and checksum and returns the
// payload as text.
func DecodeEnvelope(b []byte) (string, error) {
	if len(b) < envelopeOverhead {
		return "", fmt.Errorf("%w: %d bytes", ErrEnvelopeLength, len(b))
	}
	if b[0] != envelopeID[0] || b[1] != envelopeID[1] {
		return "", ErrBadEnvelope
	}
	n := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b) != n+envelopeOverhead {
		return "", fmt.Errorf("%w: header says %d, have %d", ErrEnvelopeLength, n, len(b)-envelopeOverhead)
	}
	payload := b[4 : 4+n]
	if LRC(payload) != b[4+n] {
		return "", ErrEnvelopeChecksum
	}
	return string(payload), nil
}

// ReadEnvelope reads exactly one envelope from r.
func ReadEnvelope(r io.Reader) (string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", err
	}
	if header[0] != envelopeID[0] || header[1] != envelopeID[1] {
		return "", ErrBadEnvelope
	}
	n := int(binary.BigEndian.Uint16(header[2:4]))
	buf := make([]byte, 4+n+1)
	copy(buf, header[:])
	if _, err := io.ReadFull(r, buf[4:]); err != nil {
		return "", err
	}
	return DecodeEnvelope(buf)
}
