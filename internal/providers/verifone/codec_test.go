package verifone

import (
	"bytes"
	"math/rand"
	"strings"
	"testing"

	"eftpos-bridge/internal/eftpos"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPrintable(r *rand.Rand, n int) string {
	var b strings.Builder
	for b.Len() < n {
		c := byte(0x20 + r.Intn(0x7f-0x20))
		if c == ',' {
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func TestFrame_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		fields := make([]string, 1+r.Intn(6))
		for j := range fields {
			fields[j] = randomPrintable(r, r.Intn(40))
		}
		f := NewFrame(TagPurchase, fields...)

		got, err := ParseFrame(f.String() + "\r\n")
		require.NoError(t, err)
		assert.Equal(t, f, got)
	}
}

func TestNewFrame_StripsSeparators(t *testing.T) {
	f := NewFrame(TagDisplay, "A,B", "line1\nline2")
	assert.Equal(t, "DS,A B,line1^line2", f.String())
}

func TestParseFrame_Errors(t *testing.T) {
	_, err := ParseFrame("")
	assert.ErrorIs(t, err, ErrEmptyFrame)
	_, err = ParseFrame("   \n")
	assert.ErrorIs(t, err, ErrEmptyFrame)
	_, err = ParseFrame(",00")
	assert.Error(t, err)

	f, err := ParseFrame("RE?")
	require.NoError(t, err)
	assert.Equal(t, TagResultRequest, f.Tag)
	assert.Empty(t, f.Fields)
	assert.Equal(t, "", f.Field(3))
}

func TestParseResult(t *testing.T) {
	f, err := ParseFrame("RE,abc,M1,00,VISA CREDIT,150,200,MERCHANT COPY^TOTAL 10,00^APPROVED")
	require.NoError(t, err)

	r, err := ParseResult(f)
	require.NoError(t, err)
	assert.Equal(t, "abc", r.TransactionID)
	assert.Equal(t, "M1", r.MerchantID)
	assert.Equal(t, "00", r.Code)
	assert.Equal(t, int64(150), r.Surcharge)
	assert.Equal(t, int64(200), r.Tip)
	assert.Equal(t, "MERCHANT COPY\nTOTAL 10,00\nAPPROVED", r.Receipt)

	short, _ := ParseFrame("RE,abc,M1,05")
	r, err = ParseResult(short)
	require.NoError(t, err)
	assert.Equal(t, "05", r.Code)
	assert.Zero(t, r.Surcharge)
	assert.Empty(t, r.Receipt)

	bad, _ := ParseFrame("RE,abc,M1,00,VISA,x,-5")
	r, err = ParseResult(bad)
	require.NoError(t, err)
	assert.Zero(t, r.Surcharge)
	assert.Zero(t, r.Tip)

	_, err = ParseResult(Frame{Tag: TagResult, Fields: []string{"abc"}})
	assert.Error(t, err)
	_, err = ParseResult(Frame{Tag: TagDisplay})
	assert.Error(t, err)
}

func TestResultFrame_EncodeParse(t *testing.T) {
	in := ResultFrame{
		TransactionID: "t1",
		MerchantID:    "m1",
		Code:          "08",
		CardType:      "MASTERCARD",
		Surcharge:     12,
		Tip:           300,
		Receipt:       "A\nB,C",
	}
	f, err := ParseFrame(in.Encode().String())
	require.NoError(t, err)
	out, err := ParseResult(f)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestEnvelope_RoundTrip(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		payload := randomPrintable(r, r.Intn(300))
		env, err := EncodeEnvelope(payload)
		require.NoError(t, err)
		assert.Len(t, env, len(payload)+5)

		got, err := DecodeEnvelope(env)
		require.NoError(t, err)
		assert.Equal(t, payload, got)

		got, err = ReadEnvelope(bytes.NewReader(env))
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	}
}

func TestEnvelope_ChecksumDetectsMutation(t *testing.T) {
	env, err := EncodeEnvelope("PR,abc,M1,1000")
	require.NoError(t, err)

	for i := 4; i < len(env); i++ {
		mutated := append([]byte(nil), env...)
		mutated[i] ^= 0x01
		_, err := DecodeEnvelope(mutated)
		assert.ErrorIs(t, err, ErrEnvelopeChecksum, "byte %d", i)
	}
}

func TestEnvelope_Errors(t *testing.T) {
	env, _ := EncodeEnvelope("RE?,abc,M1")

	bad := append([]byte(nil), env...)
	bad[0] = 'X'
	_, err := DecodeEnvelope(bad)
	assert.ErrorIs(t, err, ErrBadEnvelope)

	_, err = DecodeEnvelope(env[:len(env)-1])
	assert.ErrorIs(t, err, ErrEnvelopeLength)

	_, err = DecodeEnvelope([]byte("V2"))
	assert.ErrorIs(t, err, ErrEnvelopeLength)

	_, err = EncodeEnvelope(strings.Repeat("x", 0x10000))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = ReadEnvelope(bytes.NewReader(env[:6]))
	assert.Error(t, err)
}

func TestLRC(t *testing.T) {
	assert.Equal(t, byte(0), LRC(nil))
	assert.Equal(t, byte('A'^'B'), LRC([]byte("AB")))
}

func TestCodes_Table(t *testing.T) {
	codes := Codes()
	for _, code := range []string{"00", "08", "IP", "TD", "05", "51", "CN", "HU", "SE", "TB", "NF"} {
		_, ok := codes[code]
		assert.True(t, ok, "missing code %s", code)
	}
	codes["00"] = eftpos.Mapping{}
	assert.Equal(t, eftpos.Success, Codes()["00"].Outcome, "Codes must return a copy")
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name     string
		frame    ResultFrame
		sig      signature
		outcome  eftpos.Outcome
		platform eftpos.PlatformOutcome
		message  string
	}{
		{"approved", ResultFrame{Code: "00", CardType: "Visa Debit"}, signatureNone, eftpos.Success, eftpos.Accepted, "Transaction approved"},
		{"signature attended", ResultFrame{Code: "08"}, signatureNone, eftpos.Success, eftpos.AcceptedWithSignature, "Transaction approved with signature"},
		{"signature unattended", ResultFrame{Code: "08"}, signatureSkipped, eftpos.Fail, eftpos.AcceptedWithSignature, eftpos.UnattendedSignatureMessage},
		{"signature declined", ResultFrame{Code: "08"}, signatureDeclined, eftpos.Fail, eftpos.AcceptedWithSignature, eftpos.SignatureDeclinedMessage},
		{"declined ignores signature", ResultFrame{Code: "05"}, signatureDeclined, eftpos.Fail, eftpos.Declined, eftpos.DeclinedMessage},
		{"declined", ResultFrame{Code: "05"}, signatureNone, eftpos.Fail, eftpos.Declined, eftpos.DeclinedMessage},
		{"lower case", ResultFrame{Code: "cn"}, signatureNone, eftpos.Fail, eftpos.Cancelled, "Transaction cancelled"},
		{"delayed", ResultFrame{Code: "TD"}, signatureNone, eftpos.Delay, eftpos.DelayedOutcome, "Transaction delayed, please wait"},
		{"unknown fails closed", ResultFrame{Code: "ZZ"}, signatureNone, eftpos.Fail, eftpos.Unknown, eftpos.GenericFailureMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := normalize(tt.frame, tt.sig)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, tt.platform, res.PlatformOutcome)
			assert.Equal(t, tt.message, res.Message)
		})
	}

	res := normalize(ResultFrame{Code: "00", CardType: "Visa Debit", Receipt: "R", Surcharge: 5}, signatureNone)
	assert.Equal(t, eftpos.CardVisa, res.CardType)
	assert.Equal(t, "R", res.Receipt)
	assert.Equal(t, int64(5), res.Surcharge)
}
