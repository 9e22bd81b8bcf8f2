package codec

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodePackedAscii(t *testing.T) {
	v, err := Decode(PackedAscii, []uint16{0x4142, 0x4344, 0x0000, 0x0000}, false)
	require.NoError(t, err)
	require.Equal(t, "ABCD", v)
}

func TestDecodeU32BigEndian(t *testing.T) {
	v, err := Decode(U32, []uint16{0x0001, 0x0002}, false)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(65538), v)
}

func TestDecodeU32Reversed(t *testing.T) {
	v, err := Decode(U32, []uint16{0x0001, 0x0002}, true)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(131073), v)
}

func TestDecodeEncodeRoundTripIntegers(t *testing.T) {
	cases := []struct {
		t Type
		v int64
	}{
		{U8, 200}, {I8, -100},
		{U16, 60000}, {I16, -12000},
		{U32, 4000000000}, {I32, -2000000000},
		{U64, 1 << 40}, {I64, -(1 << 40)},
	}
	for _, tc := range cases {
		for _, reverse := range []bool{false, true} {
			regs, err := Encode(tc.t, big.NewInt(tc.v), tc.t.RegisterWidth(), reverse)
			require.NoError(t, err, tc.t)
			got, err := Decode(tc.t, regs, reverse)
			require.NoError(t, err, tc.t)
			require.Equal(t, big.NewInt(tc.v), got, tc.t)
		}
	}
}

func TestDecodeEncodeRoundTripU128(t *testing.T) {
	v := new(big.Int).Lsh(big.NewInt(1), 100)
	for _, reverse := range []bool{false, true} {
		regs, err := Encode(U128, v, 8, reverse)
		require.NoError(t, err)
		got, err := Decode(U128, regs, reverse)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestDecodeEncodeRoundTripFloats(t *testing.T) {
	for _, ty := range []Type{F32, F64, F32le, F64le} {
		for _, reverse := range []bool{false, true} {
			regs, err := Encode(ty, 3.5, ty.RegisterWidth(), reverse)
			require.NoError(t, err)
			got, err := Decode(ty, regs, reverse)
			require.NoError(t, err)
			require.InDelta(t, 3.5, got, 0.0001)
		}
	}
}

func TestEncodeOutOfRange(t *testing.T) {
	_, err := Encode(U8, big.NewInt(300), 1, false)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = Encode(I16, big.NewInt(40000), 1, false)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestDecodeLooseAsciiTerminatesAtZero(t *testing.T) {
	v, err := Decode(LooseAscii, []uint16{'h', 'i', 0, 'x'}, false)
	require.NoError(t, err)
	require.Equal(t, "hi", v)
}

func TestDecodeNonAsciiByte(t *testing.T) {
	_, err := Decode(PackedAscii, []uint16{0xFF41}, false)
	require.ErrorIs(t, err, ErrNonAsciiByte)
}

func TestEncodeStringTooLong(t *testing.T) {
	_, err := Encode(LooseAscii, "too long for one register", 1, false)
	require.ErrorIs(t, err, ErrBadString)
}

func TestDecodeBool(t *testing.T) {
	v, err := Decode(Bool, []uint16{0x0001}, false)
	require.NoError(t, err)
	require.Equal(t, true, v)

	v, err = Decode(Bool, []uint16{0x0000}, false)
	require.NoError(t, err)
	require.Equal(t, false, v)
}

func TestEncodeBoolFunctionCode5Convention(t *testing.T) {
	regs, err := Encode(Bool, true, 1, false)
	require.NoError(t, err)
	require.Equal(t, []uint16{0xFF00}, regs)

	regs, err = Encode(Bool, false, 1, false)
	require.NoError(t, err)
	require.Equal(t, []uint16{0x0000}, regs)
}

func TestLengthMismatch(t *testing.T) {
	_, err := Decode(U32, []uint16{0x0001}, false)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestRegisterWidthU16le(t *testing.T) {
	require.Equal(t, 1, U16le.RegisterWidth())
	require.Equal(t, 1, I16le.RegisterWidth())
}

func TestEncodeU16leFromScriptValue(t *testing.T) {
	regs, err := Encode(U16le, float64(4242), U16le.RegisterWidth(), false)
	require.NoError(t, err)
	got, err := Decode(U16le, regs, false)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(4242), got)
}

func TestEncodeIntegerFromFloatValue(t *testing.T) {
	regs, err := Encode(U32, float64(123456), 2, false)
	require.NoError(t, err)
	got, err := Decode(U32, regs, false)
	require.NoError(t, err)
	require.Equal(t, big.NewInt(123456), got)
}

func TestEncodeRejectsNonIntegralFloat(t *testing.T) {
	_, err := Encode(U32, float64(1.5), 2, false)
	require.ErrorIs(t, err, ErrOutOfRange)
}
