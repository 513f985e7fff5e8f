// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"bytes"
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"
)

func frameWith(body string) []byte {
	return []byte(fmt.Sprintf("$%s#%02x", body, Checksum([]byte(body))))
}

func TestEncodeKnownFrames(t *testing.T) {
	t.Parallel()

	require.Equal(t, "$S05#b8", string(Encode([]byte("S05"))))
	require.Equal(t, "$#00", string(Encode(nil)))
	require.Equal(t, "$OK#9a", string(Encode([]byte("OK"))))
	require.Equal(t, fmt.Sprintf("%%Stop:S05#%02x", Checksum([]byte("Stop:S05"))), string(EncodeNotification([]byte("Stop:S05"))))
}

func TestDecodeKnownFrames(t *testing.T) {
	t.Parallel()

	payload, err := Decode([]byte("$S05#b8"))
	require.NoError(t, err)
	require.Equal(t, []byte("S05"), payload)

	payload, err = Decode([]byte("$#00"))
	require.NoError(t, err)
	require.Empty(t, payload)

	f, err := DecodeFrame(EncodeNotification([]byte("Stop:T05thread:1;")))
	require.NoError(t, err)
	require.True(t, f.Notification)
	require.Equal(t, []byte("Stop:T05thread:1;"), f.Payload)
}

func TestEscapedBytesRoundTrip(t *testing.T) {
	t.Parallel()

	payload := []byte("a$b#c}d*e")
	frame := Encode(payload)
	require.Equal(t, "$a}\x04b}\x03c}]d}\x0ae#", string(frame[:len(frame)-2]))

	decoded, err := Decode(frame)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
}

func TestEveryByteValueRoundTrips(t *testing.T) {
	t.Parallel()

	payload := make([]byte, 0, 512)
	for i := range 256 {
		payload = append(payload, byte(i), byte(i))
	}

	for _, compress := range []bool{false, true} {
		var frame []byte
		if compress {
			frame = EncodeCompressed(payload)
		} else {
			frame = Encode(payload)
		}
		decoded, err := Decode(frame)
		require.NoError(t, err, "compress=%v", compress)
		require.Equal(t, payload, decoded, "compress=%v", compress)
	}
}

func TestRandomPayloadsRoundTrip(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	for i := range 500 {
		payload := make([]byte, rng.IntN(300))
		for j := range payload {
			// A small alphabet produces runs as well as framing bytes.
			payload[j] = "ab$#}*+-0\x00"[rng.IntN(10)]
		}

		decoded, err := Decode(Encode(payload))
		require.NoError(t, err, "iteration %d", i)
		require.True(t, bytes.Equal(payload, decoded), "iteration %d", i)

		decoded, err = Decode(EncodeCompressed(payload))
		require.NoError(t, err, "iteration %d (compressed)", i)
		require.True(t, bytes.Equal(payload, decoded), "iteration %d (compressed)", i)
	}
}

func TestRunLengthEncoding(t *testing.T) {
	t.Parallel()

	frame := EncodeCompressed([]byte("0000000000"))
	require.Equal(t, "$0*&#80", string(frame))

	// Seven bytes would need count byte '#', so the run is shortened by one.
	frame = EncodeCompressed([]byte("aaaaaaa"))
	require.Equal(t, "a*\"a", string(frame[1:len(frame)-3]))

	// Runs too short to pay off stay literal.
	frame = EncodeCompressed([]byte("abbc"))
	require.Equal(t, "abbc", string(frame[1:len(frame)-3]))

	// Escaped bytes are never compressed.
	frame = EncodeCompressed([]byte("$$$$$"))
	require.Equal(t, "}\x04}\x04}\x04}\x04}\x04", string(frame[1:len(frame)-3]))
}

func TestRunLengthAndLiteralDecodeIdentically(t *testing.T) {
	t.Parallel()

	for _, n := range []int{3, 4, 5, 20, 97, 98, 200, 1000} {
		payload := bytes.Repeat([]byte{'x'}, n)
		literal, err := Decode(Encode(payload))
		require.NoError(t, err)
		compressed, err := Decode(EncodeCompressed(payload))
		require.NoError(t, err)
		require.Equal(t, literal, compressed, "run of %d", n)
		require.Len(t, compressed, n)
	}

	// Hand written run-length sequence: '0' followed by 4 more.
	payload, err := Decode(frameWith("0*!"))
	require.NoError(t, err)
	require.Equal(t, "00000", string(payload))
}

func TestBitFlipsAreDetected(t *testing.T) {
	t.Parallel()

	frame := Encode([]byte("m1000,4;qXfer:features:read:target.xml:0,fff"))
	// Every bit of the payload and of the checksum digits; the delimiters are excluded.
	for i := 1; i < len(frame); i++ {
		if i == len(frame)-3 {
			continue
		}
		for bit := range 8 {
			corrupted := bytes.Clone(frame)
			corrupted[i] ^= 1 << bit
			_, err := Decode(corrupted)
			require.ErrorIs(t, err, ErrChecksumMismatch, "byte %d bit %d", i, bit)
			require.True(t, IsCodecError(err))
		}
	}
}

func TestChecksumDigitsMustBeLowercase(t *testing.T) {
	t.Parallel()

	_, err := Decode([]byte("$S05#B8"))
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, err = Decode([]byte("$S05#zz"))
	require.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestMalformedFrames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"too short", []byte("$#0")},
		{"missing start", []byte("S05#b8x")},
		{"missing checksum delimiter", []byte("$S05b8")},
		{"escape at end", frameWith("}")},
		{"run-length without previous byte", frameWith("*3")},
		{"run-length at end", frameWith("a*")},
		{"run-length count too small", frameWith("a*\x1f")},
		{"run-length count too large", frameWith("a*\x7f")},
		{"unescaped start delimiter", frameWith("a$b")},
	}
	for _, tc := range cases {
		_, err := Decode(tc.frame)
		require.ErrorIs(t, err, ErrMalformed, tc.name)

		var codecErr *CodecError
		require.ErrorAs(t, err, &codecErr, tc.name)
		require.NotEmpty(t, codecErr.Detail, tc.name)
	}
}

func TestChecksum(t *testing.T) {
	t.Parallel()

	require.Equal(t, uint8(0), Checksum(nil))
	require.Equal(t, uint8(0xb8), Checksum([]byte("S05")))
	require.Equal(t, uint8(0xfe), Checksum([]byte{0xff, 0xff}))
}
