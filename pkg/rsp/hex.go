// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package rsp

import (
	"encoding/hex"
	"fmt"
	"strconv"
)

const hexDigits = "0123456789abcdef"

// HexEncode returns the lowercase hex representation of data, as used by memory and register packets.
func HexEncode(data []byte) []byte {
	return appendHex(nil, data)
}

func appendHex(dst []byte, data []byte) []byte {
	for _, b := range data {
		dst = append(dst, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return dst
}

// HexDecode parses hex encoded bytes. Both cases are accepted.
func HexDecode(text []byte) ([]byte, error) {
	out := make([]byte, hex.DecodedLen(len(text)))
	n, err := hex.Decode(out, text)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return out[:n], nil
}

func appendHexUint(dst []byte, v uint64) []byte {
	return strconv.AppendUint(dst, v, 16)
}

func parseHexUint(text string) (uint64, error) {
	if text == "" {
		return 0, fmt.Errorf("empty hex number")
	}
	v, err := strconv.ParseUint(text, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hex number %q: %w", text, err)
	}
	return v, nil
}

func parseHexByte(text string) (uint8, error) {
	v, err := strconv.ParseUint(text, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid hex byte %q: %w", text, err)
	}
	return uint8(v), nil
}
