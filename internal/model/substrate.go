package model

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// SubstrateSize is the width of a substrate identifier in bytes.
const SubstrateSize = 32

var ErrInvalidSubstrate = errors.New("model: invalid substrate encoding")

// Substrate is an opaque 32-byte instrument identifier whitelisted under
// exactly one market: a token address, a venue-specific sub-identifier, or a
// composite encoding of flags and address. The engine never interprets its
// contents; only fuses do.
type Substrate [SubstrateSize]byte

// SubstrateFromHex parses a 0x-prefixed (or bare) hex string of up to
// 32 bytes, left-padding shorter values with zeroes.
func SubstrateFromHex(s string) (Substrate, error) {
	var sub Substrate
	raw := strings.TrimPrefix(strings.ToLower(s), "0x")
	if len(raw) == 0 || len(raw) > SubstrateSize*2 {
		return sub, fmt.Errorf("%w: %q", ErrInvalidSubstrate, s)
	}
	if len(raw)%2 == 1 {
		raw = "0" + raw
	}
	b, err := hex.DecodeString(raw)
	if err != nil {
		return sub, fmt.Errorf("%w: %q", ErrInvalidSubstrate, s)
	}
	copy(sub[SubstrateSize-len(b):], b)
	return sub, nil
}

// SubstrateFromAsset wraps a raw asset identifier (e.g. a 20-byte token
// address) into a left-padded substrate.
func SubstrateFromAsset(asset []byte) (Substrate, error) {
	var sub Substrate
	if len(asset) == 0 || len(asset) > SubstrateSize {
		return sub, fmt.Errorf("%w: asset of %d bytes", ErrInvalidSubstrate, len(asset))
	}
	copy(sub[SubstrateSize-len(asset):], asset)
	return sub, nil
}

// String returns the 0x-prefixed hex form.
func (s Substrate) String() string {
	return "0x" + hex.EncodeToString(s[:])
}

// IsZero reports whether the substrate is all zeroes.
func (s Substrate) IsZero() bool {
	return s == Substrate{}
}

// MarshalText implements encoding.TextMarshaler so substrates serialize as
// hex strings in JSON, including as map keys.
func (s Substrate) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Substrate) UnmarshalText(text []byte) error {
	sub, err := SubstrateFromHex(string(text))
	if err != nil {
		return err
	}
	*s = sub
	return nil
}
