// Package ordinal maps IP addresses onto unsigned integers that preserve
// address order within each family.
package ordinal

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"net/netip"
	"strconv"

	"lukechampine.com/uint128"
)

// Ordinal is wide enough for both families. IPv4 values never exceed 32 bits.
type Ordinal = uint128.Uint128

type Family int

const (
	V4 Family = 4
	V6 Family = 6
)

func (f Family) String() string {
	switch f {
	case V4:
		return "IPv4"
	case V6:
		return "IPv6"
	default:
		return "unknown"
	}
}

func (f Family) Bits() int {
	if f == V4 {
		return 32
	}
	return 128
}

// Max is the largest ordinal the family can represent.
func (f Family) Max() Ordinal {
	if f == V4 {
		return uint128.From64(0xFFFFFFFF)
	}
	return uint128.Max
}

// FromAddr returns the family and ordinal of addr, combining octets (IPv4) or
// 16-bit segments (IPv6) most-significant first. IPv4-mapped IPv6 addresses
// stay in the IPv6 family.
func FromAddr(addr netip.Addr) (Family, Ordinal) {
	if addr.Is4() {
		b := addr.As4()
		return V4, uint128.From64(uint64(binary.BigEndian.Uint32(b[:])))
	}
	b := addr.As16()
	hi := binary.BigEndian.Uint64(b[:8])
	lo := binary.BigEndian.Uint64(b[8:])
	return V6, uint128.New(lo, hi)
}

// Parse reads a decimal ordinal. Only ASCII digits are accepted and the value
// must fit the family width.
func Parse(f Family, s string) (Ordinal, error) {
	if s == "" {
		return uint128.Zero, fmt.Errorf("empty ordinal")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return uint128.Zero, fmt.Errorf("invalid ordinal %q", s)
		}
	}

	if f == V4 {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return uint128.Zero, fmt.Errorf("ordinal %q overflows %s: %w", s, f, err)
		}
		return uint128.From64(v), nil
	}

	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return uint128.Zero, fmt.Errorf("invalid ordinal %q", s)
	}
	if n.BitLen() > f.Bits() {
		return uint128.Zero, fmt.Errorf("ordinal %q overflows %s", s, f)
	}
	return uint128.FromBig(n), nil
}
