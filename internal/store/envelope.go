package store

import (
	"encoding/binary"
	"fmt"
	"time"
)

const envelopeHeader = 8

// seal prefixes value with its expiry in unix nanoseconds (0 = never).
func seal(value []byte, ttl time.Duration, now time.Time) []byte {
	buf := make([]byte, envelopeHeader+len(value))
	var exp int64
	if ttl > 0 {
		exp = now.Add(ttl).UnixNano()
	}
	binary.BigEndian.PutUint64(buf, uint64(exp))
	copy(buf[envelopeHeader:], value)
	return buf
}

// unseal returns the value and whether it has expired at now.
func unseal(raw []byte, now time.Time) ([]byte, bool, error) {
	if len(raw) < envelopeHeader {
		return nil, false, fmt.Errorf("corrupt entry: %d bytes", len(raw))
	}
	exp := int64(binary.BigEndian.Uint64(raw[:envelopeHeader]))
	value := raw[envelopeHeader:]
	if exp != 0 && now.UnixNano() >= exp {
		return value, true, nil
	}
	return value, false, nil
}
