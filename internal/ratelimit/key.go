package ratelimit

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// MaxKeyValueLength bounds the caller-controlled part of a store key.
// Longer values are replaced by their xxhash64 digest.
const MaxKeyValueLength = 128

const keyPrefix = "ratelimit"

// FormatKey returns "ratelimit:{class}:{value}".
//
//	FormatKey("default", "10.0.0.1") -> "ratelimit:default:10.0.0.1"
func FormatKey(class, value string) string {
	if class == "" {
		class = "default"
	}
	if len(value) > MaxKeyValueLength {
		value = "h" + strconv.FormatUint(xxhash.Sum64String(value), 16)
	}
	return keyPrefix + ":" + class + ":" + value
}
