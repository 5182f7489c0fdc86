// Package idgen produces correlation tokens for outbound requests.
package idgen

import (
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
)

// Generator returns a new token on every call. It must be safe for concurrent use.
type Generator func() string

// fragmentLen is the number of base-36 characters taken from each random draw.
const fragmentLen = 10

// Base36 joins two independent random base-36 fragments, 20 characters in total.
func Base36() string {
	return fragment() + fragment()
}

// UUID returns a random RFC 4122 version 4 token.
func UUID() string {
	return uuid.NewString()
}

func fragment() string {
	// Uniform over [0, 36^10), left-padded to fragmentLen.
	s := strconv.FormatUint(rand.Uint64N(maxFragment), 36)
	for len(s) < fragmentLen {
		s = "0" + s
	}
	return s
}

var maxFragment = func() uint64 {
	n := uint64(1)
	for i := 0; i < fragmentLen; i++ {
		n *= 36
	}
	return n
}()

// ByName maps a configuration name to a Generator.
func ByName(name string) (Generator, bool) {
	switch name {
	case "", "base36":
		return Base36, true
	case "uuid":
		return UUID, true
	}
	return nil, false
}
