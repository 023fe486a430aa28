// Package shortid generates random keywords for new short links.
package shortid

import (
	"crypto/rand"
	"fmt"
)

const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// maxByte is the largest multiple of len(alphabet) that fits in a byte;
// bytes at or above it are rejected to keep the distribution uniform.
const maxByte = 256 - 256%len(alphabet)

// Generate returns a random base62 keyword of the given length.
func Generate(length int) (string, error) {
	out := make([]byte, 0, length)
	buf := make([]byte, length+length/2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxByte {
				continue
			}
			out = append(out, alphabet[int(b)%len(alphabet)])
			if len(out) == length {
				break
			}
		}
	}
	return string(out), nil
}
