package common

import (
	"crypto/rand"
)

const nanoIDAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// NanoID returns a url safe random id, 21 characters unless size is given.
func NanoID(size ...int) string {
	n := 21
	if len(size) > 0 && size[0] > 0 {
		n = size[0]
	}
	b := make([]byte, n)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = nanoIDAlphabet[b[i]&63]
	}
	return string(b)
}
