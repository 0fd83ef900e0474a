package session

import "math/rand/v2"

// IDLength is the number of characters in a session ID.
const IDLength = 5

const idAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewID returns a random session ID of IDLength characters.
func NewID() string {
	b := make([]byte, IDLength)
	for i := range b {
		b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return string(b)
}
