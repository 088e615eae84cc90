// Package util holds the id generator shared by the collaboration layers.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

const idBytes = 16

// NewID returns a random 128-bit hex identifier, optionally namespaced with
// a prefix. Used for anonymous client ids and for node ids minted when
// generated text is spliced into a document.
func NewID(prefix string) string {
	buf := make([]byte, idBytes)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
