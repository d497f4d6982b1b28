// Package shadowsocks implements the AEAD stream-cipher protocol variant.
// Sessions derive a per-direction subkey from the pre-shared secret and a
// random salt using HKDF, then exchange length-prefixed AEAD chunks.
package shadowsocks

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const subkeyInfo = "ss-subkey"

// cipherSpec describes a supported AEAD method.
type cipherSpec struct {
	keySize int
	newAEAD func(key []byte) (cipher.AEAD, error)
}

var cipherSpecs = map[string]cipherSpec{
	"chacha20-ietf-poly1305": {
		keySize: chacha20poly1305.KeySize,
		newAEAD: chacha20poly1305.New,
	},
	"aes-128-gcm": {
		keySize: 16,
		newAEAD: newAESGCM,
	},
	"aes-256-gcm": {
		keySize: 32,
		newAEAD: newAESGCM,
	},
}

func newAESGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// SupportedCipher reports whether the method is implemented.
func SupportedCipher(method string) bool {
	_, ok := cipherSpecs[method]
	return ok
}

// deriveKey stretches the textual secret to the cipher's key size using the
// classic EVP_BytesToKey construction (MD5 chain), matching what shadowsocks
// deployments expect from a password.
func deriveKey(secret string, size int) []byte {
	var prev []byte
	key := make([]byte, 0, size)
	for len(key) < size {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(secret))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:size]
}

// sessionAEAD derives the per-direction AEAD from the master key and salt.
func sessionAEAD(method string, masterKey, salt []byte) (cipher.AEAD, error) {
	spec, ok := cipherSpecs[method]
	if !ok {
		return nil, fmt.Errorf("cipher %q not implemented", method)
	}
	subkey := make([]byte, spec.keySize)
	r := hkdf.New(sha1.New, masterKey, salt, []byte(subkeyInfo))
	if _, err := io.ReadFull(r, subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return spec.newAEAD(subkey)
}

// saltSize returns the salt length for a method (equal to its key size).
func saltSize(method string) int {
	return cipherSpecs[method].keySize
}
