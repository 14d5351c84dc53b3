// Package crypto provides encryption and decryption utilities for the
// Moonlight streaming protocol. Two distinct statefulness models are used
// by the hosts this package talks to:
//
//   - CBC (pre-Gen7 input stream): the underlying block mode is initialized
//     once and reused for every subsequent packet; the mode's internal IV
//     chains across calls exactly like a single long-lived OpenSSL cipher
//     context would. CBCStream models this.
//   - GCM (control-stream envelope, Gen7 input stream): every call is a
//     fresh, independent seal/open with an explicit nonce; any IV rotation
//     between calls is the caller's responsibility (see the control
//     package's inputGCMIV tracking in encryptInputGCM), not this package's.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

var (
	// ErrInvalidKey indicates an invalid key size
	ErrInvalidKey = errors.New("invalid key size")
	// ErrDecryptionFailed indicates decryption failed
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed indicates encryption failed
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidIVSize indicates an IV/nonce of the wrong length was supplied
	ErrInvalidIVSize = errors.New("invalid IV size")
)

// GCMNonceSize is the nonce length used for every GCM operation in this
// protocol; hosts authenticate with a 16-byte IV, not Go's 12-byte default.
const GCMNonceSize = 16

// Context holds AES key material and the derived GCM AEAD. CBC callers use
// NewCBCStream (chained) or EncryptCBC/DecryptCBC (one-shot) with the same key.
type Context struct {
	key       []byte
	block     cipher.Block
	gcmCipher cipher.AEAD
}

// NewContext creates a new crypto context with the given AES key.
func NewContext(key []byte) (*Context, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCMWithNonceSize(block, GCMNonceSize)
	if err != nil {
		return nil, err
	}

	return &Context{
		key:       key,
		block:     block,
		gcmCipher: gcm,
	}, nil
}

// EncryptGCM encrypts data using AES-GCM with a fresh 16-byte IV supplied by
// the caller. Each call is independent; no state carries between calls.
func (c *Context) EncryptGCM(plaintext, iv, additionalData []byte) (ciphertext, tag []byte, err error) {
	if len(iv) != c.gcmCipher.NonceSize() {
		return nil, nil, ErrInvalidIVSize
	}

	sealed := c.gcmCipher.Seal(nil, iv, plaintext, additionalData)

	tagStart := len(sealed) - c.gcmCipher.Overhead()
	ciphertext = sealed[:tagStart]
	tag = sealed[tagStart:]

	return ciphertext, tag, nil
}

// DecryptGCM decrypts data using AES-GCM with the caller-supplied IV.
func (c *Context) DecryptGCM(ciphertext, iv, tag, additionalData []byte) ([]byte, error) {
	if len(iv) != c.gcmCipher.NonceSize() {
		return nil, ErrInvalidIVSize
	}

	sealed := make([]byte, len(ciphertext)+len(tag))
	copy(sealed, ciphertext)
	copy(sealed[len(ciphertext):], tag)

	plaintext, err := c.gcmCipher.Open(nil, iv, sealed, additionalData)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	return plaintext, nil
}

// CBCStream wraps a persistent AES-CBC block mode: the underlying OpenSSL
// context on the host side is initialized once for the life of the input
// stream and never reset, so the IV it presents on the wire is only ever
// used for the very first packet. Go's cipher.BlockMode mirrors that by
// carrying its own internal IV forward across CryptBlocks calls, so a
// CBCStream must be created once per stream and reused for every packet.
type CBCStream struct {
	mode      cipher.BlockMode
	blockSize int
}

// NewCBCStream creates a persistent CBC encrypter seeded with the stream's
// initial IV. Callers must keep using the same CBCStream for the stream's
// lifetime; creating a new one per packet would incorrectly reset chaining.
func NewCBCStream(c *Context, initialIV []byte) (*CBCStream, error) {
	if len(initialIV) != c.block.BlockSize() {
		return nil, ErrInvalidIVSize
	}
	return &CBCStream{
		mode:      cipher.NewCBCEncrypter(c.block, initialIV),
		blockSize: c.block.BlockSize(),
	}, nil
}

// BlockSize returns the AES block size backing this stream.
func (s *CBCStream) BlockSize() int { return s.blockSize }

// Encrypt applies PKCS7 padding and encrypts in place against the stream's
// chained IV state, advancing that state for the next call.
func (s *CBCStream) Encrypt(plaintext []byte) []byte {
	padded := addPKCS7Padding(plaintext, s.blockSize)
	ciphertext := make([]byte, len(padded))
	s.mode.CryptBlocks(ciphertext, padded)
	return ciphertext
}

// addPKCS7Padding always appends at least one byte of padding, including a
// full extra block when plaintext is already block-aligned.
func addPKCS7Padding(plaintext []byte, blockSize int) []byte {
	padding := blockSize - (len(plaintext) % blockSize)
	out := make([]byte, len(plaintext)+padding)
	copy(out, plaintext)
	for i := len(plaintext); i < len(out); i++ {
		out[i] = byte(padding)
	}
	return out
}

// EncryptCBC encrypts a single buffer with PKCS7 padding using a one-shot
// block mode seeded with iv, with no chaining across calls. In this module
// only the tests call it; the input paths use CBCStream.
func (c *Context) EncryptCBC(plaintext, iv []byte) ([]byte, error) {
	if len(iv) != c.block.BlockSize() {
		return nil, ErrInvalidIVSize
	}

	padded := addPKCS7Padding(plaintext, c.block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptCBC decrypts a single buffer and removes PKCS7 padding.
func (c *Context) DecryptCBC(ciphertext, iv []byte) ([]byte, error) {
	blockSize := c.block.BlockSize()
	if len(iv) != blockSize {
		return nil, ErrInvalidIVSize
	}
	if len(ciphertext)%blockSize != 0 {
		return nil, errors.New("invalid ciphertext size")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)

	if len(plaintext) > 0 {
		padding := int(plaintext[len(plaintext)-1])
		if padding > 0 && padding <= blockSize {
			valid := true
			for i := len(plaintext) - padding; i < len(plaintext); i++ {
				if plaintext[i] != byte(padding) {
					valid = false
					break
				}
			}
			if valid {
				plaintext = plaintext[:len(plaintext)-padding]
			}
		}
	}

	return plaintext, nil
}

// GCMNonceSize returns the nonce size this context's AEAD requires.
func (c *Context) GCMNonceSize() int { return c.gcmCipher.NonceSize() }

// GCMOverhead returns the authentication tag overhead for GCM encryption.
func (c *Context) GCMOverhead() int { return c.gcmCipher.Overhead() }

// BlockSize returns the AES block size.
func (c *Context) BlockSize() int { return c.block.BlockSize() }
