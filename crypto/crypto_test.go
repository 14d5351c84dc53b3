package crypto

import (
	"bytes"
	"testing"
)

func testKey() []byte {
	k := make([]byte, 16)
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestGCMRoundTrip(t *testing.T) {
	ctx, err := NewContext(testKey())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}

	iv := make([]byte, GCMNonceSize)
	iv[0] = 7
	plaintext := []byte("hello control stream")
	aad := []byte("aad")

	ciphertext, tag, err := ctx.EncryptGCM(plaintext, iv, aad)
	if err != nil {
		t.Fatalf("EncryptGCM: %v", err)
	}
	if len(tag) != ctx.GCMOverhead() {
		t.Fatalf("tag length = %d, want %d", len(tag), ctx.GCMOverhead())
	}

	got, err := ctx.DecryptGCM(ciphertext, iv, tag, aad)
	if err != nil {
		t.Fatalf("DecryptGCM: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q want %q", got, plaintext)
	}
}

func TestGCMWrongTagFails(t *testing.T) {
	ctx, _ := NewContext(testKey())
	iv := make([]byte, GCMNonceSize)

	ciphertext, tag, _ := ctx.EncryptGCM([]byte("payload"), iv, nil)
	tag[0] ^= 0xff

	if _, err := ctx.DecryptGCM(ciphertext, iv, tag, nil); err == nil {
		t.Fatal("expected decryption failure with tampered tag")
	}
}

func TestGCMRejectsWrongNonceSize(t *testing.T) {
	ctx, _ := NewContext(testKey())
	_, _, err := ctx.EncryptGCM([]byte("x"), make([]byte, 12), nil)
	if err != ErrInvalidIVSize {
		t.Fatalf("expected ErrInvalidIVSize, got %v", err)
	}
}

func TestCBCStreamChainsAcrossCalls(t *testing.T) {
	ctx, _ := NewContext(testKey())
	iv := make([]byte, ctx.BlockSize())

	stream, err := NewCBCStream(ctx, iv)
	if err != nil {
		t.Fatalf("NewCBCStream: %v", err)
	}

	first := stream.Encrypt([]byte("first packet"))
	second := stream.Encrypt([]byte("first packet"))

	if bytes.Equal(first, second) {
		t.Fatal("expected chained CBC stream to produce different ciphertext for repeated plaintext")
	}
}

func TestPKCS7PaddingAddsFullBlockWhenAligned(t *testing.T) {
	ctx, _ := NewContext(testKey())
	iv := make([]byte, ctx.BlockSize())

	plaintext := bytes.Repeat([]byte{0x41}, ctx.BlockSize())
	ciphertext, err := ctx.EncryptCBC(plaintext, iv)
	if err != nil {
		t.Fatalf("EncryptCBC: %v", err)
	}
	if len(ciphertext) != len(plaintext)+ctx.BlockSize() {
		t.Fatalf("ciphertext length = %d, want %d (full extra padding block)", len(ciphertext), len(plaintext)+ctx.BlockSize())
	}

	decrypted, err := ctx.DecryptCBC(ciphertext, iv)
	if err != nil {
		t.Fatalf("DecryptCBC: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("decrypted mismatch: got %q want %q", decrypted, plaintext)
	}
}

func TestNewContextRejectsBadKeySize(t *testing.T) {
	if _, err := NewContext(make([]byte, 10)); err != ErrInvalidKey {
		t.Fatalf("expected ErrInvalidKey, got %v", err)
	}
}
