package secret

import (
	"errors"
	"testing"
)

func TestCipher_RoundTrip(t *testing.T) {
	t.Parallel()

	c, err := New([]byte("short passphrase"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	sealed, err := c.Encrypt("ya29.refresh-token")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if sealed == "ya29.refresh-token" {
		t.Fatal("Encrypt returned the plaintext")
	}

	again, _ := c.Encrypt("ya29.refresh-token")
	if again == sealed {
		t.Error("two encryptions of the same value must differ")
	}

	got, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "ya29.refresh-token" {
		t.Errorf("Decrypt: got %q, want %q", got, "ya29.refresh-token")
	}
}

func TestCipher_WrongKey(t *testing.T) {
	t.Parallel()

	a, _ := New([]byte("key-a"))
	b, _ := New([]byte("key-b"))

	sealed, err := a.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(sealed); err == nil {
		t.Error("expected error decrypting with a different key")
	}
}

func TestCipher_InvalidInput(t *testing.T) {
	t.Parallel()

	c, _ := New([]byte("0123456789abcdef0123456789abcdef"))

	if _, err := c.Decrypt("!!not base64!!"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("bad base64: got err=%v, want ErrInvalidCiphertext", err)
	}
	if _, err := c.Decrypt("AAAA"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("short input: got err=%v, want ErrInvalidCiphertext", err)
	}
	if got, err := c.Decrypt(""); err != nil || got != "" {
		t.Errorf("empty: got (%q, %v), want empty", got, err)
	}
	if _, err := New(nil); err == nil {
		t.Error("expected error for empty key")
	}
}
