package token

import (
	"strings"
	"testing"
)

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewCipher("shared-secret")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	encoded, err := c.Encrypt([]byte("credential-material"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if parts := strings.Split(encoded, ":"); len(parts) != 3 {
		t.Fatalf("expected iv:tag:ciphertext wire format, got %q", encoded)
	}

	plain, err := c.Decrypt(encoded)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(plain) != "credential-material" {
		t.Fatalf("round-trip mismatch: %s", plain)
	}
}

func TestCipherRejectsEmptySecret(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestCipherRejectsMalformedInput(t *testing.T) {
	c, _ := NewCipher("shared-secret")

	cases := []string{
		"",
		"deadbeef",
		"aa:bb",
		"aa:bb:cc:dd",
		"zz:zz:zz",
	}
	for _, in := range cases {
		if _, err := c.Decrypt(in); err == nil {
			t.Errorf("expected error for %q", in)
		}
	}
}

func TestCipherDetectsTampering(t *testing.T) {
	c, _ := NewCipher("shared-secret")

	encoded, err := c.Encrypt([]byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	// Flip a ciphertext nibble
	parts := strings.Split(encoded, ":")
	ct := []byte(parts[2])
	if ct[0] == 'a' {
		ct[0] = 'b'
	} else {
		ct[0] = 'a'
	}
	tampered := parts[0] + ":" + parts[1] + ":" + string(ct)

	if _, err := c.Decrypt(tampered); err == nil {
		t.Fatal("expected authentication failure for tampered ciphertext")
	}
}

func TestCipherKeysMustMatch(t *testing.T) {
	c1, _ := NewCipher("secret-one")
	c2, _ := NewCipher("secret-two")

	encoded, _ := c1.Encrypt([]byte("payload"))
	if _, err := c2.Decrypt(encoded); err == nil {
		t.Fatal("expected decryption failure with wrong secret")
	}
}
