package crypto

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func testKey(b byte) string {
	return base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{b}, 32))
}

func TestNewAESEncryptor(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid", testKey(1), false},
		{"empty", "", true},
		{"not base64", "!!!", true},
		{"short", base64.StdEncoding.EncodeToString([]byte("short")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewAESEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSealOpenCredential(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(7))
	if err != nil {
		t.Fatal(err)
	}
	token := "eyJhbGciOiJIUzI1NiJ9.eyJleHAiOjE3MDAwMDAwMDB9.sig"
	sealed, err := EncryptString(enc, token)
	if err != nil {
		t.Fatalf("EncryptString() error: %v", err)
	}
	if strings.Contains(sealed, "eyJ") {
		t.Error("sealed value leaks plaintext")
	}
	opened, err := DecryptString(enc, sealed)
	if err != nil {
		t.Fatalf("DecryptString() error: %v", err)
	}
	if opened != token {
		t.Errorf("DecryptString() = %q, want %q", opened, token)
	}

	again, _ := EncryptString(enc, token)
	if again == sealed {
		t.Error("two seals of the same value should differ (random nonce)")
	}
}

func TestEmptyStringsPassThrough(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(2))
	if s, err := EncryptString(enc, ""); err != nil || s != "" {
		t.Errorf("EncryptString(\"\") = %q, %v", s, err)
	}
	if s, err := DecryptString(enc, ""); err != nil || s != "" {
		t.Errorf("DecryptString(\"\") = %q, %v", s, err)
	}
}

func TestDecryptWrongKey(t *testing.T) {
	a, _ := NewAESEncryptor(testKey(3))
	b, _ := NewAESEncryptor(testKey(4))
	sealed, _ := EncryptString(a, "cf-clearance-value")
	if _, err := DecryptString(b, sealed); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if a.KeyID() == b.KeyID() {
		t.Error("different keys should have different key ids")
	}
}

func TestDecryptTampered(t *testing.T) {
	enc, _ := NewAESEncryptor(testKey(5))
	ct, _ := enc.Encrypt([]byte("payload"))
	ct[len(ct)-1] ^= 0xff
	if _, err := enc.Decrypt(ct); !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen for tampered ciphertext, got %v", err)
	}
	if _, err := enc.Decrypt([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for short ciphertext")
	}
}

func TestFromKey(t *testing.T) {
	enc, err := FromKey("")
	if err != nil || enc != nil {
		t.Errorf("FromKey(\"\") = %v, %v; want nil, nil", enc, err)
	}
	enc, err = FromKey(testKey(9))
	if err != nil || enc == nil {
		t.Errorf("FromKey(valid) = %v, %v", enc, err)
	}
}
