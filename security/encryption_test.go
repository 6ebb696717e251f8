package security

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	return key
}

func TestGenerateKey(t *testing.T) {
	first := testKey(t)
	second := testKey(t)

	if len(first) != 32 {
		t.Errorf("key length = %d, want 32", len(first))
	}
	if bytes.Equal(first, second) {
		t.Error("consecutive keys must differ")
	}
}

func TestNewEncryptor(t *testing.T) {
	tests := []struct {
		name        string
		key         []byte
		wantErr     bool
		wantEnabled bool
	}{
		{"valid 32-byte key", make([]byte, 32), false, true},
		{"nil key disables encryption", nil, false, false},
		{"empty key disables encryption", []byte{}, false, false},
		{"short key", make([]byte, 16), true, false},
		{"long key", make([]byte, 64), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := NewEncryptor(tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewEncryptor() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && enc.IsEnabled() != tt.wantEnabled {
				t.Errorf("IsEnabled() = %v, want %v", enc.IsEnabled(), tt.wantEnabled)
			}
		})
	}
}

func TestEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	plaintexts := []string{"subject-12345", "", "héllo wörld", strings.Repeat("x", 4096)}
	for _, plaintext := range plaintexts {
		sealed, err := enc.Encrypt(plaintext)
		if err != nil {
			t.Fatalf("Encrypt(%q) error = %v", plaintext, err)
		}
		if sealed == plaintext && plaintext != "" {
			t.Errorf("ciphertext equals plaintext for %q", plaintext)
		}

		opened, err := enc.Decrypt(sealed)
		if err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if opened != plaintext {
			t.Errorf("round trip = %q, want %q", opened, plaintext)
		}
	}
}

func TestEncryptor_NonceVariesPerCall(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	first, _ := enc.Encrypt("same input")
	second, _ := enc.Encrypt("same input")
	if first == second {
		t.Error("two encryptions of the same input must not be identical")
	}
}

func TestEncryptor_Disabled(t *testing.T) {
	enc, err := NewEncryptor(nil)
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := enc.Encrypt("plaintext")
	if err != nil || sealed != "plaintext" {
		t.Errorf("disabled Encrypt = (%q, %v), want pass-through", sealed, err)
	}
	opened, err := enc.Decrypt("plaintext")
	if err != nil || opened != "plaintext" {
		t.Errorf("disabled Decrypt = (%q, %v), want pass-through", opened, err)
	}
}

func TestEncryptor_DecryptRejectsBadInput(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		input string
	}{
		{"not base64", "!!!not-base64!!!"},
		{"too short for a nonce", base64.StdEncoding.EncodeToString([]byte("abc"))},
		{"valid base64, garbage contents", base64.StdEncoding.EncodeToString(make([]byte, 40))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := enc.Decrypt(tt.input); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEncryptor_TamperDetection(t *testing.T) {
	enc, err := NewEncryptor(testKey(t))
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := enc.Encrypt("sensitive")
	if err != nil {
		t.Fatal(err)
	}

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	if _, err := enc.Decrypt(tampered); err == nil {
		t.Error("tampered ciphertext must fail authentication")
	}
}

func TestEncryptor_WrongKeyFails(t *testing.T) {
	encA, _ := NewEncryptor(testKey(t))
	encB, _ := NewEncryptor(testKey(t))

	sealed, err := encA.Encrypt("sensitive")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := encB.Decrypt(sealed); err == nil {
		t.Error("decryption with a different key must fail")
	}
}

func TestKeyBase64RoundTrip(t *testing.T) {
	key := testKey(t)

	decoded, err := KeyFromBase64(KeyToBase64(key))
	if err != nil {
		t.Fatalf("KeyFromBase64() error = %v", err)
	}
	if !bytes.Equal(decoded, key) {
		t.Error("base64 round trip changed the key")
	}

	if _, err := KeyFromBase64("not base64!"); err == nil {
		t.Error("invalid base64 should error")
	}
	if _, err := KeyFromBase64(base64.StdEncoding.EncodeToString(make([]byte, 16))); err == nil {
		t.Error("wrong-size key should error")
	}
}
