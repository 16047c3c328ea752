package vault

import (
	"bytes"
	"testing"
	"time"

	"github.com/driftsky/pdsmover/pkg/types"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "invalid short key",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "invalid long key",
			key:     make([]byte, 64),
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     []byte{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && v == nil {
				t.Error("New() returned nil without error")
			}
		})
	}
}

func TestNewFromHex(t *testing.T) {
	tests := []struct {
		name    string
		hexKey  string
		wantErr bool
	}{
		{
			name:    "valid 64-char hex",
			hexKey:  "000102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0e0f",
			wantErr: false,
		},
		{
			name:    "not hex",
			hexKey:  "zz0102030405060708090a0b0c0d0e0f000102030405060708090a0b0c0d0ezz",
			wantErr: true,
		},
		{
			name:    "wrong length",
			hexKey:  "0001020304",
			wantErr: true,
		},
		{
			name:    "empty",
			hexKey:  "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFromHex(tt.hexKey)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewFromHex() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	v, err := New(DevKey("test"))
	if err != nil {
		t.Fatalf("failed to create vault: %v", err)
	}

	tests := []struct {
		name      string
		plaintext []byte
	}{
		{
			name:      "simple string",
			plaintext: []byte("hunter2"),
		},
		{
			name:      "session json",
			plaintext: []byte(`{"accessJwt":"aaa","refreshJwt":"bbb"}`),
		},
		{
			name:      "binary data",
			plaintext: []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0xFD},
		},
		{
			name:      "large data",
			plaintext: bytes.Repeat([]byte("blob"), 1000),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, err := v.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt() error = %v", err)
			}
			if bytes.Equal(ct, tt.plaintext) {
				t.Error("ciphertext equals plaintext")
			}

			pt, err := v.Decrypt(ct)
			if err != nil {
				t.Fatalf("Decrypt() error = %v", err)
			}
			if !bytes.Equal(pt, tt.plaintext) {
				t.Errorf("roundtrip mismatch: got %q, want %q", pt, tt.plaintext)
			}
		})
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	v1, _ := New(DevKey("one"))
	v2, _ := New(DevKey("two"))

	ct, err := v1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	if _, err := v2.Decrypt(ct); err == nil {
		t.Error("Decrypt() with wrong key succeeded")
	}
}

func TestOpenFieldExpiry(t *testing.T) {
	v, _ := New(DevKey("test"))
	now := time.Now()

	f, err := v.SealField("one-time-plc-token", time.Hour)
	if err != nil {
		t.Fatalf("SealField() error = %v", err)
	}

	// Fresh field opens.
	got, ok, err := v.OpenField(f, now)
	if err != nil || !ok {
		t.Fatalf("OpenField() = (%q, %v, %v), want value", got, ok, err)
	}
	if got != "one-time-plc-token" {
		t.Errorf("OpenField() = %q, want original value", got)
	}

	// Past expiry the stored ciphertext is irrelevant: the read returns
	// absence.
	got, ok, err = v.OpenField(f, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("OpenField() after expiry error = %v", err)
	}
	if ok || got != "" {
		t.Errorf("OpenField() after expiry = (%q, %v), want absent", got, ok)
	}
}

func TestOpenFieldAbsent(t *testing.T) {
	v, _ := New(DevKey("test"))

	tests := []struct {
		name  string
		field *types.EncryptedField
	}{
		{name: "nil field", field: nil},
		{name: "empty ciphertext", field: &types.EncryptedField{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := v.OpenField(tt.field, time.Now())
			if err != nil {
				t.Fatalf("OpenField() error = %v", err)
			}
			if ok {
				t.Error("OpenField() reported a value for an absent field")
			}
		})
	}
}

func TestSealFieldNoTTL(t *testing.T) {
	v, _ := New(DevKey("test"))

	f, err := v.SealField("rotation-private-key", 0)
	if err != nil {
		t.Fatalf("SealField() error = %v", err)
	}
	if f.ExpiresAt != nil {
		t.Error("zero TTL should not set an expiry")
	}

	// Still readable far in the future.
	got, ok, err := v.OpenField(f, time.Now().Add(24*365*time.Hour))
	if err != nil || !ok || got != "rotation-private-key" {
		t.Errorf("OpenField() = (%q, %v, %v), want value", got, ok, err)
	}
}
