package crypto

import (
	"bytes"
	"testing"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return key
}

// ---------------------------------------------------------------------------
// Construction
// ---------------------------------------------------------------------------

func TestNewPayloadCipher_KeyLength(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr bool
	}{
		{"exact 32 bytes", 32, false},
		{"too short", 16, true},
		{"too long", 64, true},
		{"empty", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPayloadCipher(make([]byte, tt.keyLen))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPayloadCipher(len=%d) error = %v, wantErr %v", tt.keyLen, err, tt.wantErr)
			}
		})
	}
}

func TestNewPayloadCipher_CopiesKey(t *testing.T) {
	key := testKey(t)
	pc, err := NewPayloadCipher(key)
	if err != nil {
		t.Fatalf("NewPayloadCipher: %v", err)
	}

	sealed, err := pc.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	// Mutating the caller's key slice must not affect the cipher.
	for i := range key {
		key[i] = 0
	}
	if _, err := pc.Open(sealed); err != nil {
		t.Errorf("Open after caller key mutation: %v", err)
	}
}

func TestDerivePayloadCipher(t *testing.T) {
	salt, err := GenerateSalt(16)
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}

	t.Run("valid passphrase and salt", func(t *testing.T) {
		pc, err := DerivePayloadCipher("correct horse battery staple", salt, 10000)
		if err != nil {
			t.Fatalf("DerivePayloadCipher: %v", err)
		}
		sealed, err := pc.Seal([]byte("data"))
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		got, err := pc.Open(sealed)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(got, []byte("data")) {
			t.Errorf("round trip = %q, want %q", got, "data")
		}
	})

	t.Run("salt too short", func(t *testing.T) {
		if _, err := DerivePayloadCipher("pass", []byte("short"), 10000); err != ErrSaltTooShort {
			t.Errorf("error = %v, want ErrSaltTooShort", err)
		}
	})

	t.Run("same passphrase and salt derive same key", func(t *testing.T) {
		pc1, _ := DerivePayloadCipher("pass", salt, 10000)
		pc2, _ := DerivePayloadCipher("pass", salt, 10000)
		sealed, _ := pc1.Seal([]byte("cross-check"))
		got, err := pc2.Open(sealed)
		if err != nil {
			t.Fatalf("Open with re-derived key: %v", err)
		}
		if !bytes.Equal(got, []byte("cross-check")) {
			t.Errorf("round trip = %q, want cross-check", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Seal / Open
// ---------------------------------------------------------------------------

func TestSealOpen_RoundTrip(t *testing.T) {
	pc, err := NewPayloadCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewPayloadCipher: %v", err)
	}

	payloads := [][]byte{
		[]byte("small"),
		[]byte(""),
		bytes.Repeat([]byte{0x1f, 0x8b, 0x08}, 4096), // gzip-ish binary
	}
	for _, p := range payloads {
		sealed, err := pc.Seal(p)
		if err != nil {
			t.Fatalf("Seal(%d bytes): %v", len(p), err)
		}
		got, err := pc.Open(sealed)
		if err != nil {
			t.Fatalf("Open(%d bytes): %v", len(p), err)
		}
		if !bytes.Equal(got, p) {
			t.Errorf("round trip of %d bytes not byte-exact", len(p))
		}
	}
}

func TestSeal_NonDeterministic(t *testing.T) {
	pc, _ := NewPayloadCipher(testKey(t))
	a, _ := pc.Seal([]byte("same input"))
	b, _ := pc.Seal([]byte("same input"))
	if bytes.Equal(a, b) {
		t.Error("two Seal calls produced identical ciphertext (nonce reuse?)")
	}
}

func TestOpen_WrongKey(t *testing.T) {
	pc1, _ := NewPayloadCipher(testKey(t))
	pc2, _ := NewPayloadCipher(testKey(t))

	sealed, _ := pc1.Seal([]byte("secret"))
	if _, err := pc2.Open(sealed); err != ErrDecryptionFailed {
		t.Errorf("Open with wrong key = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpen_TamperedCiphertext(t *testing.T) {
	pc, _ := NewPayloadCipher(testKey(t))
	sealed, _ := pc.Seal([]byte("secret"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := pc.Open(sealed); err != ErrDecryptionFailed {
		t.Errorf("Open of tampered ciphertext = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpen_TooShort(t *testing.T) {
	pc, _ := NewPayloadCipher(testKey(t))
	if _, err := pc.Open([]byte{1, 2, 3}); err != ErrCiphertextCorrupted {
		t.Errorf("Open of truncated input = %v, want ErrCiphertextCorrupted", err)
	}
}

// ---------------------------------------------------------------------------
// Key and salt generation
// ---------------------------------------------------------------------------

func TestGenerateKey_Is32BytesAndUnique(t *testing.T) {
	a := testKey(t)
	b := testKey(t)
	if len(a) != 32 {
		t.Errorf("key length = %d, want 32", len(a))
	}
	if bytes.Equal(a, b) {
		t.Error("two generated keys are identical")
	}
}

func TestGenerateSalt_MinimumLength(t *testing.T) {
	salt, err := GenerateSalt(4)
	if err != nil {
		t.Fatalf("GenerateSalt: %v", err)
	}
	if len(salt) < 16 {
		t.Errorf("salt length = %d, want >= 16", len(salt))
	}
}
