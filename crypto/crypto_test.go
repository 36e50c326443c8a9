package crypto

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ed25519"
)

func TestGenerateKey(t *testing.T) {
	pub, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		t.Fatalf("public key length: got %d want %d", len(pub), ed25519.PublicKeySize)
	}
	got, err := IdOf(priv)
	if err != nil {
		t.Fatalf("IdOf: %v", err)
	}
	if !bytes.Equal(got.Bytes(), pub) {
		t.Errorf("IdOf mismatch: got %x want %x", got.Bytes(), []byte(pub))
	}
}

func TestHexRoundTrip(t *testing.T) {
	_, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	var buf bytes.Buffer
	if _, err := WritePrivateKey(&buf, priv); err != nil {
		t.Fatalf("WritePrivateKey: %v", err)
	}
	got, err := LoadPrivateKey(&buf)
	if err != nil {
		t.Fatalf("LoadPrivateKey: %v", err)
	}
	if !bytes.Equal(got, priv) {
		t.Errorf("round trip mismatch: got %x want %x", []byte(got), []byte(priv))
	}
}

func TestHexToPrivateKeyAcceptsPrefix(t *testing.T) {
	_, priv, _ := GenerateKey()
	hexkey := "0x"
	for _, b := range priv {
		hexkey += byteToHex(b)
	}
	got, err := HexToPrivateKey(hexkey)
	if err != nil {
		t.Fatalf("HexToPrivateKey: %v", err)
	}
	if !bytes.Equal(got, priv) {
		t.Errorf("mismatch after 0x-prefixed parse")
	}
}

func TestHexToPrivateKeyRejectsWrongLength(t *testing.T) {
	if _, err := HexToPrivateKey("abcd"); err != ErrInvalidKeyLength {
		t.Errorf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestHexToPrivateKeyRejectsInvalidHex(t *testing.T) {
	if _, err := HexToPrivateKey("not-hex-at-all-zz"); err == nil {
		t.Error("expected an error for invalid hex")
	}
}

func TestSaveAndLoadPrivateKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nodekey")

	_, priv, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if err := SavePrivateKeyFile(path, priv); err != nil {
		t.Fatalf("SavePrivateKeyFile: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("key file permissions: got %o want 0600", perm)
	}

	got, err := LoadPrivateKeyFile(path)
	if err != nil {
		t.Fatalf("LoadPrivateKeyFile: %v", err)
	}
	if !bytes.Equal(got, priv) {
		t.Errorf("loaded key mismatch")
	}
}

func byteToHex(b byte) string {
	const digits = "0123456789abcdef"
	return string([]byte{digits[b>>4], digits[b&0xf]})
}
