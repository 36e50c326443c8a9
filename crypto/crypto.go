// Package crypto owns the node identity keypair: generation, hex/file
// persistence and loading. Grounded on the teacher's crypto package
// (filtered to crypto_test.go in the retrieval pack, so only its test
// names and conventions survived — GenerateKey/LoadECDSA/SaveECDSA/
// HexToECDSA round trips, typed errors instead of panics) and adapted
// from secp256k1 ECDSA keys to the Ed25519 keypairs spec §3 identifies a
// node by. Boson has no equivalent of Ethereum's address derivation: the
// identity *is* the public key, so there is no Keccak256-of-pubkey step.
package crypto

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/ed25519"

	"github.com/boson-network/boson/id"
)

// ErrInvalidKeyLength is returned when decoded key material is not exactly
// ed25519.PrivateKeySize (64) or ed25519.PublicKeySize (32) bytes.
var ErrInvalidKeyLength = errors.New("crypto: invalid key length")

// GenerateKey creates a fresh Ed25519 identity keypair.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(nil)
}

// IdOf returns the Id (spec §3: "the public key of an Ed25519 signing
// identity") corresponding to priv.
func IdOf(priv ed25519.PrivateKey) (id.Id, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != ed25519.PublicKeySize {
		return id.Zero, ErrInvalidKeyLength
	}
	return id.FromBytes(pub)
}

// HexToPrivateKey parses a hex-encoded 64-byte Ed25519 private key, with or
// without a "0x" prefix, mirroring the teacher's HexToECDSA convenience
// constructor (used by the bootnode CLI's -nodekeyhex flag).
func HexToPrivateKey(hexkey string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(hexkey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex key: %w", err)
	}
	if len(b) != ed25519.PrivateKeySize {
		return nil, ErrInvalidKeyLength
	}
	return ed25519.PrivateKey(b), nil
}

// LoadPrivateKey reads a hex-encoded private key from r, one line, the same
// on-disk shape the teacher's LoadECDSA reads (a single hex line, optional
// trailing newline).
func LoadPrivateKey(r io.Reader) (ed25519.PrivateKey, error) {
	buf := bufio.NewReader(io.LimitReader(r, 256))
	line, _, err := buf.ReadLine()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("crypto: read key: %w", err)
	}
	return HexToPrivateKey(strings.TrimSpace(string(line)))
}

// LoadPrivateKeyFile opens path and loads a private key from it.
func LoadPrivateKeyFile(path string) (ed25519.PrivateKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadPrivateKey(f)
}

// WritePrivateKey hex-encodes priv and writes it to w, the inverse of
// LoadPrivateKey.
func WritePrivateKey(w io.Writer, priv ed25519.PrivateKey) (int, error) {
	return io.WriteString(w, hex.EncodeToString(priv)+"\n")
}

// SavePrivateKeyFile persists priv to path as hex, creating the file with
// owner-only permissions since it is unencrypted key material (spec §1
// non-goals: "the core does not provide at-rest encryption of the node's
// own keys" — permissions are the only protection offered).
func SavePrivateKeyFile(path string, priv ed25519.PrivateKey) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = WritePrivateKey(f, priv)
	return err
}
