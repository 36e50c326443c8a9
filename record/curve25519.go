package record

import (
	"crypto/sha512"
	"math/big"

	"golang.org/x/crypto/ed25519"
)

// p25519 is the Curve25519/Ed25519 field prime 2^255 - 19.
var p25519 = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// edPublicKeyToCurve25519 applies the standard birational map from an
// Ed25519 public key (a point on the twisted Edwards curve) to its
// Curve25519 Montgomery u-coordinate: u = (1+y)/(1-y) mod p. This is the
// same conversion libsodium performs in crypto_sign_ed25519_pk_to_curve25519,
// and is what lets a single 32-byte Id double as both a signing key and,
// when decrypting as a recipient, a Curve25519 box public key (spec §3).
func edPublicKeyToCurve25519(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, ErrInvalidKey
	}
	y := unpackLittleEndian(pub)
	y.Mod(y, p25519)

	one := big.NewInt(1)
	num := new(big.Int).Add(one, y)
	num.Mod(num, p25519)
	den := new(big.Int).Sub(one, y)
	den.Mod(den, p25519)
	if den.Sign() == 0 {
		return out, ErrInvalidKey
	}
	denInv := new(big.Int).ModInverse(den, p25519)
	if denInv == nil {
		return out, ErrInvalidKey
	}
	u := new(big.Int).Mul(num, denInv)
	u.Mod(u, p25519)
	packLittleEndian(u, out[:])
	return out, nil
}

// edPrivateKeyToCurve25519 derives the Curve25519 scalar corresponding to an
// Ed25519 private key: the lower 32 bytes of SHA-512(seed), clamped per the
// Curve25519/X25519 scalar convention.
func edPrivateKeyToCurve25519(priv ed25519.PrivateKey) [32]byte {
	h := sha512.Sum512(priv.Seed())
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// unpackLittleEndian decodes a 32-byte little-endian Edwards25519 encoding
// into its y-coordinate, masking off the sign bit carried in the top bit of
// the last byte.
func unpackLittleEndian(b []byte) *big.Int {
	be := make([]byte, len(b))
	for i, v := range b {
		be[len(b)-1-i] = v
	}
	be[0] &= 0x7F // clear the x-coordinate sign bit
	return new(big.Int).SetBytes(be)
}

// packLittleEndian encodes a field element into a fixed-size little-endian
// buffer.
func packLittleEndian(v *big.Int, out []byte) {
	be := v.Bytes()
	for i := range out {
		out[i] = 0
	}
	for i, b := range be {
		out[len(be)-1-i] = b
	}
}

// PublicKeyToCurve25519 exports edPublicKeyToCurve25519 for callers outside
// this package that need the same Ed25519→Curve25519 conversion Value uses
// internally — namely internal/cryptocache, which precomputes box shared
// keys per remote Id ahead of any particular Value.
func PublicKeyToCurve25519(pub ed25519.PublicKey) ([32]byte, error) {
	return edPublicKeyToCurve25519(pub)
}

// PrivateKeyToCurve25519 exports edPrivateKeyToCurve25519; see
// PublicKeyToCurve25519.
func PrivateKeyToCurve25519(priv ed25519.PrivateKey) [32]byte {
	return edPrivateKeyToCurve25519(priv)
}
