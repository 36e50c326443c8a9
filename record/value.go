package record

import (
	"crypto/rand"
	"encoding/binary"

	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/boson-network/boson/id"
)

// NonceSize is the length of a Value's nonce in bytes.
const NonceSize = 24

// BoxOverhead is the minimum ciphertext overhead (the Poly1305 MAC) added by
// sealing a Curve25519 crypto_box; an encrypted Value's data must be at
// least this long (spec §3 invariant).
const BoxOverhead = box.Overhead

// Value is a Boson stored blob: immutable, signed-mutable, or encrypted,
// distinguished by which optional fields are present (spec §3).
type Value struct {
	publicKey id.Id // k; zero for immutable values
	recipient id.Id // rec; zero unless encrypted
	nonce     [NonceSize]byte
	seq       uint32
	signature [ed25519.SignatureSize]byte
	data      []byte // plaintext for immutable/signed, ciphertext for encrypted
	mutable   bool
	encrypted bool
}

// PublicKey returns the owner key k, or the zero Id for immutable values.
func (v Value) PublicKey() id.Id { return v.publicKey }

// Recipient returns rec, or the zero Id unless the value is encrypted.
func (v Value) Recipient() id.Id { return v.recipient }

// Nonce returns n. Zero for immutable values.
func (v Value) Nonce() [NonceSize]byte { return v.nonce }

// Sequence returns the mutable sequence number, 0 for immutable values.
func (v Value) Sequence() uint32 { return v.seq }

// Signature returns sig, the zero value for immutable values.
func (v Value) Signature() [ed25519.SignatureSize]byte { return v.signature }

// Data returns the stored payload: plaintext for immutable and signed
// values, ciphertext for encrypted values.
func (v Value) Data() []byte {
	out := make([]byte, len(v.data))
	copy(out, v.data)
	return out
}

// IsMutable reports whether v is a signed or encrypted (as opposed to
// immutable) value.
func (v Value) IsMutable() bool { return v.mutable }

// IsEncrypted reports whether v carries a recipient and ciphertext payload.
func (v Value) IsEncrypted() bool { return v.encrypted }

// Id is the content-derived identifier of v: SHA-256(data) for immutable
// values, SHA-256(k) for signed values, SHA-256(k || rec) for encrypted
// values.
func (v Value) Id() id.Id {
	switch {
	case v.encrypted:
		return id.Hash256(v.publicKey[:], v.recipient[:])
	case v.mutable:
		return id.Hash256(v.publicKey[:])
	default:
		return id.Hash256(v.data)
	}
}

// signingPayload builds the canonical bytes signed over a mutable value:
// n || seq (little-endian u32) || v, where v is plaintext for signed values
// and ciphertext for encrypted ones.
func signingPayload(nonce [NonceSize]byte, seq uint32, v []byte) []byte {
	buf := make([]byte, 0, NonceSize+4+len(v))
	buf = append(buf, nonce[:]...)
	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], seq)
	buf = append(buf, seqBuf[:]...)
	buf = append(buf, v...)
	return buf
}

// CreateValue builds an immutable value. Its Id is SHA-256(data).
func CreateValue(data []byte) Value {
	out := make([]byte, len(data))
	copy(out, data)
	return Value{data: out}
}

// CreateSignedValue builds a signed mutable value owned by priv, at
// sequence seq, over plaintext data. A fresh nonce is generated if the
// caller passes the zero nonce.
func CreateSignedValue(priv ed25519.PrivateKey, nonce [NonceSize]byte, seq uint32, data []byte) (Value, error) {
	if nonce == ([NonceSize]byte{}) {
		if _, err := rand.Read(nonce[:]); err != nil {
			return Value{}, err
		}
	}
	pub, err := idFromPrivate(priv)
	if err != nil {
		return Value{}, err
	}
	payload := signingPayload(nonce, seq, data)
	sig := ed25519.Sign(priv, payload)

	v := Value{
		publicKey: pub,
		nonce:     nonce,
		seq:       seq,
		mutable:   true,
		data:      append([]byte(nil), data...),
	}
	copy(v.signature[:], sig)
	return v, nil
}

// CreateEncryptedValue builds an encrypted mutable value: plaintext is
// sealed with crypto_box from priv's owner key to recipient's Curve25519
// form, and the signature covers the nonce, sequence and ciphertext.
func CreateEncryptedValue(priv ed25519.PrivateKey, recipient id.Id, nonce [NonceSize]byte, seq uint32, plaintext []byte) (Value, error) {
	if nonce == ([NonceSize]byte{}) {
		if _, err := rand.Read(nonce[:]); err != nil {
			return Value{}, err
		}
	}
	pub, err := idFromPrivate(priv)
	if err != nil {
		return Value{}, err
	}
	recipientCurve, err := edPublicKeyToCurve25519(ed25519.PublicKey(recipient[:]))
	if err != nil {
		return Value{}, err
	}
	senderCurve := edPrivateKeyToCurve25519(priv)

	var nonceArr [24]byte
	copy(nonceArr[:], nonce[:])
	ciphertext := box.Seal(nil, plaintext, &nonceArr, &recipientCurve, &senderCurve)

	payload := signingPayload(nonce, seq, ciphertext)
	sig := ed25519.Sign(priv, payload)

	v := Value{
		publicKey: pub,
		recipient: recipient,
		nonce:     nonce,
		seq:       seq,
		mutable:   true,
		encrypted: true,
		data:      ciphertext,
	}
	copy(v.signature[:], sig)
	return v, nil
}

// Open decrypts an encrypted value addressed to recipientPriv, verifying the
// signature first. It returns ErrNotEncrypted for non-encrypted values and
// ErrCiphertextTooShort when the ciphertext is shorter than BoxOverhead.
func (v Value) Open(recipientPriv ed25519.PrivateKey) ([]byte, error) {
	if !v.encrypted {
		return nil, ErrNotEncrypted
	}
	if len(v.data) < BoxOverhead {
		return nil, ErrCiphertextTooShort
	}
	if !v.IsValid() {
		return nil, ErrInvalidSignature
	}
	senderCurve, err := edPublicKeyToCurve25519(ed25519.PublicKey(v.publicKey[:]))
	if err != nil {
		return nil, err
	}
	recipientCurve := edPrivateKeyToCurve25519(recipientPriv)

	var nonceArr [24]byte
	copy(nonceArr[:], v.nonce[:])
	plain, ok := box.Open(nil, v.data, &nonceArr, &senderCurve, &recipientCurve)
	if !ok {
		return nil, ErrInvalidSignature
	}
	return plain, nil
}

// IsValid reports whether v is well-formed: immutable values are always
// valid (there is nothing to verify), mutable values must carry a
// signature that verifies under k over the canonical payload, and
// encrypted values must additionally have ciphertext at least BoxOverhead
// long.
func (v Value) IsValid() bool {
	if !v.mutable {
		return true
	}
	if v.encrypted && len(v.data) < BoxOverhead {
		return false
	}
	payload := signingPayload(v.nonce, v.seq, v.data)
	return ed25519.Verify(ed25519.PublicKey(v.publicKey[:]), payload, v.signature[:])
}

// Update produces a new Value with seq+1 and a fresh signature, keeping k,
// rec and n constant so the Id is unchanged. It is the only legal way to
// advance a mutable value's sequence number. newData is plaintext in both
// the signed and encrypted cases (encrypted values are re-sealed).
func (v Value) Update(newData []byte, priv ed25519.PrivateKey) (Value, error) {
	if !v.mutable {
		return Value{}, ErrNotMutable
	}
	if v.encrypted {
		return CreateEncryptedValue(priv, v.recipient, v.nonce, v.seq+1, newData)
	}
	return CreateSignedValue(priv, v.nonce, v.seq+1, newData)
}

// FromWireFields reconstructs a Value from decoded wire fields, without
// re-deriving anything. Callers (the wire codec, RPC handlers) must call
// IsValid on the result before trusting it. publicKey and recipient should
// be passed as id.Zero when absent from the wire message.
func FromWireFields(publicKey, recipient id.Id, nonce [NonceSize]byte, seq uint32, signature [ed25519.SignatureSize]byte, data []byte) Value {
	v := Value{
		publicKey: publicKey,
		recipient: recipient,
		nonce:     nonce,
		seq:       seq,
		signature: signature,
		data:      append([]byte(nil), data...),
		mutable:   !publicKey.IsZero(),
		encrypted: !recipient.IsZero(),
	}
	return v
}

func idFromPrivate(priv ed25519.PrivateKey) (id.Id, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok || len(pub) != id.Size {
		return id.Zero, ErrInvalidKey
	}
	return id.FromBytes(pub)
}
