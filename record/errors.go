package record

import "errors"

var (
	// ErrEmptyEndpoint is returned by PeerInfo construction when the
	// endpoint URI is empty (spec §4.2 step 1).
	ErrEmptyEndpoint = errors.New("record: peer endpoint must not be empty")
	// ErrInvalidKey is returned when a key is the wrong length or otherwise
	// structurally invalid (e.g. an Ed25519 point that doesn't decode to a
	// valid Curve25519 u-coordinate).
	ErrInvalidKey = errors.New("record: invalid key")
	// ErrInvalidSignature is returned when a signature fails to verify.
	ErrInvalidSignature = errors.New("record: invalid signature")
	// ErrNotMutable is returned by Update on an immutable Value.
	ErrNotMutable = errors.New("record: value is not mutable")
	// ErrCiphertextTooShort is returned when an encrypted Value's ciphertext
	// is shorter than the box MAC.
	ErrCiphertextTooShort = errors.New("record: ciphertext shorter than MAC")
	// ErrNotEncrypted is returned by Open on a Value that has no recipient.
	ErrNotEncrypted = errors.New("record: value is not encrypted")
)
