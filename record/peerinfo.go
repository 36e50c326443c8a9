package record

import (
	"crypto/rand"
	"encoding/binary"
	"math"

	"golang.org/x/crypto/ed25519"

	"github.com/boson-network/boson/id"
)

// PeerInfo is a signed announcement that a service reachable at Endpoint is
// owned by ID. Fingerprint disambiguates multiple peers announced under the
// same owner id; (ID, Fingerprint) is the composite primary key (spec §3).
type PeerInfo struct {
	peerID      id.Id
	nonce       [NonceSize]byte
	seq         uint32
	hasOrigin   bool
	origin      id.Id
	originSig   [ed25519.SignatureSize]byte
	signature   [ed25519.SignatureSize]byte
	fingerprint int64
	endpoint    string
	extra       []byte
}

// ID returns the owning service's public key.
func (p PeerInfo) ID() id.Id { return p.peerID }

// Nonce returns n.
func (p PeerInfo) Nonce() [NonceSize]byte { return p.nonce }

// Sequence returns seq.
func (p PeerInfo) Sequence() uint32 { return p.seq }

// Origin returns the origin id and whether one is present. When absent, the
// peer was announced directly by its owner and origin equals ID implicitly.
func (p PeerInfo) Origin() (id.Id, bool) { return p.origin, p.hasOrigin }

// Fingerprint disambiguates multiple peers sharing ID.
func (p PeerInfo) Fingerprint() int64 { return p.fingerprint }

// Endpoint is the URI at which the service is reachable.
func (p PeerInfo) Endpoint() string { return p.endpoint }

// Extra is an opaque, application-defined trailer, nil if absent.
func (p PeerInfo) Extra() []byte {
	if p.extra == nil {
		return nil
	}
	out := make([]byte, len(p.extra))
	copy(out, p.extra)
	return out
}

// Signature returns the owner's signature.
func (p PeerInfo) Signature() [ed25519.SignatureSize]byte { return p.signature }

// OriginSignature returns the origin's signature, the zero value if no
// origin is present.
func (p PeerInfo) OriginSignature() [ed25519.SignatureSize]byte { return p.originSig }

// IsAuthenticated reports whether an origin is present and its signature
// verifies, i.e. a third party vouched for this announcement (spec §3, §GLOSSARY).
func (p PeerInfo) IsAuthenticated() bool {
	if !p.hasOrigin {
		return false
	}
	payload := p.signingPayload()
	return ed25519.Verify(ed25519.PublicKey(p.origin[:]), payload, p.originSig[:])
}

// IsValid verifies the owner's signature (and, if present, the origin's)
// over the canonical payload. A PeerInfo with a bad signature must be
// rejected at parse time (spec §4.2).
func (p PeerInfo) IsValid() bool {
	payload := p.signingPayload()
	if !ed25519.Verify(ed25519.PublicKey(p.peerID[:]), payload, p.signature[:]) {
		return false
	}
	if p.hasOrigin {
		return ed25519.Verify(ed25519.PublicKey(p.origin[:]), payload, p.originSig[:])
	}
	return true
}

// signingPayload builds the canonical bytes both the owner and (if present)
// the origin sign: id || nonce || seq_le || origin? || fingerprint_le ||
// endpoint_utf8 || extra?. Missing optionals are omitted, not zero-filled.
func (p PeerInfo) signingPayload() []byte {
	buf := make([]byte, 0, id.Size+NonceSize+4+id.Size+8+len(p.endpoint)+len(p.extra))
	buf = append(buf, p.peerID[:]...)
	buf = append(buf, p.nonce[:]...)

	var seqBuf [4]byte
	binary.LittleEndian.PutUint32(seqBuf[:], p.seq)
	buf = append(buf, seqBuf[:]...)

	if p.hasOrigin {
		buf = append(buf, p.origin[:]...)
	}

	var fpBuf [8]byte
	binary.LittleEndian.PutUint64(fpBuf[:], uint64(p.fingerprint))
	buf = append(buf, fpBuf[:]...)

	buf = append(buf, []byte(p.endpoint)...)
	if p.extra != nil {
		buf = append(buf, p.extra...)
	}
	return buf
}

// CreatePeerInfo builds a PeerInfo announcing endpoint as owned by owner.
// If origin is non-nil and its public key differs from owner's, the origin
// additionally signs the payload and IsAuthenticated will report true.
// A zero fingerprint causes a random 64-bit fingerprint to be drawn.
func CreatePeerInfo(owner ed25519.PrivateKey, origin ed25519.PrivateKey, seq uint32, fingerprint int64, endpoint string, extra []byte) (PeerInfo, error) {
	if endpoint == "" {
		return PeerInfo{}, ErrEmptyEndpoint
	}
	ownerID, err := idFromPrivate(owner)
	if err != nil {
		return PeerInfo{}, err
	}

	var nonce [NonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return PeerInfo{}, err
	}

	if fingerprint == 0 {
		fingerprint = randomFingerprint()
	}

	p := PeerInfo{
		peerID:      ownerID,
		nonce:       nonce,
		seq:         seq,
		fingerprint: fingerprint,
		endpoint:    endpoint,
		extra:       append([]byte(nil), extra...),
	}

	if origin != nil {
		originID, err := idFromPrivate(origin)
		if err != nil {
			return PeerInfo{}, err
		}
		if originID != ownerID {
			p.hasOrigin = true
			p.origin = originID
		}
	}

	payload := p.signingPayload()
	copy(p.signature[:], ed25519.Sign(owner, payload))
	if p.hasOrigin {
		copy(p.originSig[:], ed25519.Sign(origin, payload))
	}
	return p, nil
}

// PeerInfoFromWireFields reconstructs a PeerInfo from decoded wire fields
// without re-deriving anything. Callers must call IsValid before trusting
// the result. Pass hasOrigin=false when the origin field was absent on the
// wire.
func PeerInfoFromWireFields(peerID id.Id, nonce [NonceSize]byte, seq uint32, hasOrigin bool, origin id.Id, originSig [ed25519.SignatureSize]byte, signature [ed25519.SignatureSize]byte, fingerprint int64, endpoint string, extra []byte) PeerInfo {
	return PeerInfo{
		peerID:      peerID,
		nonce:       nonce,
		seq:         seq,
		hasOrigin:   hasOrigin,
		origin:      origin,
		originSig:   originSig,
		signature:   signature,
		fingerprint: fingerprint,
		endpoint:    endpoint,
		extra:       append([]byte(nil), extra...),
	}
}

func randomFingerprint() int64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(err)
		}
		v := int64(binary.LittleEndian.Uint64(b[:]) & math.MaxInt64)
		if v != 0 {
			return v
		}
	}
}
