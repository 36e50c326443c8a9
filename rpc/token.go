package rpc

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/boson-network/boson/id"
)

// tokenRotationInterval is how often the token secret rotates (spec §4.5).
const tokenRotationInterval = 5 * time.Minute

// TokenIssuer computes and verifies the 32-bit write-authorization tokens
// handed out for lookup requests with wantToken=true (spec §4.5). The
// previous secret remains valid for one rotation interval after rotating,
// giving callers a grace window to use a token issued just before rotation.
type TokenIssuer struct {
	mu       sync.Mutex
	current  []byte
	previous []byte
	rotated  time.Time
}

// NewTokenIssuer seeds a fresh random secret.
func NewTokenIssuer() *TokenIssuer {
	t := &TokenIssuer{rotated: time.Now()}
	t.current = randomSecret()
	return t
}

func randomSecret() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// MaybeRotate rotates the secret if tokenRotationInterval has elapsed since
// the last rotation. Intended to be called periodically from the node's
// maintenance loop (spec §4.7).
func (t *TokenIssuer) MaybeRotate(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if now.Sub(t.rotated) < tokenRotationInterval {
		return
	}
	t.previous = t.current
	t.current = randomSecret()
	t.rotated = now
	evTokenRotation.Fire("at", now.Unix())
}

// Issue computes tok = HMAC(secret, remoteIP || remotePort || target)[:4]
// (spec §4.5).
func (t *TokenIssuer) Issue(remote *net.UDPAddr, target id.Id) uint32 {
	t.mu.Lock()
	secret := t.current
	t.mu.Unlock()
	return computeToken(secret, remote, target)
}

// Verify reports whether tok validates against either the current or
// previous secret.
func (t *TokenIssuer) Verify(tok uint32, remote *net.UDPAddr, target id.Id) bool {
	t.mu.Lock()
	cur, prev := t.current, t.previous
	t.mu.Unlock()
	if tok == computeToken(cur, remote, target) {
		return true
	}
	if prev != nil && tok == computeToken(prev, remote, target) {
		return true
	}
	return false
}

func computeToken(secret []byte, remote *net.UDPAddr, target id.Id) uint32 {
	mac := hmac.New(sha256.New, secret)
	mac.Write(remote.IP.To16())
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], uint16(remote.Port))
	mac.Write(portBuf[:])
	mac.Write(target[:])
	sum := mac.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}
