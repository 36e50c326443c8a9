package id

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrip(t *testing.T) {
	a := Random()

	b58, err := FromBase58(a.Base58())
	require.NoError(t, err)
	assert.Equal(t, a, b58)

	hx, err := FromHex(a.Hex())
	require.NoError(t, err)
	assert.Equal(t, a, hx)

	hxNoPrefix, err := FromHex(a.Hex()[2:])
	require.NoError(t, err)
	assert.Equal(t, a, hxNoPrefix)

	did, err := FromDID(a.DID())
	require.NoError(t, err)
	assert.Equal(t, a, did)
}

func TestFromHexRejectsBadInput(t *testing.T) {
	_, err := FromHex("0xzz")
	assert.ErrorIs(t, err, ErrInvalidHex)

	_, err = FromHex("0x" + "ab")
	assert.ErrorIs(t, err, ErrInvalidLength)
}

func TestFromDIDRejectsWrongScheme(t *testing.T) {
	_, err := FromDID("did:key:" + Random().Base58())
	assert.ErrorIs(t, err, ErrInvalidDID)
}

func TestDistanceIdentityAndSymmetry(t *testing.T) {
	f := func(a, b [32]byte) bool {
		ida, idb := Id(a), Id(b)
		if Distance(ida, ida) != Zero {
			return false
		}
		return Distance(ida, idb) == Distance(idb, ida)
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestApproxDistanceRange(t *testing.T) {
	f := func(a, b [32]byte) bool {
		d := ApproxDistance(Id(a), Id(b))
		return d >= 0 && d <= Bits
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestApproxDistanceZeroForEqual(t *testing.T) {
	a := Random()
	assert.Equal(t, 0, ApproxDistance(a, a))
}

func TestThreeWayCompare(t *testing.T) {
	target := Zero
	near := Id{0x01}
	far := Id{0xFF}
	assert.Negative(t, ThreeWayCompare(target, near, far))
	assert.Positive(t, ThreeWayCompare(target, far, near))
	assert.Zero(t, ThreeWayCompare(target, near, near))
}

func TestGetIdByDistanceProducesApproxDistance(t *testing.T) {
	base := Random()
	for _, d := range []int{0, 1, 8, 63, 128, 200, 255, 256} {
		got := GetIdByDistance(base, d)
		assert.Equal(t, d, ApproxDistance(base, got), "d=%d", d)
	}
}

func TestBitsEqualAndBitsCopy(t *testing.T) {
	a := Random()
	var b Id
	BitsCopy(a, &b, 19)
	assert.True(t, BitsEqual(a, b, 19))
	// bit 20 onward is untouched (still zero in b), so equality should not
	// generally extend further unless a also happens to be zero there.
}

func TestAddModulo(t *testing.T) {
	var max Id
	for i := range max {
		max[i] = 0xFF
	}
	one := Id{}
	one[Size-1] = 1
	sum := Add(max, one)
	assert.Equal(t, Zero, sum, "max + 1 must wrap to zero mod 2^256")
}

func TestHash256Deterministic(t *testing.T) {
	data := []byte("hello boson")
	assert.Equal(t, Hash256(data), Hash256(data))
	assert.NotEqual(t, Hash256(data), Hash256([]byte("other")))
}
