package kbucket

import (
	"fmt"

	"github.com/boson-network/boson/id"
)

// Prefix identifies a node in the binary trie that partitions the id space
// into routing table buckets: a bit string of length Len, left-justified
// into Bits with all trailing bits zero. Len 0 is the root prefix, matching
// every id (spec §4.3).
type Prefix struct {
	Len  int
	Bits id.Id
}

// RootPrefix is the unsplit prefix covering the entire id space.
func RootPrefix() Prefix { return Prefix{} }

// Splittable reports whether p can still be split, i.e. it has not already
// narrowed to a single id.
func (p Prefix) Splittable() bool {
	return p.Len < id.Bits
}

// IsPrefixOf reports whether target's first Len bits equal p.Bits's.
func (p Prefix) IsPrefixOf(target id.Id) bool {
	return id.BitsEqual(p.Bits, target, p.Len-1)
}

// SplitBranch returns the child prefix obtained by appending bit b
// (0 for the low/home-leaning branch, 1 for the high branch).
func (p Prefix) SplitBranch(high bool) Prefix {
	child := Prefix{Len: p.Len + 1, Bits: p.Bits}
	if high {
		setBit(&child.Bits, p.Len, true)
	}
	return child
}

// Parent returns the prefix one level up the trie. Calling Parent on the
// root prefix returns the root prefix unchanged.
func (p Prefix) Parent() Prefix {
	if p.Len == 0 {
		return p
	}
	parent := Prefix{Len: p.Len - 1, Bits: p.Bits}
	setBit(&parent.Bits, p.Len-1, false)
	return parent
}

// IsSiblingOf reports whether p and other are the two children of the same
// parent prefix: equal length, equal in all but their last bit.
func (p Prefix) IsSiblingOf(other Prefix) bool {
	if p.Len != other.Len || p.Len == 0 {
		return false
	}
	return p.Parent().Bits == other.Parent().Bits
}

// End returns the largest id covered by p: Bits with every bit past Len set.
func (p Prefix) End() id.Id {
	out := p.Bits
	for bit := p.Len; bit < id.Bits; bit++ {
		setBit(&out, bit, true)
	}
	return out
}

// String renders the covered range CIDR style: the prefix bytes in hex
// followed by the bit length.
func (p Prefix) String() string {
	return fmt.Sprintf("%x/%d", p.Bits[:(p.Len+7)/8], p.Len)
}

func getBit(v id.Id, pos int) bool {
	return v[pos/8]&(1<<uint(7-pos%8)) != 0
}

func setBit(v *id.Id, pos int, on bool) {
	mask := byte(1 << uint(7-pos%8))
	if on {
		v[pos/8] |= mask
	} else {
		v[pos/8] &^= mask
	}
}
