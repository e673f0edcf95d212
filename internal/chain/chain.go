// Package chain computes the cryptographic links of the audit chain.
//
// Every record digest is a domain-separated SHA-256 over the record's
// canonical encoding bound to the previous digest, so altering any record
// invalidates every digest computed after it. Segments link to each other
// through their seal digests, forming one chain across the whole log.
package chain

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
)

// Domain separation labels. Changing any of these breaks verification of
// existing logs, so they carry an explicit version suffix.
const (
	domainGenesis = "proctord/genesis/v1"
	domainRecord  = "proctord/record/v1"
	domainSeal    = "proctord/seal/v1"
	domainSign    = "proctord/sign/v1"
)

// Digest is a 32-byte chain digest.
type Digest [32]byte

// Genesis returns the fixed constant the first record of the first segment
// links to.
func Genesis() Digest {
	return hashDomain(domainGenesis)
}

// Link computes the digest of a record given the previous digest and the
// record's canonical encoding. Pure and deterministic: the same inputs
// always produce the same digest.
func Link(prev Digest, canonical []byte) Digest {
	return hashDomain(domainRecord, prev[:], canonical)
}

// Seal computes a segment's seal digest. The final chain digest commits to
// the full ordered record sequence (each record digest covers its
// predecessor), so (id, count, last) pins the segment contents.
func Seal(segmentID, recordCount uint64, last Digest) Digest {
	var idb, cntb [8]byte
	binary.BigEndian.PutUint64(idb[:], segmentID)
	binary.BigEndian.PutUint64(cntb[:], recordCount)
	return hashDomain(domainSeal, idb[:], cntb[:], last[:])
}

// SigningBytes returns the canonical byte string that is signed for a sealed
// segment and used as AEAD associated data for its payload.
func SigningBytes(segmentID uint64, seal, prevSeal Digest) []byte {
	buf := make([]byte, 0, 1+len(domainSign)+8+64)
	buf = append(buf, byte(len(domainSign)))
	buf = append(buf, domainSign...)
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], segmentID)
	buf = append(buf, idb[:]...)
	buf = append(buf, seal[:]...)
	buf = append(buf, prevSeal[:]...)
	return buf
}

// Equal compares two digests in constant time.
func Equal(a, b Digest) bool {
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// hashDomain computes SHA-256 over a length-prefixed domain label followed
// by the data chunks.
func hashDomain(domain string, data ...[]byte) Digest {
	h := sha256.New()
	h.Write([]byte{byte(len(domain))})
	h.Write([]byte(domain))
	for _, d := range data {
		h.Write(d)
	}
	var out Digest
	copy(out[:], h.Sum(nil))
	return out
}
