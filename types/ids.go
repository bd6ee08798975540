// Package types defines the identifiers and small value types shared by
// every Node component: block/tx/node identity hashes, the scheduler's
// TaskKey, height ranges used by the Compressor, and the capability
// bitset exchanged during the peer handshake.
//
// Identifiers are Blake2b-256 digests, matching the hash the original
// source (original_source/beam/core/*) uses throughout for BlockID/TxID —
// spec.md §1 excludes cryptographic primitives from scope beyond naming
// this hash.
package types

import "golang.org/x/crypto/blake2b"

// BlockID identifies a header/body pair by content hash.
type BlockID [32]byte

// TxID identifies a pool transaction by content hash.
type TxID [32]byte

// NodeID identifies a peer's authenticated identity (announced in
// proto.PeerInfoSelf after the proto.SChannelAuthentication handshake).
type NodeID [32]byte

func (id BlockID) String() string { return hexShort(id[:]) }
func (id TxID) String() string    { return hexShort(id[:]) }
func (id NodeID) String() string  { return hexShort(id[:]) }

func hexShort(b []byte) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 8)
	for i := 0; i < 4; i++ {
		out[2*i] = hexDigits[b[i]>>4]
		out[2*i+1] = hexDigits[b[i]&0xf]
	}
	return string(out)
}

// HashBlockID derives a BlockID from arbitrary header bytes.
func HashBlockID(headerBytes []byte) BlockID { return BlockID(blake2b.Sum256(headerBytes)) }

// HashTxID derives a TxID from a transaction's canonical encoding.
func HashTxID(txBytes []byte) TxID { return TxID(blake2b.Sum256(txBytes)) }

// HeightRange is the inclusive [Lo, Hi] height span aggregated into one
// macroblock, or walked by the Compressor in chunks.
type HeightRange struct {
	Lo, Hi uint64
}

func (r HeightRange) Len() uint64 { return r.Hi - r.Lo + 1 }

// PeerConfig is the capability bitset advertised in the Config message
// (spec.md §4.2, §6). Checksum lets both ends detect a protocol/genesis
// mismatch before trusting anything else the peer says.
type PeerConfig struct {
	SpreadingTransactions bool
	Mining                bool
	AutoSendHeader        bool
	SendPeers             bool
	Checksum              [32]byte
}
