// Package proto defines the P2P wire message set named in spec.md §6.
// Messages are expressed as one Go struct per kind plus a Kind tag,
// dispatched with a switch in package peer (spec.md §9 "Polymorphism over
// message kinds": "Express as a tagged variant with one handler per tag on
// the Peer, rather than virtual dispatch — keeps the state machine
// inspectable in tests."). Wire encoding of individual messages is out of
// scope (spec.md §1 Non-goals); only names and essential fields are
// specified here.
package proto

import "github.com/duskveil/node/types"

// Kind tags a Message's concrete payload type.
type Kind int

const (
	KindConfig Kind = iota
	KindPeerInfoSelf
	KindPing
	KindPong
	KindNewTip
	KindGetHdr
	KindHdr
	KindGetBody
	KindBody
	KindDataMissing
	KindNewTransaction
	KindBoolean
	KindHaveTransaction
	KindGetTransaction
	KindGetMined
	KindMined
	KindGetProofState
	KindGetProofKernel
	KindGetProofUtxo
	KindProof
	KindProofUtxo
	KindSChannelAuthentication
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "Config"
	case KindPeerInfoSelf:
		return "PeerInfoSelf"
	case KindPing:
		return "Ping"
	case KindPong:
		return "Pong"
	case KindNewTip:
		return "NewTip"
	case KindGetHdr:
		return "GetHdr"
	case KindHdr:
		return "Hdr"
	case KindGetBody:
		return "GetBody"
	case KindBody:
		return "Body"
	case KindDataMissing:
		return "DataMissing"
	case KindNewTransaction:
		return "NewTransaction"
	case KindBoolean:
		return "Boolean"
	case KindHaveTransaction:
		return "HaveTransaction"
	case KindGetTransaction:
		return "GetTransaction"
	case KindGetMined:
		return "GetMined"
	case KindMined:
		return "Mined"
	case KindGetProofState:
		return "GetProofState"
	case KindGetProofKernel:
		return "GetProofKernel"
	case KindGetProofUtxo:
		return "GetProofUtxo"
	case KindProof:
		return "Proof"
	case KindProofUtxo:
		return "ProofUtxo"
	case KindSChannelAuthentication:
		return "SChannelAuthentication"
	default:
		return "Unknown"
	}
}

// Message is the envelope every inbound/outbound wire item satisfies.
type Message interface {
	Kind() Kind
}

type Config struct {
	Cfg types.PeerConfig
}

func (Config) Kind() Kind { return KindConfig }

type PeerInfoSelf struct {
	ID         types.NodeID
	ListenPort uint16
}

func (PeerInfoSelf) Kind() Kind { return KindPeerInfoSelf }

type Ping struct{}

func (Ping) Kind() Kind { return KindPing }

type Pong struct{}

func (Pong) Kind() Kind { return KindPong }

type NewTip struct {
	ID     types.BlockID
	Height uint64
}

func (NewTip) Kind() Kind { return KindNewTip }

type GetHdr struct {
	ID     types.BlockID
	Height uint64
}

func (GetHdr) Kind() Kind { return KindGetHdr }

type Hdr struct {
	ID   types.BlockID
	Desc []byte
}

func (Hdr) Kind() Kind { return KindHdr }

type GetBody struct {
	ID     types.BlockID
	Height uint64
}

func (GetBody) Kind() Kind { return KindGetBody }

type Body struct {
	ID  types.BlockID
	Buf []byte
}

func (Body) Kind() Kind { return KindBody }

// DataMissing replies to either a GetHdr or GetBody whose ID this peer
// does not have (spec.md §8 B1: "never disconnects").
type DataMissing struct {
	ID types.BlockID
}

func (DataMissing) Kind() Kind { return KindDataMissing }

type NewTransaction struct {
	ID  types.TxID
	Raw []byte
}

func (NewTransaction) Kind() Kind { return KindNewTransaction }

type Boolean struct {
	Value bool
}

func (Boolean) Kind() Kind { return KindBoolean }

type HaveTransaction struct {
	ID types.TxID
}

func (HaveTransaction) Kind() Kind { return KindHaveTransaction }

type GetTransaction struct {
	ID types.TxID
}

func (GetTransaction) Kind() Kind { return KindGetTransaction }

type GetMined struct {
	Height uint64
}

func (GetMined) Kind() Kind { return KindGetMined }

type Mined struct {
	Height uint64
	ID     types.BlockID
	Fees   uint64
}

func (Mined) Kind() Kind { return KindMined }

type GetProofState struct {
	Key []byte
}

func (GetProofState) Kind() Kind { return KindGetProofState }

type GetProofKernel struct {
	ID types.TxID
}

func (GetProofKernel) Kind() Kind { return KindGetProofKernel }

type GetProofUtxo struct {
	Key []byte
}

func (GetProofUtxo) Kind() Kind { return KindGetProofUtxo }

type Proof struct {
	Key  []byte
	Data []byte
}

func (Proof) Kind() Kind { return KindProof }

type ProofUtxo struct {
	Key  []byte
	Data []byte
}

func (ProofUtxo) Kind() Kind { return KindProofUtxo }

// SChannelAuthentication is the authenticated-channel handshake message
// every connection must complete before any other message is meaningful
// (spec.md §6).
type SChannelAuthentication struct {
	Nonce     [32]byte
	Signature []byte
}

func (SChannelAuthentication) Kind() Kind { return KindSChannelAuthentication }
