package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Galeaf11/sdk/entities"
)

const (
	TypeStart        = "start"
	TypeStop         = "stop"
	TypeHeartbeat    = "heartbeat"
	TypeConnected    = "connected"
	TypeDisconnected = "disconnected"
	TypeMessage      = "message"

	TypeRequest = "request"
	TypeCancel  = "cancel"
	TypeDelete  = "delete"
	TypeExpire  = "expire"
	TypeClear   = "clear"
	TypeOffer   = "offer"
	TypeDeal    = "deal"
)

//Event is anything an Emitter can deliver
type Event interface {
	Type() string
}

//---------------------------<OVERLAY>

type Start struct{}

func (Start) Type() string { return TypeStart }

type Stop struct{}

func (Stop) Type() string { return TypeStop }

type Heartbeat struct{}

func (Heartbeat) Type() string { return TypeHeartbeat }

//Connected occurs when a peer joins the overlay
type Connected struct {
	Peer peer.ID
}

func (Connected) Type() string { return TypeConnected }

type Disconnected struct {
	Peer peer.ID
}

func (Disconnected) Type() string { return TypeDisconnected }

//Message occurs for every message received on a subscribed topic
type Message struct {
	Topic string
	From  peer.ID
	Data  []byte
}

func (Message) Type() string { return TypeMessage }

//---------------------------</OVERLAY>
//---------------------------<REGISTRY>

//Request occurs when a record is added to a registry
type Request[T any] struct {
	Data T
}

func (Request[T]) Type() string { return TypeRequest }

type Cancel[T any] struct {
	Data T
}

func (Cancel[T]) Type() string { return TypeCancel }

type Delete[T any] struct {
	Data T
}

func (Delete[T]) Type() string { return TypeDelete }

//Expire occurs for every record removed by a prune
type Expire[T any] struct {
	Data T
}

func (Expire[T]) Type() string { return TypeExpire }

type Clear struct{}

func (Clear) Type() string { return TypeClear }

//Offer occurs when an offer is attached to a known request
type Offer struct {
	RequestID common.Hash
	OfferID   common.Hash
}

func (Offer) Type() string { return TypeOffer }

//Deal occurs when the on-chain status of a tracked deal changes
type Deal struct {
	OfferID common.Hash
	Status  entities.DealStatus
}

func (Deal) Type() string { return TypeDeal }

//---------------------------</REGISTRY>
