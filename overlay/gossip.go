package overlay

import (
	"context"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
)

//Message is a payload received from the transport
type Message struct {
	Topic string
	//From is the peer that handed the message to us
	From peer.ID
	Data []byte
	//Direct is set for point-to-point pushes, unset for gossip deliveries
	Direct bool
}

//Handler receives transport callbacks
type Handler interface {
	HandleMessage(msg Message)
	PeerAdded(p peer.ID, dir network.Direction, addr multiaddr.Multiaddr)
	PeerRemoved(p peer.ID)
	Heartbeat()
}

//Gossip is the generic pub/sub capability the overlay decorates
type Gossip interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Subscribed(topic string) bool

	Publish(ctx context.Context, topic string, data []byte) error
	//SendTo pushes data for topic to a single peer, bypassing the mesh
	SendTo(ctx context.Context, p peer.ID, topic string, data []byte) error

	//TopicPeers are the peers known to be subscribed to topic
	TopicPeers(topic string) []peer.ID
	//Peers are the peers currently connected
	Peers() []peer.ID

	//SetHandler routes transport callbacks, nil detaches
	SetHandler(h Handler)
}
