package p2p

import (
	"context"
	"io"

	ggio "github.com/gogo/protobuf/io"
	pb "github.com/libp2p/go-libp2p-pubsub/pb"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/overlay"
)

const (
	DirectProtocol = protocol.ID("/market/direct/1.0.0")

	maxFrameSize = 1 << 20
)

//Connector pushes messages to a single peer over a dedicated stream,
//framed as pubsub RPCs
type Connector struct {
	logger    *zap.Logger
	host      host.Host
	onMessage func(overlay.Message)
}

func NewConnector(logger *zap.Logger, h host.Host, onMessage func(overlay.Message)) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connector{
		logger:    logger.Named("connector"),
		host:      h,
		onMessage: onMessage,
	}

	c.host.SetStreamHandler(DirectProtocol, func(s network.Stream) {
		go c.reader(s)
	})

	return c
}

func (c *Connector) Close() {
	c.host.RemoveStreamHandler(DirectProtocol)
}

func (c *Connector) reader(s network.Stream) {
	defer s.Close()

	from := s.Conn().RemotePeer()
	reader := ggio.NewDelimitedReader(s, maxFrameSize)
	for {
		var rpc pb.RPC
		if err := reader.ReadMsg(&rpc); err != nil {
			if err != io.EOF {
				c.logger.Warn("couldn't read direct message from stream", zap.Stringer("peer", from), zap.Error(err))
				s.Reset()
			}
			return
		}

		for _, m := range rpc.GetPublish() {
			c.onMessage(overlay.Message{
				Topic:  m.GetTopic(),
				From:   from,
				Data:   m.GetData(),
				Direct: true,
			})
		}
	}
}

//Send writes one message for topic to p
func (c *Connector) Send(ctx context.Context, p peer.ID, topic string, data []byte) error {
	s, err := c.host.NewStream(ctx, p, DirectProtocol)
	if err != nil {
		return errors.Wrap(err, "opening direct stream")
	}

	rpc := &pb.RPC{
		Publish: []*pb.Message{{
			Topic: &topic,
			Data:  data,
		}},
	}

	writer := ggio.NewDelimitedWriter(s)
	if err := writer.WriteMsg(rpc); err != nil {
		s.Reset()
		return errors.Wrap(err, "writing direct message to stream")
	}
	if err := s.Close(); err != nil {
		return errors.Wrap(err, "closing direct stream")
	}

	c.logger.Debug("sent direct message", zap.Stringer("peer", p), zap.String("topic", topic))
	return nil
}
