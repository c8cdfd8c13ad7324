package registry

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/messages"
)

const DefaultNoncePeriod = 10 * time.Minute

type NodeOptions[Q any] struct {
	//NoncePeriod is how long an accepted request id stays in the replay window
	NoncePeriod time.Duration
	//Validate checks the application query, nil accepts everything
	Validate func(query Q) error
	Now      func() time.Time
}

//NodeRequests is the supplier side registry fed with raw wire messages
type NodeRequests[Q any, O any] struct {
	*Requests[Q, O]

	period   time.Duration
	validate func(Q) error
	//seen holds, per topic, the ids accepted within the nonce period
	seen map[string]map[common.Hash]time.Time
}

func NewNodeRequests[Q any, O any](logger *zap.Logger, opts NodeOptions[Q]) *NodeRequests[Q, O] {
	if opts.NoncePeriod <= 0 {
		opts.NoncePeriod = DefaultNoncePeriod
	}
	return &NodeRequests[Q, O]{
		Requests: newRequests[Q, O](logger, "node", RequestsOptions{Now: opts.Now}),
		period:   opts.NoncePeriod,
		validate: opts.Validate,
		seen:     make(map[string]map[common.Hash]time.Time),
	}
}

//AddRaw decodes and validates a request received on topic. The error tells
//why a message was dropped, ErrNotRequest marks other message kinds.
func (n *NodeRequests[Q, O]) AddRaw(topic string, data []byte) error {
	if messages.KindOf(data) != messages.KindRequest {
		return ErrNotRequest
	}

	req, err := messages.DecodeRequest[Q](data)
	if err != nil {
		n.reject("malformed", err, zap.String("topic", topic))
		return err
	}
	fields := []zap.Field{zap.String("topic", topic), zap.String("id", req.ID.Hex())}

	if req.Topic != topic {
		n.reject("topic", ErrTopicMismatch, fields...)
		return ErrTopicMismatch
	}
	if n.validate != nil {
		if err := n.validate(req.Query); err != nil {
			n.reject("query", err, fields...)
			return errors.Wrap(err, "validating request query")
		}
	}

	id, err := messages.RequestID(req)
	if err != nil {
		return errors.Wrap(err, "hashing request")
	}
	if id != req.ID {
		n.reject("id", ErrIDMismatch, fields...)
		return ErrIDMismatch
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if messages.Expired(req.Expire, now) {
		n.reject("expired", ErrExpired, fields...)
		return ErrExpired
	}
	if !n.admitNonce(topic, req.ID, req.Nonce, now) {
		n.reject("nonce", ErrNonceWindow, fields...)
		return ErrNonceWindow
	}

	n.add(req)
	return nil
}

//admitNonce must be called with mu held
func (n *NodeRequests[Q, O]) admitNonce(topic string, id common.Hash, nonce int64, now time.Time) bool {
	if nonce <= 0 {
		return false
	}

	window, ok := n.seen[topic]
	if !ok {
		window = make(map[common.Hash]time.Time)
		n.seen[topic] = window
	}
	horizon := now.Add(-n.period)
	for seenID, at := range window {
		if at.Before(horizon) {
			delete(window, seenID)
		}
	}

	if _, replay := window[id]; replay {
		return false
	}
	window[id] = now
	return true
}
