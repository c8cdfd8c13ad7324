package node

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Galeaf11/sdk/chain"
	"github.com/Galeaf11/sdk/entities"
	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/messages"
	"github.com/Galeaf11/sdk/registry"
)

const (
	DefaultOfferExpire   = 15 * time.Minute
	DefaultClaimInterval = 5 * time.Second
)

//Transport is the overlay capability a node needs
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	Events() events.Subscriber
}

//RequestHandler is called for every request accepted by the node
type RequestHandler[Q any, O any] func(ctx context.Context, n *Node[Q, O], rec registry.RequestRecord[Q, O])

type Options[Q any, O any] struct {
	Topics      []string
	NoncePeriod time.Duration
	SupplierID  common.Hash
	Domain      entities.Domain
	Signer      messages.Signer
	//OfferExpire is the lifetime of offers made without an explicit expiry
	OfferExpire   time.Duration
	ClaimInterval time.Duration
	Validate      func(query Q) error
	OnRequest     RequestHandler[Q, O]
	//OnTx observes the claim transactions
	OnTx chain.TxCallback
	Now  func() time.Time
}

//Node is a supplier: it listens for requests on its topics, answers them
//with signed offers and claims the deals buyers create
type Node[Q any, O any] struct {
	logger    *zap.Logger
	transport Transport
	opts      Options[Q, O]

	requests        *registry.NodeRequests[Q, O]
	offerManager    *OfferManager[Q, O]
	contractManager *ContractManager

	mu      sync.Mutex
	enabled bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New[Q any, O any](logger *zap.Logger, transport Transport, contracts chain.Contracts, opts Options[Q, O]) (*Node[Q, O], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		return nil, errors.New("node requires an overlay transport")
	}
	if contracts == nil {
		return nil, errors.New("node requires a contracts collaborator")
	}
	if opts.Signer == nil {
		return nil, messages.ErrNoSigner
	}
	if len(opts.Topics) == 0 {
		return nil, errors.New("node requires at least one topic")
	}
	if opts.OfferExpire <= 0 {
		opts.OfferExpire = DefaultOfferExpire
	}
	if opts.ClaimInterval <= 0 {
		opts.ClaimInterval = DefaultClaimInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger = logger.Named("node")
	return &Node[Q, O]{
		logger:    logger,
		transport: transport,
		opts:      opts,
		requests: registry.NewNodeRequests[Q, O](logger, registry.NodeOptions[Q]{
			NoncePeriod: opts.NoncePeriod,
			Validate:    opts.Validate,
			Now:         opts.Now,
		}),
		offerManager: NewOfferManager[Q, O](logger, OfferConfig{
			SupplierID: opts.SupplierID,
			Domain:     opts.Domain,
			Signer:     opts.Signer,
			Expire:     opts.OfferExpire,
			Now:        opts.Now,
		}),
		contractManager: NewContractManager(logger, contracts, opts.OnTx, opts.Now),
	}, nil
}

//---------------------------<HELPERS>

//Requests is the registry of the requests the node currently answers
func (n *Node[Q, O]) Requests() *registry.NodeRequests[Q, O] {
	return n.requests
}

func (n *Node[Q, O]) Offers() *OfferManager[Q, O] {
	return n.offerManager
}

func (n *Node[Q, O]) Claimer() *ContractManager {
	return n.contractManager
}

func (n *Node[Q, O]) Topics() []string {
	return append([]string(nil), n.opts.Topics...)
}

func (n *Node[Q, O]) Enabled() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled
}

func (n *Node[Q, O]) listen(ctx context.Context, sub events.Subscriber, fn func(events.Event)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer sub.Close()
		events.Listen(ctx, sub, fn)
	}()
}

//---------------------------</HELPERS>
//---------------------------<LIFECYCLE>

func (n *Node[Q, O]) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.ctx != nil {
		n.mu.Unlock()
		return errors.New("node already started")
	}
	n.ctx, n.cancel = context.WithCancel(ctx)
	runCtx := n.ctx
	n.mu.Unlock()

	n.listen(runCtx, n.transport.Events(), n.handleOverlayEvent)
	n.listen(runCtx, n.requests.Events(), func(evt events.Event) {
		n.handleRequestEvent(runCtx, evt)
	})

	if err := n.transport.Start(runCtx); err != nil {
		n.shutdown()
		return errors.Wrap(err, "starting overlay")
	}
	if err := n.Enable(); err != nil {
		n.transport.Stop()
		n.shutdown()
		return err
	}

	n.contractManager.Start(runCtx, n.opts.ClaimInterval)
	n.logger.Info("node started",
		zap.Strings("topics", n.opts.Topics),
		zap.String("supplier", n.opts.SupplierID.Hex()),
		zap.String("signer", n.opts.Signer.Address().Hex()),
	)
	return nil
}

func (n *Node[Q, O]) shutdown() {
	n.mu.Lock()
	if n.cancel != nil {
		n.cancel()
	}
	n.ctx, n.cancel = nil, nil
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Node[Q, O]) Stop() {
	n.mu.Lock()
	started := n.ctx != nil
	n.mu.Unlock()
	if !started {
		return
	}

	if err := n.Disable(); err != nil {
		n.logger.Warn("failed disabling topics", zap.Error(err))
	}
	n.transport.Stop()
	n.shutdown()
	n.logger.Info("node stopped")
}

//Enable subscribes to every configured topic
func (n *Node[Q, O]) Enable() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, topic := range n.opts.Topics {
		if err := n.transport.Subscribe(topic); err != nil {
			return errors.Wrapf(err, "enabling topic %s", topic)
		}
	}
	n.enabled = true
	return nil
}

//Disable unsubscribes from every configured topic. Requests already
//received stay in the registry until they expire.
func (n *Node[Q, O]) Disable() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var firstErr error
	for _, topic := range n.opts.Topics {
		if err := n.transport.Unsubscribe(topic); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "disabling topic %s", topic)
		}
	}
	n.enabled = false
	return firstErr
}

//---------------------------</LIFECYCLE>
//---------------------------<HANDLERS>

func (n *Node[Q, O]) handleOverlayEvent(evt events.Event) {
	switch e := evt.(type) {
	case events.Message:
		if !n.Enabled() {
			return
		}
		err := n.requests.AddRaw(e.Topic, e.Data)
		if err != nil && err != registry.ErrNotRequest {
			n.logger.Debug("dropped request", zap.String("topic", e.Topic), zap.Error(err))
		}
	case events.Heartbeat:
		n.requests.Prune()
		n.offerManager.Prune()
	}
}

func (n *Node[Q, O]) handleRequestEvent(ctx context.Context, evt events.Event) {
	e, ok := evt.(events.Request[registry.RequestRecord[Q, O]])
	if !ok || n.opts.OnRequest == nil {
		return
	}
	n.opts.OnRequest(ctx, n, e.Data)
}

//---------------------------</HANDLERS>

//MakeOffer answers a known request with a signed offer, publishes it on the
//request topic and starts watching for the deal
func (n *Node[Q, O]) MakeOffer(ctx context.Context, req OfferRequest[O]) (entities.Offer[Q, O], error) {
	rec, ok := n.requests.Get(req.RequestID)
	if !ok {
		return entities.Offer[Q, O]{}, &registry.NotFoundError{Kind: "request", ID: req.RequestID}
	}

	offer, err := n.offerManager.Build(rec.Data, req)
	if err != nil {
		return entities.Offer[Q, O]{}, err
	}
	data, err := messages.Encode(offer)
	if err != nil {
		return entities.Offer[Q, O]{}, err
	}
	if err := n.transport.Publish(ctx, rec.Data.Topic, data); err != nil {
		return entities.Offer[Q, O]{}, errors.Wrap(err, "publishing offer")
	}

	n.contractManager.Track(offer.ID, offer.Expire)
	n.logger.Info("offer published",
		zap.String("request", rec.Data.ID.Hex()),
		zap.String("offer", offer.ID.Hex()),
		zap.String("topic", rec.Data.Topic),
	)
	return offer, nil
}
