package client

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
	"github.com/Galeaf11/sdk/storage"
)

const DefaultRefreshInterval = 10 * time.Second

//Transport is the overlay capability a client needs
type Transport interface {
	Start(ctx context.Context) error
	Stop()
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(ctx context.Context, topic string, data []byte) error
	Events() events.Subscriber
}

type Options struct {
	//Domain is the typed data domain offers must be signed under
	Domain entities.Domain
	//Buyer is the account deals are created for
	Buyer common.Address

	Storage     storage.Storage
	Prefix      string
	DealsPrefix string
	//RefreshInterval is how often tracked deals are read back from the chain
	RefreshInterval time.Duration
	Now             func() time.Time
}

//Client is a buyer: it publishes requests, collects verified offers for
//them and turns accepted offers into deals
type Client[Q any, O any] struct {
	logger    *zap.Logger
	transport Transport
	contracts chain.Contracts
	opts      Options

	requests *registry.ClientRequests[Q, O]
	deals    *registry.Deals[Q, O]

	mu     sync.Mutex
	topics map[string]int
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New[Q any, O any](logger *zap.Logger, transport Transport, contracts chain.Contracts, opts Options) (*Client[Q, O], error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if transport == nil {
		return nil, errors.New("client requires an overlay transport")
	}
	if contracts == nil {
		return nil, errors.New("client requires a contracts collaborator")
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger = logger.Named("client")
	return &Client[Q, O]{
		logger:    logger,
		transport: transport,
		contracts: contracts,
		opts:      opts,
		requests: registry.NewClientRequests[Q, O](logger, registry.RequestsOptions{
			Storage: opts.Storage,
			Prefix:  opts.Prefix,
			Now:     opts.Now,
		}),
		deals: registry.NewDeals[Q, O](logger, contracts, registry.DealsOptions{
			Storage: opts.Storage,
			Prefix:  opts.DealsPrefix,
			Now:     opts.Now,
		}),
		topics: make(map[string]int),
	}, nil
}

func (c *Client[Q, O]) Requests() *registry.ClientRequests[Q, O] {
	return c.requests
}

func (c *Client[Q, O]) Deals() *registry.Deals[Q, O] {
	return c.deals
}

//---------------------------<LIFECYCLE>

//Start restores persisted requests and deals, then starts the overlay
func (c *Client[Q, O]) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.ctx != nil {
		c.mu.Unlock()
		return errors.New("client already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	if _, err := c.requests.Restore(runCtx); err != nil {
		c.shutdown()
		return err
	}
	if _, err := c.deals.Restore(runCtx); err != nil {
		c.shutdown()
		return err
	}

	sub := c.transport.Events()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer sub.Close()
		events.Listen(runCtx, sub, func(evt events.Event) {
			c.handleOverlayEvent(runCtx, evt)
		})
	}()

	if err := c.transport.Start(runCtx); err != nil {
		c.shutdown()
		return errors.Wrap(err, "starting overlay")
	}
	for _, rec := range c.requests.GetAll() {
		if err := c.holdTopic(rec.Data.Topic); err != nil {
			c.logger.Warn("failed resubscribing restored request topic", zap.String("topic", rec.Data.Topic), zap.Error(err))
		}
	}

	c.deals.Start(runCtx, c.opts.RefreshInterval)
	c.logger.Info("client started", zap.Int("requests", c.requests.Len()), zap.Int("deals", c.deals.Len()))
	return nil
}

func (c *Client[Q, O]) shutdown() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = nil, nil
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client[Q, O]) Stop() {
	c.mu.Lock()
	started := c.ctx != nil
	c.mu.Unlock()
	if !started {
		return
	}
	c.transport.Stop()
	c.shutdown()
	c.logger.Info("client stopped")
}

//---------------------------</LIFECYCLE>
//---------------------------<TOPICS>

func (c *Client[Q, O]) holdTopic(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.topics[topic] == 0 {
		if err := c.transport.Subscribe(topic); err != nil {
			return err
		}
	}
	c.topics[topic]++
	return nil
}

func (c *Client[Q, O]) releaseTopic(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.topics[topic]
	if !ok {
		return
	}
	if n > 1 {
		c.topics[topic] = n - 1
		return
	}
	delete(c.topics, topic)
	if err := c.transport.Unsubscribe(topic); err != nil {
		c.logger.Warn("failed unsubscribing topic", zap.String("topic", topic), zap.Error(err))
	}
}

//---------------------------</TOPICS>
//---------------------------<REQUESTS>

//Publish registers req and broadcasts it on its topic. Publishing a known
//request broadcasts it again.
func (c *Client[Q, O]) Publish(ctx context.Context, req entities.Request[Q]) error {
	if c.requests.Add(req) {
		if err := c.holdTopic(req.Topic); err != nil {
			c.requests.Delete(req.ID)
			return errors.Wrapf(err, "subscribing to topic %s", req.Topic)
		}
	} else if _, known := c.requests.Get(req.ID); !known {
		return errors.Wrapf(registry.ErrExpired, "publishing request #%s", req.ID.Hex())
	}

	data, err := messages.Encode(req)
	if err != nil {
		return err
	}
	if err := c.transport.Publish(ctx, req.Topic, data); err != nil {
		return errors.Wrap(err, "publishing request")
	}

	c.logger.Debug("request published", zap.String("id", req.ID.Hex()), zap.String("topic", req.Topic))
	return nil
}

func (c *Client[Q, O]) Cancel(id common.Hash) bool {
	rec, ok := c.requests.Get(id)
	if !ok || !c.requests.Cancel(id) {
		return false
	}
	c.releaseTopic(rec.Data.Topic)
	return true
}

func (c *Client[Q, O]) Delete(id common.Hash) bool {
	rec, ok := c.requests.Get(id)
	if !ok || !c.requests.Delete(id) {
		return false
	}
	c.releaseTopic(rec.Data.Topic)
	return true
}

//Accept creates the deal of a collected offer, paid with paymentID
func (c *Client[Q, O]) Accept(ctx context.Context, offerID, paymentID common.Hash, onTx chain.TxCallback) (registry.DealRecord[Q, O], error) {
	for _, rec := range c.requests.GetAll() {
		for _, offer := range rec.Offers {
			if offer.ID == offerID {
				return c.deals.Create(ctx, c.opts.Buyer, offer, paymentID, onTx)
			}
		}
	}
	return registry.DealRecord[Q, O]{}, &registry.NotFoundError{Kind: "offer", ID: offerID}
}

//---------------------------</REQUESTS>
//---------------------------<HANDLERS>

func (c *Client[Q, O]) handleOverlayEvent(ctx context.Context, evt events.Event) {
	switch e := evt.(type) {
	case events.Message:
		c.handleOffer(ctx, e)
	case events.Heartbeat:
		for _, rec := range c.requests.Prune() {
			c.releaseTopic(rec.Data.Topic)
		}
	case events.Connected:
		c.logger.Debug("peer connected", zap.Stringer("peer", e.Peer))
	case events.Disconnected:
		c.logger.Debug("peer disconnected", zap.Stringer("peer", e.Peer))
	}
}

func (c *Client[Q, O]) handleOffer(ctx context.Context, msg events.Message) {
	if messages.KindOf(msg.Data) != messages.KindOffer {
		return
	}
	offer, err := messages.DecodeOffer[Q, O](msg.Data)
	if err != nil {
		c.logger.Debug("dropped malformed offer", zap.String("topic", msg.Topic), zap.Error(err))
		return
	}
	logger := c.logger.With(zap.String("offer", offer.ID.Hex()), zap.String("request", offer.Request.ID.Hex()))

	rec, ok := c.requests.Get(offer.Request.ID)
	if !ok {
		logger.Debug("offer for unknown request")
		return
	}
	if err := matchRequest(offer.Request, rec.Data); err != nil {
		logger.Warn("dropped offer for altered request", zap.Error(err))
		return
	}
	if messages.Expired(offer.Expire, c.opts.Now()) {
		logger.Debug("dropped expired offer")
		return
	}

	signer, err := c.contracts.SupplierSigner(ctx, offer.Payload.SupplierID)
	if err != nil {
		logger.Warn("failed resolving supplier signer", zap.String("supplier", offer.Payload.SupplierID.Hex()), zap.Error(err))
		return
	}
	if err := messages.VerifyOffer(offer, c.opts.Domain, signer); err != nil {
		logger.Warn("dropped unverified offer", zap.Error(err))
		return
	}

	if err := c.requests.AddOffer(offer); err != nil {
		//the request may expire between the lookup and here
		if errors.Is(err, registry.ErrNotFound) {
			logger.Debug("request gone before offer was added")
			return
		}
		logger.Error("failed adding offer", zap.Error(err))
	}
}

//matchRequest checks that the request embedded in an offer hashes to its
//own id and is the request published under that id
func matchRequest[Q any](embedded, published entities.Request[Q]) error {
	id, err := messages.RequestID(embedded)
	if err != nil {
		return errors.Wrap(err, "hashing embedded request")
	}
	if id != embedded.ID {
		return registry.ErrIDMismatch
	}
	got, err := messages.Hash(embedded)
	if err != nil {
		return errors.Wrap(err, "hashing embedded request")
	}
	want, err := messages.Hash(published)
	if err != nil {
		return errors.Wrap(err, "hashing published request")
	}
	if got != want {
		return errors.Errorf("embedded request differs from request #%s", published.ID.Hex())
	}
	return nil
}

//---------------------------</HANDLERS>
