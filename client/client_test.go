package client

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/Galeaf11/sdk/chain"
	"github.com/Galeaf11/sdk/entities"
	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/messages"
	"github.com/Galeaf11/sdk/registry"
	"github.com/Galeaf11/sdk/storage"
)

type query struct {
	Guests int `json:"guests"`
}

type options struct {
	Room string `json:"room"`
}

type fakeTransport struct {
	emitter *events.Emitter

	mu         sync.Mutex
	subscribed map[string]bool
	published  map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		emitter:    events.NewEmitter(),
		subscribed: make(map[string]bool),
		published:  make(map[string]int),
	}
}

func (f *fakeTransport) Start(context.Context) error { return nil }
func (f *fakeTransport) Stop() {}

func (f *fakeTransport) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = true
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, topic)
	return nil
}

func (f *fakeTransport) isSubscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[topic]
}

func (f *fakeTransport) Publish(_ context.Context, topic string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic]++
	return nil
}

func (f *fakeTransport) Events() events.Subscriber { return f.emitter.Subscribe() }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

var (
	supplierID = common.HexToHash("0x5")
	domain     = entities.Domain{Name: "Market", Version: "1", ChainID: big.NewInt(1)}
	buyer      = common.HexToAddress("0xb0b")
)

type fixture struct {
	client    *Client[query, options]
	transport *fakeTransport
	sim       *chain.Simulated
	supplier  *messages.KeySigner
	clk       *clock
	store     *storage.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	supplier, err := messages.GenerateKeySigner()
	if err != nil {
		t.Fatalf("GenerateKeySigner: %v", err)
	}
	clk := &clock{now: time.Unix(1700000000, 0)}
	sim := chain.NewSimulated(nil, clk.Now)
	sim.RegisterSupplier(supplierID, supplier.Address())

	f := &fixture{transport: newFakeTransport(), sim: sim, supplier: supplier, clk: clk, store: storage.NewMemory()}
	f.client = f.newClient(t)
	return f
}

func (f *fixture) newClient(t *testing.T) *Client[query, options] {
	t.Helper()
	c, err := New[query, options](nil, f.transport, f.sim, Options{
		Domain:  domain,
		Buyer:   buyer,
		Storage: f.store,
		Now:     f.clk.Now,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func (f *fixture) request(t *testing.T, topic string, ttl time.Duration) entities.Request[query] {
	t.Helper()
	req, err := messages.BuildRequest(messages.RequestParams[query]{
		Topic:  topic,
		Query:  query{Guests: 2},
		Expire: messages.ExpireIn(ttl),
		Nonce:  1,
		Now:    f.clk.Now,
	})
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	return req
}

func (f *fixture) offer(t *testing.T, req entities.Request[query], signer messages.Signer) (entities.Offer[query, options], []byte) {
	t.Helper()
	offer, err := messages.BuildOffer(messages.OfferParams[query, options]{
		Request:    req,
		Options:    options{Room: "big"},
		Payment:    []entities.PaymentOption{{ID: common.HexToHash("0x01"), Price: big.NewInt(100)}},
		Expire:     messages.ExpireIn(time.Minute),
		Nonce:      1,
		SupplierID: supplierID,
		Domain:     domain,
		Signer:     signer,
		Now:        f.clk.Now,
	})
	if err != nil {
		t.Fatalf("BuildOffer: %v", err)
	}
	data, err := messages.Encode(offer)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return offer, data
}

func (f *fixture) offers(id common.Hash) int {
	rec, _ := f.client.Requests().Get(id)
	return len(rec.Offers)
}

func TestPublishAndCollectOffers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.client.Stop()

	req := f.request(t, "hotels", time.Hour)
	if err := f.client.Publish(ctx, req); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !f.transport.isSubscribed("hotels") {
		t.Fatalf("request topic not subscribed")
	}

	stranger, _ := messages.GenerateKeySigner()
	_, forged := f.offer(t, req, stranger)
	f.transport.emitter.Emit(events.Message{Topic: "hotels", Data: forged})

	other := f.request(t, "hotels", 2*time.Hour)
	_, orphan := f.offer(t, other, f.supplier)
	f.transport.emitter.Emit(events.Message{Topic: "hotels", Data: orphan})

	offer, data := f.offer(t, req, f.supplier)
	f.transport.emitter.Emit(events.Message{Topic: "hotels", Data: data})

	waitFor(t, "verified offer", func() bool { return f.offers(req.ID) == 1 })
	rec, _ := f.client.Requests().Get(req.ID)
	if rec.Offers[0].ID != offer.ID {
		t.Fatalf("collected offer %s, want %s", rec.Offers[0].ID.Hex(), offer.ID.Hex())
	}

	deal, err := f.client.Accept(ctx, offer.ID, common.HexToHash("0x01"), nil)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if deal.Deal.Buyer != buyer || deal.Deal.Status != entities.DealCreated {
		t.Fatalf("deal = %+v", deal.Deal)
	}
	if _, err := f.client.Accept(ctx, common.HexToHash("0xff"), common.HexToHash("0x01"), nil); !errors.Is(err, registry.ErrNotFound) {
		t.Fatalf("accept unknown offer err = %v", err)
	}
}

func TestOfferForAlteredRequestDropped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.client.Stop()

	req := f.request(t, "hotels", time.Hour)
	if err := f.client.Publish(ctx, req); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	altered := req
	altered.Query = query{Guests: 99}
	_, data := f.offer(t, altered, f.supplier)
	f.transport.emitter.Emit(events.Message{Topic: "hotels", Data: data})

	//a different nonce under the reused id is rejected as well
	rehashed := altered
	rehashed.Nonce = 2
	_, data = f.offer(t, rehashed, f.supplier)
	f.transport.emitter.Emit(events.Message{Topic: "hotels", Data: data})

	offer, data := f.offer(t, req, f.supplier)
	f.transport.emitter.Emit(events.Message{Topic: "hotels", Data: data})

	waitFor(t, "verified offer", func() bool { return f.offers(req.ID) >= 1 })
	rec, _ := f.client.Requests().Get(req.ID)
	if len(rec.Offers) != 1 || rec.Offers[0].ID != offer.ID {
		t.Fatalf("offers = %+v, want only %s", rec.Offers, offer.ID.Hex())
	}
	if rec.Offers[0].Request.Query.Guests != 2 {
		t.Fatalf("attached offer embeds guests=%d", rec.Offers[0].Request.Query.Guests)
	}
}

func TestMatchRequest(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, "hotels", time.Hour)
	if err := matchRequest(req, req); err != nil {
		t.Fatalf("matchRequest(same): %v", err)
	}

	altered := req
	altered.Query = query{Guests: 99}
	if err := matchRequest(altered, req); !errors.Is(err, registry.ErrIDMismatch) {
		t.Fatalf("err = %v, want %v", err, registry.ErrIDMismatch)
	}

	other := f.request(t, "other", time.Hour)
	if err := matchRequest(other, req); err == nil {
		t.Fatalf("expected error for a different request")
	}
}

func TestPublishExpiredRequest(t *testing.T) {
	f := newFixture(t)
	req := f.request(t, "hotels", -time.Second)
	if err := f.client.Publish(context.Background(), req); !errors.Is(err, registry.ErrExpired) {
		t.Fatalf("err = %v", err)
	}
	if f.transport.isSubscribed("hotels") {
		t.Fatalf("subscribed for an expired request")
	}
}

func TestHeartbeatReleasesTopics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.client.Stop()

	short := f.request(t, "hotels", time.Second)
	long := f.request(t, "flights", time.Hour)
	shared := f.request(t, "flights", time.Second)
	for _, r := range []entities.Request[query]{short, long, shared} {
		if err := f.client.Publish(ctx, r); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	f.clk.Advance(2 * time.Second)
	f.transport.emitter.Emit(events.Heartbeat{})

	waitFor(t, "topic release", func() bool { return !f.transport.isSubscribed("hotels") })
	if !f.transport.isSubscribed("flights") {
		t.Fatalf("topic with a live request released")
	}
	if f.client.Requests().Len() != 1 {
		t.Fatalf("requests left = %d", f.client.Requests().Len())
	}

	if !f.client.Cancel(long.ID) {
		t.Fatalf("Cancel returned false")
	}
	if f.transport.isSubscribed("flights") {
		t.Fatalf("topic kept after its last request was cancelled")
	}
}

func TestStartRestoresRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.request(t, "hotels", time.Hour)
	if err := f.client.Publish(ctx, req); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	f.transport = newFakeTransport()
	restored := f.newClient(t)
	if err := restored.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer restored.Stop()

	if _, ok := restored.Requests().Get(req.ID); !ok {
		t.Fatalf("request not restored")
	}
	if !f.transport.isSubscribed("hotels") {
		t.Fatalf("restored request topic not subscribed")
	}
}
