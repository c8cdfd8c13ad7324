package overlay

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/test"

	"github.com/Galeaf11/sdk/events"
	"github.com/Galeaf11/sdk/storage"
)

type sent struct {
	to    peer.ID
	topic string
	data  string
}

type fakeGossip struct {
	mu         sync.Mutex
	handler    Handler
	subs       map[string]bool
	topicPeers map[string][]peer.ID
	peers      []peer.ID
	published  []sent
	direct     []sent
}

func newFakeGossip() *fakeGossip {
	return &fakeGossip{
		subs:       make(map[string]bool),
		topicPeers: make(map[string][]peer.ID),
	}
}

func (g *fakeGossip) Subscribe(topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subs[topic] = true
	return nil
}

func (g *fakeGossip) Unsubscribe(topic string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.subs, topic)
	return nil
}

func (g *fakeGossip) Subscribed(topic string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subs[topic]
}

func (g *fakeGossip) Publish(_ context.Context, topic string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.published = append(g.published, sent{topic: topic, data: string(data)})
	return nil
}

func (g *fakeGossip) SendTo(_ context.Context, p peer.ID, topic string, data []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.direct = append(g.direct, sent{to: p, topic: topic, data: string(data)})
	return nil
}

func (g *fakeGossip) TopicPeers(topic string) []peer.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]peer.ID(nil), g.topicPeers[topic]...)
}

func (g *fakeGossip) Peers() []peer.ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]peer.ID(nil), g.peers...)
}

func (g *fakeGossip) SetHandler(h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handler = h
}

func (g *fakeGossip) connect(p peer.ID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers = append(g.peers, p)
}

func (g *fakeGossip) directSends() []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sent(nil), g.direct...)
}

func (g *fakeGossip) publishes() []sent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]sent(nil), g.published...)
}

func wireMessage(id string, expire int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"expire":%d,"nonce":1,"topic":"test","query":{}}`, id, expire))
}

func nextEvent(t *testing.T, sub events.Subscriber) events.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	evt, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("waiting for event: %v", err)
	}
	return evt
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newServer(t *testing.T, g *fakeGossip, now func() time.Time) *Overlay {
	t.Helper()
	o, err := New(nil, g, Options{ConnectDelay: 10 * time.Millisecond, Now: now}, storage.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(o.Stop)
	return o
}

func TestNewConfigurationErrors(t *testing.T) {
	g := newFakeGossip()
	if _, err := New(nil, g, Options{IsClient: true}, nil); err != ErrNoDirectPeers {
		t.Fatalf("client without direct peers: err = %v", err)
	}
	if _, err := New(nil, g, Options{}, nil); err != ErrNoStorage {
		t.Fatalf("server without storage: err = %v", err)
	}
}

func TestClientRecipientsIncludeDirectPeers(t *testing.T) {
	g := newFakeGossip()
	server := test.RandPeerIDFatal(t)
	other := test.RandPeerIDFatal(t)
	g.topicPeers["test"] = []peer.ID{other}

	o, err := New(nil, g, Options{IsClient: true, DirectPeers: []peer.AddrInfo{{ID: server}}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := o.SelectRecipients("test")
	if len(got) != 2 || got[0] != other || got[1] != server {
		t.Fatalf("recipients = %v", got)
	}
	if got := o.SelectRecipients("empty"); len(got) != 1 || got[0] != server {
		t.Fatalf("recipients of unadvertised topic = %v", got)
	}
}

func TestClientPublishPushesToUncoveredDirectPeers(t *testing.T) {
	g := newFakeGossip()
	server := test.RandPeerIDFatal(t)

	o, err := New(nil, g, Options{IsClient: true, DirectPeers: []peer.AddrInfo{{ID: server}}}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if err := o.Publish(ctx, "test", []byte("one")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if d := g.directSends(); len(d) != 1 || d[0].to != server || d[0].data != "one" {
		t.Fatalf("direct sends = %+v", d)
	}

	//once the server shows up in the mesh the gossip publish covers it
	g.topicPeers["test"] = []peer.ID{server}
	if err := o.Publish(ctx, "test", []byte("two")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if d := g.directSends(); len(d) != 1 {
		t.Fatalf("direct sends after server joined mesh = %+v", d)
	}
	if p := g.publishes(); len(p) != 2 {
		t.Fatalf("gossip publishes = %+v", p)
	}
}

func TestServerHandleMessage(t *testing.T) {
	g := newFakeGossip()
	now := time.Now()
	o := newServer(t, g, func() time.Time { return now })
	sub := o.Events()
	from := test.RandPeerIDFatal(t)

	data := wireMessage("0x01", now.Unix()+60)
	o.HandleMessage(Message{Topic: "test", From: from, Data: data, Direct: true})

	if !g.Subscribed("test") {
		t.Fatalf("server did not subscribe to the new topic")
	}
	if p := g.publishes(); len(p) != 1 || p[0].data != string(data) {
		t.Fatalf("pushed message was not relayed: %+v", p)
	}

	evt := nextEvent(t, sub)
	msg, ok := evt.(events.Message)
	if !ok || msg.Topic != "test" || string(msg.Data) != string(data) {
		t.Fatalf("event = %#v", evt)
	}

	cached, err := o.Cached(context.Background())
	if err != nil || len(cached) != 1 || cached[0].From != from {
		t.Fatalf("cached = %+v, %v", cached, err)
	}

	//malformed payloads are still delivered, only not cached
	o.HandleMessage(Message{Topic: "test", From: from, Data: []byte("garbage")})
	if evt := nextEvent(t, sub); evt.Type() != events.TypeMessage {
		t.Fatalf("event = %s", evt.Type())
	}
	if cached, _ := o.Cached(context.Background()); len(cached) != 1 {
		t.Fatalf("malformed message was cached")
	}
	if p := g.publishes(); len(p) != 1 {
		t.Fatalf("gossip delivery was relayed again: %+v", p)
	}
}

func TestServerReplaysToInboundPeersOnce(t *testing.T) {
	g := newFakeGossip()
	now := time.Now()
	o := newServer(t, g, func() time.Time { return now })
	sender := test.RandPeerIDFatal(t)

	o.HandleMessage(Message{Topic: "test", From: sender, Data: wireMessage("0x01", now.Unix()+60)})
	o.HandleMessage(Message{Topic: "test", From: sender, Data: wireMessage("0x02", now.Unix()+60)})
	o.HandleMessage(Message{Topic: "test", From: sender, Data: wireMessage("0x03", now.Unix()-1)})

	inbound := test.RandPeerIDFatal(t)
	g.connect(inbound)
	o.PeerAdded(inbound, network.DirInbound, nil)

	waitFor(t, "replay", func() bool { return len(g.directSends()) == 2 })
	d := g.directSends()
	if d[0].to != inbound || d[0].data != string(wireMessage("0x01", now.Unix()+60)) {
		t.Fatalf("first replayed = %+v", d[0])
	}

	//a duplicate notification must not trigger another replay
	o.PeerAdded(inbound, network.DirInbound, nil)
	time.Sleep(50 * time.Millisecond)
	if len(g.directSends()) != 2 {
		t.Fatalf("duplicate replay: %+v", g.directSends())
	}

	//outbound connections and the original sender are not replayed to
	outbound := test.RandPeerIDFatal(t)
	g.connect(outbound)
	g.connect(sender)
	o.PeerAdded(outbound, network.DirOutbound, nil)
	o.PeerAdded(sender, network.DirInbound, nil)
	time.Sleep(50 * time.Millisecond)
	if len(g.directSends()) != 2 {
		t.Fatalf("unexpected pushes: %+v", g.directSends())
	}

	//reconnection clears the bookkeeping
	o.PeerRemoved(inbound)
	o.PeerAdded(inbound, network.DirInbound, nil)
	waitFor(t, "second replay", func() bool { return len(g.directSends()) == 4 })
}

func TestStopCancelsPendingReplay(t *testing.T) {
	g := newFakeGossip()
	o, err := New(nil, g, Options{ConnectDelay: 30 * time.Millisecond}, storage.NewMemory())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.Start(context.Background())
	sub := o.Events()

	o.HandleMessage(Message{Topic: "test", From: test.RandPeerIDFatal(t), Data: wireMessage("0x01", time.Now().Unix()+60)})
	p := test.RandPeerIDFatal(t)
	g.connect(p)
	o.PeerAdded(p, network.DirInbound, nil)
	o.Stop()

	time.Sleep(60 * time.Millisecond)
	if d := g.directSends(); len(d) != 0 {
		t.Fatalf("replayed after stop: %+v", d)
	}
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h != nil {
		t.Fatalf("handler still registered after stop")
	}

	var types []string
	for i := 0; i < 3; i++ {
		types = append(types, nextEvent(t, sub).Type())
	}
	want := []string{events.TypeMessage, events.TypeConnected, events.TypeStop}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestHeartbeatPrunesCache(t *testing.T) {
	g := newFakeGossip()
	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := storage.NewMemory()
	o, err := New(nil, g, Options{Now: clock}, store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	o.Start(context.Background())
	defer o.Stop()
	sub := o.Events()

	o.HandleMessage(Message{Topic: "test", From: test.RandPeerIDFatal(t), Data: wireMessage("0x01", now.Unix()+1)})
	o.HandleMessage(Message{Topic: "test", From: test.RandPeerIDFatal(t), Data: wireMessage("0x02", now.Unix()+60)})

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()

	o.Heartbeat()
	waitFor(t, "prune", func() bool { return store.Len() == 1 })

	nextEvent(t, sub)
	nextEvent(t, sub)
	if evt := nextEvent(t, sub); evt.Type() != events.TypeHeartbeat {
		t.Fatalf("event = %s, want heartbeat", evt.Type())
	}
}
