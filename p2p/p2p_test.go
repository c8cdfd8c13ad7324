package p2p

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"

	"github.com/Galeaf11/sdk/overlay"
)

type recorder struct {
	mu       sync.Mutex
	messages []overlay.Message
	added    map[peer.ID]network.Direction
	beats    int
}

func newRecorder() *recorder {
	return &recorder{added: make(map[peer.ID]network.Direction)}
}

func (r *recorder) HandleMessage(msg overlay.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
}

func (r *recorder) PeerAdded(p peer.ID, dir network.Direction, _ multiaddr.Multiaddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added[p] = dir
}

func (r *recorder) PeerRemoved(p peer.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.added, p)
}

func (r *recorder) Heartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beats++
}

func (r *recorder) snapshot() ([]overlay.Message, map[peer.ID]network.Direction, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	added := make(map[peer.ID]network.Direction, len(r.added))
	for k, v := range r.added {
		added[k] = v
	}
	return append([]overlay.Message(nil), r.messages...), added, r.beats
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newLoopbackHost(t *testing.T) host.Host {
	t.Helper()
	h, err := NewHost(nil, HostConfig{ListenAddrs: []string{"/ip4/127.0.0.1/tcp/0"}})
	if err != nil {
		t.Fatalf("NewHost: %v", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestLoadIdentityPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.key")

	first, err := LoadIdentity(nil, path)
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	second, err := LoadIdentity(nil, path)
	if err != nil {
		t.Fatalf("LoadIdentity reload: %v", err)
	}
	if !first.Equals(second) {
		t.Fatalf("reloaded identity differs")
	}
}

func TestParseAddrs(t *testing.T) {
	h := newLoopbackHost(t)
	infos, err := ParseAddrs(FullAddrs(h))
	if err != nil {
		t.Fatalf("ParseAddrs: %v", err)
	}
	if len(infos) != 1 || infos[0].ID != h.ID() {
		t.Fatalf("infos = %v", infos)
	}
	if _, err := ParseAddrs([]string{"not a multiaddr"}); err == nil {
		t.Fatalf("expected error for invalid multiaddr")
	}
}

func TestGossipSubDirectSendAndPeerEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverHost := newLoopbackHost(t)
	clientHost := newLoopbackHost(t)

	server, err := NewGossipSub(ctx, nil, serverHost, GossipOptions{HeartbeatInterval: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewGossipSub: %v", err)
	}
	defer server.Close()
	serverInfo := peer.AddrInfo{ID: serverHost.ID(), Addrs: serverHost.Addrs()}

	client, err := NewGossipSub(ctx, nil, clientHost, GossipOptions{DirectPeers: []peer.AddrInfo{serverInfo}})
	if err != nil {
		t.Fatalf("NewGossipSub: %v", err)
	}
	defer client.Close()

	rec := newRecorder()
	server.SetHandler(rec)

	if err := client.Connect(ctx, []peer.AddrInfo{serverInfo}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "inbound peer", func() bool {
		_, added, _ := rec.snapshot()
		return added[clientHost.ID()] == network.DirInbound
	})

	if err := client.SendTo(ctx, serverHost.ID(), "test", []byte(`{"id":"0x01"}`)); err != nil {
		t.Fatalf("SendTo: %v", err)
	}
	waitFor(t, "direct message", func() bool {
		msgs, _, _ := rec.snapshot()
		return len(msgs) == 1
	})
	msgs, _, _ := rec.snapshot()
	if m := msgs[0]; !m.Direct || m.Topic != "test" || m.From != clientHost.ID() || string(m.Data) != `{"id":"0x01"}` {
		t.Fatalf("message = %+v", m)
	}

	waitFor(t, "heartbeat", func() bool {
		_, _, beats := rec.snapshot()
		return beats > 0
	})

	if err := server.Subscribe("test"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !server.Subscribed("test") {
		t.Fatalf("Subscribed = false after Subscribe")
	}
	if err := server.Unsubscribe("test"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if server.Subscribed("test") {
		t.Fatalf("Subscribed = true after Unsubscribe")
	}

	clientHost.Network().ClosePeer(serverHost.ID())
	waitFor(t, "peer removal", func() bool {
		_, added, _ := rec.snapshot()
		_, ok := added[clientHost.ID()]
		return !ok
	})
}

func TestGossipSubTopicDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	aHost := newLoopbackHost(t)
	bHost := newLoopbackHost(t)

	a, err := NewGossipSub(ctx, nil, aHost, GossipOptions{})
	if err != nil {
		t.Fatalf("NewGossipSub: %v", err)
	}
	defer a.Close()
	b, err := NewGossipSub(ctx, nil, bHost, GossipOptions{})
	if err != nil {
		t.Fatalf("NewGossipSub: %v", err)
	}
	defer b.Close()

	rec := newRecorder()
	b.SetHandler(rec)

	if err := a.Subscribe("test"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Subscribe("test"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := a.Connect(ctx, []peer.AddrInfo{{ID: bHost.ID(), Addrs: bHost.Addrs()}}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "topic peers", func() bool { return len(a.TopicPeers("test")) == 1 })

	//publications before the mesh forms are not delivered, keep publishing
	//until one gets through
	var last time.Time
	waitFor(t, "gossip message", func() bool {
		if msgs, _, _ := rec.snapshot(); len(msgs) > 0 {
			return true
		}
		if time.Since(last) > 250*time.Millisecond {
			if err := a.Publish(ctx, "test", []byte("hello")); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			last = time.Now()
		}
		return false
	})
	msgs, _, _ := rec.snapshot()
	if m := msgs[0]; m.Direct || m.From != aHost.ID() || string(m.Data) != "hello" {
		t.Fatalf("message = %+v", m)
	}
}

func TestGossipSubReportsForwardingPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hosts := []host.Host{newLoopbackHost(t), newLoopbackHost(t), newLoopbackHost(t)}
	gossips := make([]*GossipSub, len(hosts))
	for i, h := range hosts {
		g, err := NewGossipSub(ctx, nil, h, GossipOptions{})
		if err != nil {
			t.Fatalf("NewGossipSub: %v", err)
		}
		defer g.Close()
		if err := g.Subscribe("test"); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
		gossips[i] = g
	}

	rec := newRecorder()
	gossips[2].SetHandler(rec)

	//a line: the author reaches the last host only through the middle one
	if err := gossips[0].Connect(ctx, []peer.AddrInfo{{ID: hosts[1].ID(), Addrs: hosts[1].Addrs()}}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := gossips[1].Connect(ctx, []peer.AddrInfo{{ID: hosts[2].ID(), Addrs: hosts[2].Addrs()}}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "topic peers", func() bool { return len(gossips[1].TopicPeers("test")) == 2 })

	var last time.Time
	waitFor(t, "forwarded message", func() bool {
		if msgs, _, _ := rec.snapshot(); len(msgs) > 0 {
			return true
		}
		if time.Since(last) > 250*time.Millisecond {
			if err := gossips[0].Publish(ctx, "test", []byte("hello")); err != nil {
				t.Fatalf("Publish: %v", err)
			}
			last = time.Now()
		}
		return false
	})
	msgs, _, _ := rec.snapshot()
	if m := msgs[0]; m.From != hosts[1].ID() {
		t.Fatalf("from = %s, want forwarding peer %s", m.From, hosts[1].ID())
	}
}
