package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/AltairaLabs/renderfarm/internal/types"
)

func TestAnnouncement_EncodeParse(t *testing.T) {
	ann := Announcement{Role: types.RoleWorker, Name: "render-01", ID: "abc"}
	data, err := ann.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := ParseAnnouncement(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got.Magic != Magic {
		t.Errorf("Expected magic %s, got %s", Magic, got.Magic)
	}
	if got.Role != types.RoleWorker || got.Name != "render-01" || got.ID != "abc" {
		t.Errorf("Unexpected announcement: %+v", got)
	}
}

func TestParseAnnouncement_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", "hello"},
		{"wrong magic", `{"magic":"OTHER","role":"slave","name":"x"}`},
		{"no magic", `{"role":"slave","name":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseAnnouncement([]byte(tt.data)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestAnnouncement_PeerIdentityFallback(t *testing.T) {
	tests := []struct {
		name   string
		ann    Announcement
		wantID string
	}{
		{"explicit id", Announcement{ID: "id-1", Name: "n"}, "id-1"},
		{"name fallback", Announcement{Name: "render-02"}, "render-02"},
		{"address fallback", Announcement{}, "10.1.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.ann.Peer("10.1.1.1")
			if p.ID != tt.wantID {
				t.Errorf("Expected ID %s, got %s", tt.wantID, p.ID)
			}
			if p.Address != "10.1.1.1" {
				t.Errorf("Expected address 10.1.1.1, got %s", p.Address)
			}
		})
	}
}

func TestRegistry_ObserveAndConnect(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	r.Observe(types.Peer{ID: "w1", Name: "one", Role: types.RoleWorker, Address: "10.0.0.1"})

	base = base.Add(time.Minute)
	p := r.Observe(types.Peer{ID: "w1", Address: "10.0.0.2"})
	if p.Name != "one" {
		t.Errorf("Expected name to be kept, got %s", p.Name)
	}
	if p.Address != "10.0.0.2" {
		t.Errorf("Expected address update, got %s", p.Address)
	}
	if !p.LastSeen.Equal(base) {
		t.Errorf("Expected LastSeen %v, got %v", base, p.LastSeen)
	}

	if r.ConnectedCount() != 0 {
		t.Errorf("Expected 0 connected, got %d", r.ConnectedCount())
	}
	r.MarkConnected(types.Peer{ID: "w1"})
	r.MarkConnected(types.Peer{ID: "w2", Name: "two"})
	if r.ConnectedCount() != 2 {
		t.Errorf("Expected 2 connected, got %d", r.ConnectedCount())
	}

	r.MarkDisconnected("w1")
	r.MarkDisconnected("missing")
	got, ok := r.Get("w1")
	if !ok || got.Connected {
		t.Errorf("Expected w1 present and disconnected, got %+v ok=%v", got, ok)
	}
	if len(r.List()) != 2 {
		t.Errorf("Expected stale peers to persist, got %d", len(r.List()))
	}
}

func TestRegistry_Latest(t *testing.T) {
	r := NewRegistry()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	if _, ok := r.Latest(types.RoleCoordinator); ok {
		t.Error("Expected no coordinator in empty registry")
	}

	r.Observe(types.Peer{ID: "c1", Role: types.RoleCoordinator})
	base = base.Add(time.Second)
	r.Observe(types.Peer{ID: "c2", Role: types.RoleCoordinator})
	base = base.Add(time.Second)
	r.Observe(types.Peer{ID: "w1", Role: types.RoleWorker})

	latest, ok := r.Latest(types.RoleCoordinator)
	if !ok || latest.ID != "c2" {
		t.Errorf("Expected c2, got %+v", latest)
	}
}

func TestListener_HandleFilters(t *testing.T) {
	reg := NewRegistry()
	l := NewListener(ListenerConfig{Accept: types.RoleWorker, Registry: reg, SelfID: "me"})
	from := &net.UDPAddr{IP: net.ParseIP("192.168.1.20"), Port: 40000}

	worker, _ := Announcement{Role: types.RoleWorker, Name: "w", ID: "w-id"}.Encode()
	coord, _ := Announcement{Role: types.RoleCoordinator, Name: "c", Port: 55334}.Encode()
	self, _ := Announcement{Role: types.RoleWorker, Name: "me", ID: "me"}.Encode()

	if _, ok := l.handle([]byte("garbage"), from); ok {
		t.Error("Expected garbage to be ignored")
	}
	if _, ok := l.handle(coord, from); ok {
		t.Error("Expected same-side role to be ignored")
	}
	if _, ok := l.handle(self, from); ok {
		t.Error("Expected own announcement to be ignored")
	}

	p, ok := l.handle(worker, from)
	if !ok {
		t.Fatal("Expected worker announcement to be accepted")
	}
	if p.ID != "w-id" || p.Address != "192.168.1.20" {
		t.Errorf("Unexpected peer: %+v", p)
	}
	if len(reg.List()) != 1 {
		t.Errorf("Expected 1 peer in registry, got %d", len(reg.List()))
	}
}

func TestBroadcasterAndListener_Loopback(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenPacket failed: %v", err)
	}
	defer pc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	seen := make(chan types.Peer, 4)
	reg := NewRegistry()
	l := NewListener(ListenerConfig{
		Accept:      types.RoleCoordinator,
		Registry:    reg,
		ReadTimeout: 50 * time.Millisecond,
		OnPeer: func(p types.Peer) {
			select {
			case seen <- p:
			default:
			}
		},
	})

	served := make(chan error, 1)
	go func() { served <- l.Serve(ctx, pc) }()

	b := NewBroadcaster(BroadcasterConfig{
		Announcement: Announcement{Role: types.RoleCoordinator, Name: "coord", ID: "c-1", Port: 55334},
		Target:       pc.LocalAddr().String(),
		Interval:     20 * time.Millisecond,
	})
	go func() { _ = b.Run(ctx) }()

	select {
	case p := <-seen:
		if p.ID != "c-1" || p.ControlAddr() != "127.0.0.1:55334" {
			t.Errorf("Unexpected peer: %+v", p)
		}
	case <-ctx.Done():
		t.Fatal("Timed out waiting for announcement")
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Listener did not observe cancellation")
	}
}
