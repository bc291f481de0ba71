package ingestor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"fleetview/internal/domain"
	"fleetview/internal/store"
	"fleetview/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingSource struct {
	mu       sync.Mutex
	vehicles []*domain.Vehicle
	calls    int
}

func (c *countingSource) ListVehicles(ctx context.Context) ([]*domain.Vehicle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	out := make([]*domain.Vehicle, 0, len(c.vehicles))
	for _, v := range c.vehicles {
		out = append(out, v.Clone())
	}
	return out, nil
}

func (c *countingSource) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingSource) add(v *domain.Vehicle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vehicles = append(c.vehicles, v)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestColdStartWithoutCredential(t *testing.T) {
	var dials atomic.Int32
	s := store.New(nil, store.Options{}, testLogger())
	ing := New(s, Options{
		SocketURL: "ws://example.invalid",
		Transport: transport.Options{
			Dial: func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
				dials.Add(1)
				return nil, nil, errors.New("unexpected dial")
			},
		},
	}, testLogger())

	if err := ing.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ing.Close()

	st := s.Status()
	if st.Source != store.SourceDemo || st.Count == 0 {
		t.Errorf("status = %+v, want non-empty demo fleet", st)
	}
	if dials.Load() != 0 {
		t.Errorf("dials = %d, want 0", dials.Load())
	}
	if ing.Channel() != nil || ing.ChannelState() != "disabled" {
		t.Error("demo mode should have no channel")
	}
	if !ing.IsReady() {
		t.Error("demo ingestor not ready")
	}
}

type pushServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newPushServer(t *testing.T) *pushServer {
	ps := &pushServer{conns: make(chan *websocket.Conn, 4)}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ps.conns <- conn
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushServer) push(t *testing.T, conn *websocket.Conn, msg string) {
	t.Helper()
	if err := conn.Write(context.Background(), websocket.MessageText, []byte(msg)); err != nil {
		t.Fatalf("push: %v", err)
	}
}

func TestEventsFunnelIntoStore(t *testing.T) {
	ps := newPushServer(t)
	src := &countingSource{vehicles: []*domain.Vehicle{
		{ID: 1, Name: "Toyota Camry", Type: "car", Status: domain.StatusOnline},
	}}
	s := store.New(src, store.Options{}, testLogger())

	ing := New(s, Options{
		SocketURL:  "ws" + strings.TrimPrefix(ps.URL, "http"),
		Credential: func() string { return "token" },
	}, testLogger())
	if err := ing.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer ing.Close()

	if s.Status().Source != store.SourceLive || s.Count() != 1 {
		t.Fatalf("status = %+v", s.Status())
	}

	var conn *websocket.Conn
	select {
	case conn = <-ps.conns:
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
	}
	eventually(t, func() bool { return ing.ChannelState() == "connected" })

	ps.push(t, conn, `{"type":"location:update","payload":{"vehicleId":1,"latitude":41.31,"longitude":69.28,"speed":30}}`)
	ps.push(t, conn, `{"type":"vehicle:status","payload":{"vehicleId":"1","status":"idle","battery":55}}`)
	ps.push(t, conn, `{"type":"alert:new","payload":{"id":9,"type":"speed","message":"Speeding","severity":"high","vehicle_id":1}}`)

	eventually(t, func() bool { return len(s.Alerts()) == 1 })
	v, _ := s.Get(1)
	if v.Location == nil || v.Location.Lat != 41.31 || v.Location.Speed != 30 {
		t.Errorf("location = %+v", v.Location)
	}
	if v.Status != domain.StatusIdle || v.Battery == nil || *v.Battery != 55 {
		t.Errorf("status=%q battery=%v", v.Status, v.Battery)
	}

	src.add(&domain.Vehicle{ID: 2, Name: "Isuzu NPR", Type: "truck", Status: domain.StatusOnline})
	ps.push(t, conn, `{"type":"vehicle:new","payload":{"vehicleId":2,"name":"Isuzu NPR"}}`)
	eventually(t, func() bool { return s.Count() == 2 })
}

func TestOfflinePollingWhileExhausted(t *testing.T) {
	var dials atomic.Int32
	src := &countingSource{vehicles: []*domain.Vehicle{{ID: 1, Type: "car"}}}
	s := store.New(src, store.Options{}, testLogger())

	ing := New(s, Options{
		SocketURL:           "ws://example.invalid",
		Credential:          func() string { return "token" },
		OfflinePollInterval: 10 * time.Millisecond,
		Transport: transport.Options{
			MaxAttempts: 1,
			Delay:       time.Millisecond,
			Dial: func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
				dials.Add(1)
				return nil, nil, errors.New("connection refused")
			},
		},
	}, testLogger())
	if err := ing.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	eventually(t, func() bool { return src.callCount() >= 3 && dials.Load() >= 3 })
	ing.Close()

	if ing.IsReady() {
		t.Error("closed ingestor still ready")
	}
	if got := ing.ChannelState(); got != "closed" {
		t.Errorf("channel state = %q, want closed", got)
	}
}

func TestReinitializationLimit(t *testing.T) {
	tests := []struct {
		name      string
		limit     int
		wantDials int32
	}{
		{name: "capped", limit: 2, wantDials: 3},
		{name: "disabled", limit: -1, wantDials: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var dials atomic.Int32
			src := &countingSource{vehicles: []*domain.Vehicle{{ID: 1, Type: "car"}}}
			s := store.New(src, store.Options{}, testLogger())

			ing := New(s, Options{
				SocketURL:            "ws://example.invalid",
				Credential:           func() string { return "token" },
				OfflinePollInterval:  5 * time.Millisecond,
				MaxReinitializations: tt.limit,
				Transport: transport.Options{
					MaxAttempts: 1,
					Delay:       time.Millisecond,
					Dial: func(ctx context.Context, url string, opts *websocket.DialOptions) (*websocket.Conn, *http.Response, error) {
						dials.Add(1)
						return nil, nil, errors.New("connection refused")
					},
				},
			}, testLogger())
			if err := ing.Start(context.Background()); err != nil {
				t.Fatal(err)
			}
			defer ing.Close()

			// polling keeps going after the restarts run out
			eventually(t, func() bool { return src.callCount() >= 10 })
			if got := dials.Load(); got != tt.wantDials {
				t.Errorf("dials = %d, want %d", got, tt.wantDials)
			}
		})
	}
}

func TestReloadSnapshotInDemoMode(t *testing.T) {
	s := store.New(nil, store.Options{}, testLogger())
	ing := New(s, Options{}, testLogger())
	ing.Start(context.Background())
	defer ing.Close()

	if err := ing.ReloadSnapshot(context.Background()); err != nil {
		t.Errorf("demo reload = %v", err)
	}
	if s.Status().Source != store.SourceDemo {
		t.Error("demo reload changed the source")
	}
}
