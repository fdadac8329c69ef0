package broadcast

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"auralis_expression/expression"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func changeEvent(name string) expression.ChangeEvent {
	return expression.ChangeEvent{
		Mode:           expression.ModeImage,
		Payload:        expression.Entry{ID: name, Mode: expression.ModeImage, Name: name, Image: &expression.ImagePayload{AssetPath: "/" + name}},
		Transition:     expression.TransitionFade,
		DurationMillis: 300,
	}
}

func recvEnvelope(t *testing.T, ch <-chan Envelope, timeout time.Duration) Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for envelope")
	}
	return Envelope{}
}

func TestBroadcastPreservesOrderPerSession(t *testing.T) {
	hub := NewHub(nil, Options{Buffer: 8})
	a, b := hub.NewSession(), hub.NewSession()
	hub.Register(a)
	hub.Register(b)

	for _, name := range []string{"one", "two", "three"} {
		hub.Broadcast(changeEvent(name))
	}

	for _, s := range []*Session{a, b} {
		for _, want := range []string{"one", "two", "three"} {
			env := recvEnvelope(t, s.Outbound, time.Second)
			require.Equal(t, EventTypeExpressionChange, env.Type)
			require.Equal(t, want, env.Data.Payload.Name)
		}
	}
}

func TestSlowSessionIsDroppedWithoutAffectingOthers(t *testing.T) {
	hub := NewHub(nil, Options{Buffer: 1})
	slow, fast := hub.NewSession(), hub.NewSession()
	hub.Register(slow)
	hub.Register(fast)

	hub.Broadcast(changeEvent("one"))
	recvEnvelope(t, fast.Outbound, time.Second)
	hub.Broadcast(changeEvent("two"))

	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow session was not closed")
	}
	require.Equal(t, 1, hub.Count())
	require.Equal(t, "two", recvEnvelope(t, fast.Outbound, time.Second).Data.Payload.Name)
}

func TestUnregisteredSessionMissesEvents(t *testing.T) {
	hub := NewHub(nil, Options{})
	s := hub.NewSession()
	hub.Register(s)
	hub.Unregister(s)
	hub.Unregister(s)

	require.NoError(t, hub.Publish(context.Background(), changeEvent("late")))
	select {
	case env := <-s.Outbound:
		t.Fatalf("unexpected envelope %v", env)
	default:
	}
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	hub := NewHub(nil, Options{Buffer: 256})
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s := hub.NewSession()
			hub.Register(s)
			hub.Unregister(s)
		}()
		go func(i int) {
			defer wg.Done()
			hub.Broadcast(changeEvent(fmt.Sprintf("e%d", i)))
		}(i)
	}
	wg.Wait()
	require.Zero(t, hub.Count())
}

func TestWebsocketSessionReceivesEnvelope(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(nil, Options{})
	router := gin.New()
	RegisterRoutes(router, hub)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 10*time.Millisecond)

	// Inbound frames are ignored.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"hello"}`)))

	hub.Broadcast(changeEvent("happy"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	require.Equal(t, EventTypeExpressionChange, env.Type)
	require.Equal(t, "happy", env.Data.Payload.Name)
	require.Equal(t, 300.0, env.Data.DurationMillis)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRedisBusForwardsEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus, err := NewRedisBus(client, "test:events", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	hub := NewHub(nil, Options{})
	s := hub.NewSession()
	hub.Register(s)
	require.NoError(t, bus.StartForwarder(ctx, hub.Broadcast))

	require.NoError(t, bus.Publish(ctx, changeEvent("first")))
	require.NoError(t, bus.Publish(ctx, changeEvent("second")))

	require.Equal(t, "first", recvEnvelope(t, s.Outbound, 2*time.Second).Data.Payload.Name)
	require.Equal(t, "second", recvEnvelope(t, s.Outbound, 2*time.Second).Data.Payload.Name)
}

func TestNewRedisBusRequiresClient(t *testing.T) {
	_, err := NewRedisBus(nil, "", nil)
	require.Error(t, err)
}
