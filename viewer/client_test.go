package viewer

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"auralis_expression/animation"
	"auralis_expression/broadcast"
	"auralis_expression/database"
	"auralis_expression/expression"
	"auralis_expression/gateway"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type frameRecorder struct {
	mu     sync.Mutex
	first  *animation.Frame
	latest animation.Frame
	count  int
}

func (r *frameRecorder) record(frame animation.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.first == nil {
		f := frame
		r.first = &f
	}
	r.latest = frame
	r.count++
}

func (r *frameRecorder) snapshot() (*animation.Frame, animation.Frame, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.first, r.latest, r.count
}

type fixture struct {
	server *httptest.Server
	hub    *broadcast.Hub
	gw     *gateway.Gateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "viewer.db"))
	require.NoError(t, err)
	store, err := expression.NewStore(db)
	require.NoError(t, err)

	for name, weights := range map[string]expression.Weights{
		"smile": {"happy": 1},
		"frown": {"sad": 0.6},
	} {
		_, err := store.Put(ctx, expression.Entry{
			Mode:   expression.ModePreset,
			Name:   name,
			Preset: &expression.PresetPayload{Weights: weights},
		})
		require.NoError(t, err)
	}
	require.NoError(t, store.SetMode(ctx, expression.ModePreset))

	hub := broadcast.NewHub(nil, broadcast.Options{})
	router := gin.New()
	expression.RegisterRoutes(router, nil, store, nil, nil, nil)
	broadcast.RegisterRoutes(router, hub)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &fixture{server: server, hub: hub, gw: gateway.New(store, hub, nil)}
}

func startClient(t *testing.T, f *fixture, rec *frameRecorder) {
	t.Helper()
	client, err := New(Options{
		BaseURL:    f.server.URL,
		MinBackoff: 20 * time.Millisecond,
		MaxBackoff: 100 * time.Millisecond,
		Engine:     []animation.Option{animation.WithBlinkInterval(time.Hour, time.Hour)},
		OnFrame:    rec.record,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = client.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestLateViewerConvergesInstantly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Missed while no viewer was connected.
	for _, name := range []string{"frown", "smile", "frown", "smile"} {
		_, err := f.gw.RequestChange(ctx, gateway.ChangeRequest{Expression: name})
		require.NoError(t, err)
	}

	rec := &frameRecorder{}
	startClient(t, f, rec)

	require.Eventually(t, func() bool {
		first, _, _ := rec.snapshot()
		return first != nil
	}, 3*time.Second, 10*time.Millisecond)

	first, _, _ := rec.snapshot()
	require.False(t, first.Interpolating)
	require.Equal(t, expression.Weights{"happy": 1}, first.Weights)
}

func TestViewerFollowsLiveChanges(t *testing.T) {
	f := newFixture(t)
	rec := &frameRecorder{}
	startClient(t, f, rec)

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	duration := 50.0
	_, err := f.gw.RequestChange(context.Background(), gateway.ChangeRequest{Expression: "frown", Duration: &duration})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, latest, _ := rec.snapshot()
		return !latest.Interpolating && latest.Weights["sad"] == 0.6 && latest.Weights["happy"] == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestViewerResyncsAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	rec := &frameRecorder{}
	startClient(t, f, rec)

	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)

	f.hub.Close()
	zero := 0.0
	_, err := f.gw.RequestChange(context.Background(), gateway.ChangeRequest{Expression: "smile", Duration: &zero})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, latest, _ := rec.snapshot()
		return latest.Weights["happy"] == 1
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, 3*time.Second, 10*time.Millisecond)
}

func TestNewRejectsBadBaseURL(t *testing.T) {
	_, err := New(Options{BaseURL: "ftp://example.com"})
	require.Error(t, err)
	_, err = New(Options{BaseURL: "not a url"})
	require.Error(t, err)
}

func envelopeFor(id string) broadcast.Envelope {
	return broadcast.NewEnvelope(expression.ChangeEvent{
		Mode:       expression.ModeImage,
		Payload:    expression.Entry{ID: id, Mode: expression.ModeImage, Name: id, Image: &expression.ImagePayload{AssetPath: "/img/" + id}},
		Transition: expression.TransitionFade,
	})
}

func payloadIDs(envelopes []broadcast.Envelope) []string {
	ids := []string{}
	for _, e := range envelopes {
		ids = append(ids, e.Data.Payload.ID)
	}
	return ids
}

func TestQueuedEventsCoveredByStateAreSkipped(t *testing.T) {
	pending := []broadcast.Envelope{envelopeFor("happy"), envelopeFor("normal")}

	require.Empty(t, skipSynced(pending, "normal"))
	require.Equal(t, []string{"normal"}, payloadIDs(skipSynced(pending, "happy")))
	require.Equal(t, []string{"happy", "normal"}, payloadIDs(skipSynced(pending, "sad")))
	require.Equal(t, []string{"happy", "normal"}, payloadIDs(skipSynced(pending, "")))

	repeated := []broadcast.Envelope{envelopeFor("happy"), envelopeFor("normal"), envelopeFor("happy")}
	require.Equal(t, []string{"happy"}, payloadIDs(skipSynced(repeated, "normal")))
}

func TestDrainTakesOnlyQueuedEvents(t *testing.T) {
	events := make(chan broadcast.Envelope, 4)
	events <- envelopeFor("a")
	events <- envelopeFor("b")
	require.Equal(t, []string{"a", "b"}, payloadIDs(drain(events)))
	require.Empty(t, drain(events))

	events <- envelopeFor("c")
	close(events)
	require.Equal(t, []string{"c"}, payloadIDs(drain(events)))
}
