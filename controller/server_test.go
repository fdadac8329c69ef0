package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"auralis_expression/database"
	"auralis_expression/expression"
	"auralis_expression/gateway"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	events []expression.ChangeEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event expression.ChangeEvent) error {
	p.events = append(p.events, event)
	return nil
}

func decodeStructuredContent[T any](t *testing.T, value any) T {
	t.Helper()
	data, err := json.Marshal(value)
	require.NoError(t, err)
	var output T
	require.NoError(t, json.Unmarshal(data, &output))
	return output
}

func connect(t *testing.T, names ...string) (*mcp.ClientSession, *recordingPublisher) {
	t.Helper()
	ctx := context.Background()

	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "controller.db"))
	require.NoError(t, err)
	store, err := expression.NewStore(db)
	require.NoError(t, err)
	for _, name := range names {
		_, err := store.Put(ctx, expression.Entry{
			Mode:  expression.ModeImage,
			Name:  name,
			Image: &expression.ImagePayload{AssetPath: "/img/" + name + ".png"},
		})
		require.NoError(t, err)
	}

	pub := &recordingPublisher{}
	server := NewServer(gateway.New(store, pub, nil), nil)

	serveCtx, cancel := context.WithCancel(ctx)
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.serveWithTransport(serveCtx, serverTransport)
	}()

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	connectCtx, connectCancel := context.WithTimeout(ctx, 2*time.Second)
	defer connectCancel()
	session, err := client.Connect(connectCtx, clientTransport, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = session.Close()
		cancel()
		select {
		case <-serveErr:
		case <-time.After(2 * time.Second):
			t.Error("tool server did not stop")
		}
	})
	return session, pub
}

func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	require.NotNil(t, result)
	return result
}

func TestToolsAreListed(t *testing.T) {
	session, _ := connect(t)
	tools, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	require.True(t, names["list_expressions"])
	require.True(t, names["change_expression"])
	require.True(t, names["get_current_expression"])
}

func TestChangeExpressionTool(t *testing.T) {
	session, pub := connect(t, "normal", "happy")

	result := callTool(t, session, "change_expression", map[string]any{
		"expression": "happy",
		"transition": "instant",
		"duration":   0,
	})
	require.False(t, result.IsError, "%+v", result.Content)
	out := decodeStructuredContent[ChangeExpressionResult](t, result.StructuredContent)
	require.Equal(t, "happy", out.DisplayName)

	require.Len(t, pub.events, 1)
	require.Zero(t, pub.events[0].DurationMillis)

	current := callTool(t, session, "get_current_expression", nil)
	require.False(t, current.IsError)
	got := decodeStructuredContent[CurrentExpressionResult](t, current.StructuredContent)
	require.Equal(t, "selected", got.Status)
	require.Equal(t, "happy", got.Name)
}

func TestChangeExpressionToolRejectsUnknownName(t *testing.T) {
	session, pub := connect(t, "normal")

	result := callTool(t, session, "change_expression", map[string]any{"expression": "does-not-exist"})
	require.True(t, result.IsError)
	require.Empty(t, pub.events)

	result = callTool(t, session, "change_expression", map[string]any{"expression": "normal", "transition": "spin"})
	require.True(t, result.IsError)
	require.Empty(t, pub.events)
}

func TestListExpressionsTool(t *testing.T) {
	session, _ := connect(t, "normal", "happy")

	result := callTool(t, session, "list_expressions", nil)
	require.False(t, result.IsError)
	out := decodeStructuredContent[ListExpressionsResult](t, result.StructuredContent)
	require.Len(t, out.Expressions, 2)
	defaults := map[string]bool{}
	for _, item := range out.Expressions {
		defaults[item.Name] = item.IsDefault
	}
	require.Equal(t, map[string]bool{"normal": true, "happy": false}, defaults)
}

func TestCurrentExpressionReportsNone(t *testing.T) {
	session, _ := connect(t)
	result := callTool(t, session, "get_current_expression", nil)
	require.False(t, result.IsError)
	out := decodeStructuredContent[CurrentExpressionResult](t, result.StructuredContent)
	require.Equal(t, "none", out.Status)
}

func TestPresenceRegistersAndUnregisters(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	presence := NewPresence(client, "test-controller", "stdio", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		presence.Run(ctx)
	}()

	require.Eventually(t, func() bool { return mr.Exists(presenceKeyPrefix + presence.ID()) }, time.Second, 10*time.Millisecond)
	require.Equal(t, presenceTTL, mr.TTL(presenceKeyPrefix+presence.ID()))

	active, err := ActiveControllers(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "test-controller", active[0].Name)

	cancel()
	<-done
	require.False(t, mr.Exists(presenceKeyPrefix+presence.ID()))
}

func TestPresenceSurvivesRedisOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	presence := NewPresence(client, "", "http", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NotPanics(t, func() { presence.Run(ctx) })

	var missing *Presence
	require.NotPanics(t, func() { missing.Run(context.Background()) })
	require.Nil(t, NewPresence(nil, "", "", nil))
}

func TestPresenceRouteListsControllers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	raw, err := json.Marshal(Registration{ID: "c1", Name: "desk", Transport: "http", StartedAt: time.Unix(0, 0).UTC()})
	require.NoError(t, err)
	require.NoError(t, mr.Set(presenceKeyPrefix+"c1", string(raw)))

	active, err := ActiveControllers(context.Background(), client)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "desk", active[0].Name)

	router := gin.New()
	RegisterPresenceRoutes(router, nil, client, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/controllers", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
