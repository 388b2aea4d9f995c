package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/annolab/collab-server/internal/v1/annotation"
	"github.com/annolab/collab-server/internal/v1/auth"
	"github.com/annolab/collab-server/internal/v1/config"
	"github.com/annolab/collab-server/internal/v1/conflict"
	"github.com/annolab/collab-server/internal/v1/cursor"
	"github.com/annolab/collab-server/internal/v1/notify"
	"github.com/annolab/collab-server/internal/v1/ot"
	"github.com/annolab/collab-server/internal/v1/presence"
	"github.com/annolab/collab-server/internal/v1/queue"
	"github.com/annolab/collab-server/internal/v1/ratelimit"
	"github.com/annolab/collab-server/internal/v1/restapi"
	"github.com/annolab/collab-server/internal/v1/room"
	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// subjectValidator treats the bearer token itself as the user id.
type subjectValidator struct{}

func (subjectValidator) ValidateToken(token string) (*auth.Claims, error) {
	if token == "" {
		return nil, auth.ErrMissingToken
	}
	claims := &auth.Claims{Name: "User " + token, Role: "annotator"}
	claims.Subject = token
	return claims, nil
}

// fakeDirectory serves canned users and per-project access decisions.
type fakeDirectory struct {
	denied map[string]bool
}

func (f *fakeDirectory) GetUser(_ context.Context, userID types.UserIDType) (*types.User, error) {
	return &types.User{ID: userID, DisplayName: "User " + string(userID), Role: types.RoleAnnotator}, nil
}

func (f *fakeDirectory) CheckProjectAccess(_ context.Context, projectID string, _ types.UserIDType) (bool, error) {
	return !f.denied[projectID], nil
}

func (f *fakeDirectory) GetMembership(_ context.Context, _ string, _ types.UserIDType) (*restapi.Membership, error) {
	return nil, errors.New("not implemented")
}

type testServer struct {
	hub *Hub
	srv *httptest.Server
}

func newTestServer(t *testing.T, dir *fakeDirectory) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	limiter, err := ratelimit.New("1000-M", "1000-M", nil)
	require.NoError(t, err)

	rooms := room.NewManager(nil, "")
	engine := ot.NewEngine()
	detector := conflict.NewDetector()
	resolver := conflict.NewResolver(nil)
	queues, err := queue.NewManager(queue.Options{}, nil)
	require.NoError(t, err)

	presenceTracker := presence.NewTracker(func(ctx context.Context, roomID types.RoomIDType, event string, payload any) {
		rooms.Broadcast(ctx, roomID, event, payload, "")
	}, nil)
	cursorTracker := cursor.NewTracker(func(ctx context.Context, roomID types.RoomIDType, event string, payload any, excludeUser types.UserIDType) {
		rooms.BroadcastExcludeUser(ctx, roomID, event, payload, excludeUser)
	})

	var hub *Hub
	notifier := notify.NewDispatcher(queues, func(ctx context.Context, userID types.UserIDType, event string, payload any) bool {
		return hub.SendToUser(ctx, userID, event, payload)
	})
	annotations := annotation.NewBroadcaster(rooms, engine, detector, resolver, notifier, nil)

	hub = NewHub(Deps{
		Config:      &config.Config{},
		Validator:   subjectValidator{},
		Directory:   dir,
		Limiter:     limiter,
		Rooms:       rooms,
		Presence:    presenceTracker,
		Cursors:     cursorTracker,
		Annotations: annotations,
		Engine:      engine,
		Queues:      queues,
		Notifier:    notifier,
		Cluster:     nil,
	}, nil)

	router := gin.New()
	router.GET("/ws/collab/:projectId", hub.ServeWs)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		hub.Shutdown(ctx)
		srv.Close()
	})
	return &testServer{hub: hub, srv: srv}
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws/collab/p1?token=" + userID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	frame := types.Frame{Event: event, Payload: data, Timestamp: time.Now().UnixMilli()}
	require.NoError(t, conn.WriteJSON(frame))
}

// readUntil reads frames until one matches the predicate or the deadline hits.
func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "expected frame never arrived")
		var msg map[string]any
		require.NoError(t, json.Unmarshal(data, &msg))
		if match(msg) {
			return msg
		}
	}
}

func eventIs(name string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["event"] == name }
}

func errorCodeIs(code string) func(map[string]any) bool {
	return func(m map[string]any) bool {
		if m["event"] != types.EventError {
			return false
		}
		payload, ok := m["payload"].(map[string]any)
		return ok && payload["code"] == code
	}
}

func join(t *testing.T, conn *websocket.Conn, projectID string) map[string]any {
	t.Helper()
	sendFrame(t, conn, types.EventJoinProject, map[string]any{"projectId": projectID, "textId": "t1"})
	return readUntil(t, conn, eventIs(types.EventRoomState))
}

func TestServeWsRejectsMissingToken(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{})

	resp, err := http.Get(ts.srv.URL + "/ws/collab/p1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinDeliversRoomState(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{})
	conn := ts.dial(t, "alice")

	state := join(t, conn, "p1")
	payload := state["payload"].(map[string]any)
	assert.NotEmpty(t, payload["roomId"])
	assert.Equal(t, "p1", payload["projectId"])

	users := payload["users"].([]any)
	require.Len(t, users, 1)

	presenceRecords := payload["presence"].([]any)
	require.Len(t, presenceRecords, 1)
}

func TestJoinDeniedWithoutAccess(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{denied: map[string]bool{"p2": true}})
	conn := ts.dial(t, "alice")

	sendFrame(t, conn, types.EventJoinProject, map[string]any{"projectId": "p2"})
	readUntil(t, conn, errorCodeIs(types.CodeAuthzError))
}

func TestUnknownEventReturnsValidationError(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{})
	conn := ts.dial(t, "alice")

	sendFrame(t, conn, "no-such-event", map[string]any{})
	readUntil(t, conn, errorCodeIs(types.CodeValidationError))
}

func TestRoomEventsRequireJoin(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{})
	conn := ts.dial(t, "alice")

	sendFrame(t, conn, types.EventCursorPosition, map[string]any{"projectId": "p1", "textId": "t1", "position": 3})
	readUntil(t, conn, errorCodeIs(types.CodeRoomError))
}

func TestPeerSeesJoinAndCursor(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{})

	alice := ts.dial(t, "alice")
	join(t, alice, "p1")

	bob := ts.dial(t, "bob")
	join(t, bob, "p1")

	// Alice hears about Bob's arrival.
	joined := readUntil(t, alice, eventIs(types.EventUserJoined))
	user := joined["payload"].(map[string]any)["user"].(map[string]any)
	assert.Equal(t, "bob", user["id"])

	// Bob's cursor movement reaches Alice.
	sendFrame(t, bob, types.EventCursorPosition, map[string]any{"projectId": "p1", "textId": "t1", "position": 7})
	update := readUntil(t, alice, eventIs(types.EventCursorUpdate))
	cursorState := update["payload"].(map[string]any)
	assert.Equal(t, "bob", cursorState["userId"])
	assert.Equal(t, float64(7), cursorState["position"])
}

func TestAnnotationRoundTrip(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{})

	alice := ts.dial(t, "alice")
	join(t, alice, "p1")
	bob := ts.dial(t, "bob")
	join(t, bob, "p1")
	readUntil(t, alice, eventIs(types.EventUserJoined))

	sendFrame(t, alice, types.EventAnnotationCreate, map[string]any{
		"projectId": "p1",
		"textId":    "t1",
		"annotation": map[string]any{
			"textId":      "t1",
			"startOffset": 0,
			"endOffset":   9,
			"text":        "span text",
			"labels":      []string{"person"},
			"localId":     "tmp-1",
		},
	})

	confirm := readUntil(t, alice, eventIs(types.EventAnnotationCreateConfirm))
	assert.Equal(t, "tmp-1", confirm["payload"].(map[string]any)["localId"])

	created := readUntil(t, bob, eventIs(types.EventAnnotationCreated))
	ann := created["payload"].(map[string]any)
	assert.Equal(t, "alice", ann["authorId"])
	assert.NotEmpty(t, ann["id"])
}

func TestSessionTakeoverPastCap(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{})

	first := ts.dial(t, "alice")
	for i := 1; i < maxSessionsPerUser; i++ {
		ts.dial(t, "alice")
	}

	// The connection past the cap evicts the oldest session.
	ts.dial(t, "alice")
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	assert.Eventually(t, func() bool {
		users, sessions, _ := ts.hub.Stats()
		return users == 1 && sessions == maxSessionsPerUser
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStatsAndShutdown(t *testing.T) {
	ts := newTestServer(t, &fakeDirectory{})

	ts.dial(t, "alice")
	ts.dial(t, "bob")
	assert.Eventually(t, func() bool {
		users, sessions, _ := ts.hub.Stats()
		return users == 2 && sessions == 2
	}, 2*time.Second, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ts.hub.Shutdown(ctx)

	_, sessions, _ := ts.hub.Stats()
	assert.Zero(t, sessions)

	// New connections are refused while shutting down.
	resp, err := http.Get(ts.srv.URL + "/ws/collab/p1?token=carol")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
