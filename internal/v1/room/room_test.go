package room

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/annolab/collab-server/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClient implements types.ClientInterface for room-level tests.
type fakeClient struct {
	sessionID types.SessionIDType
	user      types.User

	mu     sync.Mutex
	events []string
}

func newFakeClient(session string, userID string) *fakeClient {
	return &fakeClient{
		sessionID: types.SessionIDType(session),
		user: types.User{
			ID:          types.UserIDType(userID),
			DisplayName: userID,
			Role:        types.RoleAnnotator,
		},
	}
}

func (f *fakeClient) GetSessionID() types.SessionIDType { return f.sessionID }
func (f *fakeClient) GetUserID() types.UserIDType       { return f.user.ID }
func (f *fakeClient) GetDisplayName() string            { return f.user.DisplayName }
func (f *fakeClient) GetRole() types.RoleType           { return f.user.Role }
func (f *fakeClient) GetUser() types.User               { return f.user }
func (f *fakeClient) Disconnect()                       {}

func (f *fakeClient) Send(event string, _ any) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeClient) SendError(code, _ string, _ map[string]any) {
	f.mu.Lock()
	f.events = append(f.events, "error:"+code)
	f.mu.Unlock()
}

func (f *fakeClient) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func TestMakeRoomID(t *testing.T) {
	assert.Equal(t, types.RoomIDType("project:p1"), MakeRoomID("p1", "", ""))
	assert.Equal(t, types.RoomIDType("project:p1:text:t1"), MakeRoomID("p1", "t1", ""))

	// Salted ids are stable, opaque and distinct per input.
	salted := MakeRoomID("p1", "t1", "salt")
	assert.Equal(t, salted, MakeRoomID("p1", "t1", "salt"))
	assert.NotEqual(t, salted, MakeRoomID("p1", "t2", "salt"))
	assert.NotEqual(t, salted, MakeRoomID("p1", "t1", "other-salt"))
	assert.NotContains(t, string(salted), "p1")
}

func TestJoinCreatesRoomAndTracksMembers(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	c1 := newFakeClient("s1", "alice")
	r, err := m.Join(ctx, "p1", "t1", c1)
	require.NoError(t, err)
	assert.Equal(t, 1, r.MemberCount())

	// Second session of the same user does not add a member.
	c2 := newFakeClient("s2", "alice")
	_, err = m.Join(ctx, "p1", "t1", c2)
	require.NoError(t, err)
	assert.Equal(t, 1, r.MemberCount())

	c3 := newFakeClient("s3", "bob")
	_, err = m.Join(ctx, "p1", "t1", c3)
	require.NoError(t, err)
	assert.Equal(t, 2, r.MemberCount())
	assert.True(t, r.HasUser("bob"))

	stats := r.Stats()
	assert.Equal(t, int64(3), stats.TotalJoins)
	assert.Equal(t, 2, stats.PeakUsers)
}

func TestJoinCapacity(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	for i := 0; i < maxOccupancy; i++ {
		c := newFakeClient("s"+string(rune('a'+i%26))+string(rune('0'+i/26)), "user-"+string(rune('a'+i%26))+string(rune('0'+i/26)))
		_, err := m.Join(ctx, "p1", "", c)
		require.NoError(t, err)
	}

	_, err := m.Join(ctx, "p1", "", newFakeClient("overflow", "late-user"))
	assert.ErrorIs(t, err, ErrRoomFull)

	// A user already present still gets another session in.
	_, err = m.Join(ctx, "p1", "", newFakeClient("second-tab", "user-a0"))
	assert.NoError(t, err)
}

func TestBroadcastExclusions(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	alice := newFakeClient("s1", "alice")
	bob := newFakeClient("s2", "bob")
	_, err := m.Join(ctx, "p1", "", alice)
	require.NoError(t, err)
	r, err := m.Join(ctx, "p1", "", bob)
	require.NoError(t, err)

	r.Broadcast("hello", nil, alice.sessionID)
	assert.Empty(t, alice.received())
	assert.Equal(t, []string{"hello"}, bob.received())

	r.BroadcastExcludeUser("bye", nil, "bob")
	assert.Equal(t, []string{"hello"}, bob.received())
	assert.Equal(t, []string{"bye"}, alice.received())
}

func TestSendToUserHitsAllSessions(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	tab1 := newFakeClient("s1", "alice")
	tab2 := newFakeClient("s2", "alice")
	_, err := m.Join(ctx, "p1", "", tab1)
	require.NoError(t, err)
	r, err := m.Join(ctx, "p1", "", tab2)
	require.NoError(t, err)

	assert.True(t, r.SendToUser("alice", "ping", nil))
	assert.Equal(t, []string{"ping"}, tab1.received())
	assert.Equal(t, []string{"ping"}, tab2.received())
	assert.False(t, r.SendToUser("nobody", "ping", nil))
}

func TestLeaveLastSessionKeepsRoomUntilIdleSweep(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	var cleaned []types.RoomIDType
	var mu sync.Mutex
	m.OnCleanup(func(roomID types.RoomIDType) {
		mu.Lock()
		cleaned = append(cleaned, roomID)
		mu.Unlock()
	})

	c := newFakeClient("s1", "alice")
	r, err := m.Join(ctx, "p1", "", c)
	require.NoError(t, err)

	last := m.Leave(ctx, r.ID, c.sessionID, c.user.ID)
	assert.True(t, last)

	// The emptied room survives the departure and a sweep inside the idle
	// threshold, so a reconnecting user finds it again.
	_, exists := m.Get(r.ID)
	require.True(t, exists)
	m.sweep(ctx)
	_, exists = m.Get(r.ID)
	assert.True(t, exists)
	mu.Lock()
	assert.Empty(t, cleaned)
	mu.Unlock()

	// Past the threshold the sweep reclaims it and runs cleanup hooks.
	r.mu.Lock()
	r.lastActivity = time.Now().Add(-idleThreshold - time.Minute)
	r.mu.Unlock()
	m.sweep(ctx)

	_, exists = m.Get(r.ID)
	assert.False(t, exists)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, cleaned, 1)
	assert.Equal(t, r.ID, cleaned[0])
}

func TestSweepSparesQuietOccupiedRoom(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	c := newFakeClient("s1", "alice")
	r, err := m.Join(ctx, "p1", "", c)
	require.NoError(t, err)

	r.mu.Lock()
	r.lastActivity = time.Now().Add(-idleThreshold - time.Minute)
	r.mu.Unlock()
	m.sweep(ctx)

	// A long-quiet room with a live member is never destroyed.
	_, exists := m.Get(r.ID)
	assert.True(t, exists)
	assert.Empty(t, c.received())
}

func TestLeaveKeepsRoomWhileOccupied(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	alice := newFakeClient("s1", "alice")
	bob := newFakeClient("s2", "bob")
	r, err := m.Join(ctx, "p1", "", alice)
	require.NoError(t, err)
	_, err = m.Join(ctx, "p1", "", bob)
	require.NoError(t, err)

	assert.True(t, m.Leave(ctx, r.ID, alice.sessionID, alice.user.ID))
	_, exists := m.Get(r.ID)
	assert.True(t, exists)
	assert.Equal(t, 1, r.MemberCount())
}

func TestTotalStats(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	r1, err := m.Join(ctx, "p1", "", newFakeClient("s1", "alice"))
	require.NoError(t, err)
	_, err = m.Join(ctx, "p2", "", newFakeClient("s2", "bob"))
	require.NoError(t, err)
	r1.Broadcast("x", nil, "")

	rooms, users, messages := m.TotalStats()
	assert.Equal(t, 2, rooms)
	assert.Equal(t, 2, users)
	assert.Equal(t, int64(1), messages)
}

func TestConcurrentBroadcastsKeepRecipientOrderAligned(t *testing.T) {
	m := NewManager(nil, "")
	ctx := context.Background()

	alice := newFakeClient("s1", "alice")
	bob := newFakeClient("s2", "bob")
	carol := newFakeClient("s3", "carol")
	_, err := m.Join(ctx, "p1", "", alice)
	require.NoError(t, err)
	_, err = m.Join(ctx, "p1", "", bob)
	require.NoError(t, err)
	r, err := m.Join(ctx, "p1", "", carol)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Broadcast(fmt.Sprintf("e%d", i), nil, "")
		}(i)
	}
	wg.Wait()

	// Every member observes the broadcasts in one shared order.
	require.Len(t, alice.received(), 50)
	assert.Equal(t, alice.received(), bob.received())
	assert.Equal(t, bob.received(), carol.received())
}

func TestRunStopTerminatesCleanly(t *testing.T) {
	m := NewManager(nil, "")
	go m.Run()
	m.Stop()
}
