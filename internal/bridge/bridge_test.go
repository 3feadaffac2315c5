package bridge

import (
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanikai/alohacdm/internal/cdmi"
)

type fakeSession struct {
	mu        sync.Mutex
	cb        cdmi.Callback
	updates   [][]byte
	destroyed bool
}

func (s *fakeSession) Run(cb cdmi.Callback) {
	s.mu.Lock()
	s.cb = cb
	s.mu.Unlock()
	if cb != nil {
		cb.OnKeyMessage([]byte("challenge"), "PROVISION")
	}
}

func (s *fakeSession) Update(msg []byte) {
	s.mu.Lock()
	s.updates = append(s.updates, msg)
	cb := s.cb
	s.mu.Unlock()
	if cb != nil {
		cb.OnKeyReady()
	}
}

func (s *fakeSession) Load() error   { return cdmi.ErrNotImplemented }
func (s *fakeSession) Remove() error { return cdmi.ErrNotImplemented }
func (s *fakeSession) Close() error  { return nil }

func (s *fakeSession) Decrypt(payload, iv, keyID []byte) ([]byte, error) {
	return nil, cdmi.ErrNotSupported
}

func (s *fakeSession) ReleaseClearContent(opaque []byte) error {
	return cdmi.ErrNotSupported
}

func (s *fakeSession) SessionID() string { return "SYSTEMSESSION_ID:1" }
func (s *fakeSession) KeySystem() string { return "SYSTEMSESSION_ID:1" }

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	initData [][]byte
}

func (f *fakeFactory) CreateSession(initData []byte) (cdmi.KeySession, error) {
	if string(initData) == "bad" {
		return nil, errors.New("bad init data")
	}
	s := &fakeSession{}
	f.mu.Lock()
	f.sessions = append(f.sessions, s)
	f.initData = append(f.initData, initData)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) DestroySession(ks cdmi.KeySession) {
	s := ks.(*fakeSession)
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
}

func (f *fakeFactory) allDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		s.mu.Lock()
		d := s.destroyed
		s.mu.Unlock()
		if !d {
			return false
		}
	}
	return len(f.sessions) > 0
}

func dial(t *testing.T, f Factory) *websocket.Conn {
	s := NewServer(":0", map[string]Factory{"system": f})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func next(t *testing.T, ws *websocket.Conn) Event {
	var ev Event
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, ws.ReadJSON(&ev))
	return ev
}

func TestSessionLifecycle(t *testing.T) {
	f := &fakeFactory{}
	ws := dial(t, f)

	require.NoError(t, ws.WriteJSON(Request{Op: "create", Kind: "system", InitData: []byte{0, 0, 0, 32}}))
	created := next(t, ws)
	assert.Equal(t, "created", created.Type)
	assert.Equal(t, "SYSTEMSESSION_ID:1", created.ID)
	require.NotEmpty(t, created.Session)

	msg := next(t, ws)
	assert.Equal(t, Event{Type: "keymessage", Session: created.Session, Reason: "PROVISION", Data: []byte("challenge")}, msg)

	require.NoError(t, ws.WriteJSON(Request{Op: "update", Session: created.Session, Data: []byte("response")}))
	assert.Equal(t, Event{Type: "keyready", Session: created.Session}, next(t, ws))

	require.NoError(t, ws.WriteJSON(Request{Op: "destroy", Session: created.Session}))
	assert.Equal(t, Event{Type: "destroyed", Session: created.Session}, next(t, ws))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.sessions, 1)
	assert.Equal(t, [][]byte{{0, 0, 0, 32}}, f.initData)
	assert.Equal(t, [][]byte{[]byte("response")}, f.sessions[0].updates)
	assert.True(t, f.sessions[0].destroyed)
}

func TestErrors(t *testing.T) {
	testCases := []struct {
		name string
		req  Request
		want string
	}{
		{"unknown kind", Request{Op: "create", Kind: "connect"}, `unknown session kind "connect"`},
		{"create failure", Request{Op: "create", Kind: "system", InitData: []byte("bad")}, "create system session: bad init data"},
		{"unknown session", Request{Op: "update", Session: "nope"}, `no session "nope"`},
		{"unknown op", Request{Op: "renew"}, `unexpected op "renew"`},
	}

	ws := dial(t, &fakeFactory{})
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.NoError(t, ws.WriteJSON(tc.req))
			ev := next(t, ws)
			assert.Equal(t, "error", ev.Type)
			assert.Equal(t, tc.want, ev.Error)
		})
	}
}

func TestDisconnectDestroysSessions(t *testing.T) {
	f := &fakeFactory{}
	ws := dial(t, f)

	for i := 0; i < 3; i++ {
		require.NoError(t, ws.WriteJSON(Request{Op: "create", Kind: "system"}))
		assert.Equal(t, "created", next(t, ws).Type)
		assert.Equal(t, "keymessage", next(t, ws).Type)
	}
	ws.Close()

	assert.Eventually(t, f.allDestroyed, 5*time.Second, 10*time.Millisecond)
}

func TestRunToggle(t *testing.T) {
	ws := dial(t, &fakeFactory{})

	require.NoError(t, ws.WriteJSON(Request{Op: "create", Kind: "system"}))
	created := next(t, ws)
	assert.Equal(t, "keymessage", next(t, ws).Type)

	require.NoError(t, ws.WriteJSON(Request{Op: "run", Session: created.Session}))
	ev := next(t, ws)
	assert.Equal(t, "error", ev.Type)
	assert.Equal(t, `session already in "run" state`, ev.Error)

	require.NoError(t, ws.WriteJSON(Request{Op: "stop", Session: created.Session}))
	require.NoError(t, ws.WriteJSON(Request{Op: "run", Session: created.Session}))
	assert.Equal(t, Event{Type: "keymessage", Session: created.Session, Reason: "PROVISION", Data: []byte("challenge")}, next(t, ws))
}
