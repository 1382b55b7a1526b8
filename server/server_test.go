package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"pmpsync/config"
	"pmpsync/core/auth"
	"pmpsync/core/library/librarytest"
	"pmpsync/core/protocol"
	"pmpsync/core/wire"
	"pmpsync/db/dbtest"
	"pmpsync/model"
	"pmpsync/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassword = "open sesame"

var testPasswordHash = func() string {
	h, err := auth.HashPassword(testPassword)
	if err != nil {
		panic(err)
	}
	return h
}()

type harness struct {
	srv  *Server
	lib  *storage.Library
	http *httptest.Server
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:          "test-secret",
		ServerPasswordHash: testPasswordHash,
		KeepAliveInterval:  time.Second,
		LeaseGrace:         2 * time.Second,
		FlushInterval:      time.Hour,
		LoginRate:          100,
		LoginBurst:         100,
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	lib, err := storage.NewLibrary(t.TempDir())
	require.NoError(t, err)

	srv, err := New(context.Background(), Deps{Config: cfg, DB: dbtest.Server(t), Library: lib})
	require.NoError(t, err)

	hs := httptest.NewServer(srv.TransferHandler())
	t.Cleanup(func() {
		hs.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return &harness{srv: srv, lib: lib, http: hs}
}

// peer is a test device connected to the server over an in-memory pipe.
type peer struct {
	conn     *wire.Conn
	inbox    chan protocol.Message
	deviceID int64
	token    string
}

func collect[T protocol.Message](r *wire.Router, inbox chan protocol.Message) {
	wire.Handle(r, func(_ *wire.Conn, m T) { inbox <- m })
}

func (h *harness) dial(t *testing.T) *peer {
	t.Helper()
	local, remote := net.Pipe()
	go h.srv.ServeConn(remote)

	p := &peer{inbox: make(chan protocol.Message, 64)}
	router := wire.NewRouter()
	collect[*protocol.ActionMessage](router, p.inbox)
	collect[*protocol.PlaybackOwner](router, p.inbox)
	collect[*protocol.PlaybackControl](router, p.inbox)
	collect[*protocol.PlaybackUpdate](router, p.inbox)
	collect[*protocol.FilterList](router, p.inbox)
	collect[*protocol.ErrorMessage](router, p.inbox)

	p.conn = wire.New(local, router, wire.Options{Name: "peer", KeepAliveInterval: time.Second})
	require.NoError(t, p.conn.Open(context.Background()))
	t.Cleanup(func() { p.conn.Close("test done") })
	return p
}

func (p *peer) login(t *testing.T, req *protocol.LoginRequest) *protocol.LoginResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := wire.Roundtrip[*protocol.LoginResponse](ctx, p.conn, req)
	require.NoError(t, err)
	if resp.Status == protocol.LoginOK {
		p.deviceID = resp.DeviceID
		p.token = resp.Token
	}
	return resp
}

func (h *harness) online(t *testing.T, name string) (*peer, *protocol.LoginResponse) {
	t.Helper()
	p := h.dial(t)
	resp := p.login(t, &protocol.LoginRequest{DeviceName: name, Password: testPassword, LastActionID: model.NoAction})
	require.Equal(t, protocol.LoginOK, resp.Status, resp.Reason)
	return p, resp
}

// expect waits for the next pushed message of type T, skipping others.
func expect[T protocol.Message](t *testing.T, p *peer) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-p.inbox:
			if v, ok := m.(T); ok {
				return v
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func (p *peer) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-p.inbox:
		t.Fatalf("unexpected message %s", protocol.LogString(m))
	case <-time.After(d):
	}
}

func nextStatus(t *testing.T, call *wire.Call) *protocol.ActionResponse {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := wire.Next[*protocol.ActionResponse](ctx, call)
	require.NoError(t, err)
	return resp
}

func (h *harness) request(t *testing.T, p *peer, method, path string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, h.http.URL+path, body)
	require.NoError(t, err)
	if p != nil {
		req.Header.Set(protocol.HeaderDeviceID, strconv.FormatInt(p.deviceID, 10))
		req.Header.Set(protocol.HeaderSessionToken, p.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestNewDeviceLoginAssignsIDAndToken(t *testing.T) {
	h := newHarness(t, testConfig())

	a, respA := h.online(t, "laptop")
	b, respB := h.online(t, "phone")

	assert.Greater(t, respB.DeviceID, respA.DeviceID)
	assert.NotEmpty(t, a.token)
	assert.NotEqual(t, a.token, b.token)
	assert.Equal(t, model.NoAction, respA.LatestActionID)
	require.NotNil(t, respA.Playback)
	assert.False(t, respA.Playback.Playing)
	assert.Equal(t, model.NoDevice, respA.OwnerID)
}

func TestLoginDenials(t *testing.T) {
	h := newHarness(t, testConfig())

	p := h.dial(t)
	resp := p.login(t, &protocol.LoginRequest{DeviceName: "x", Password: "wrong"})
	assert.Equal(t, protocol.LoginDenied, resp.Status)
	assert.Empty(t, resp.Token)

	resp = p.login(t, &protocol.LoginRequest{DeviceID: 42, Token: "garbage"})
	assert.Equal(t, protocol.LoginDenied, resp.Status)

	a, _ := h.online(t, "laptop")
	resp = a.login(t, &protocol.LoginRequest{DeviceID: a.deviceID, Token: a.token})
	assert.Equal(t, protocol.LoginDenied, resp.Status)
	assert.Equal(t, "already logged in", resp.Reason)
}

func TestTokenRotatesOnEveryLogin(t *testing.T) {
	h := newHarness(t, testConfig())
	first, _ := h.online(t, "laptop")
	oldToken := first.token
	first.conn.Close("bye")

	again := h.dial(t)
	resp := again.login(t, &protocol.LoginRequest{DeviceID: first.deviceID, Token: oldToken})
	require.Equal(t, protocol.LoginOK, resp.Status, resp.Reason)
	assert.NotEqual(t, oldToken, resp.Token)

	stale := h.dial(t)
	resp = stale.login(t, &protocol.LoginRequest{DeviceID: first.deviceID, Token: oldToken})
	assert.Equal(t, protocol.LoginDenied, resp.Status)

	first.token = oldToken
	res := h.request(t, first, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestLoginIsRateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.LoginRate = 0.001
	cfg.LoginBurst = 2
	h := newHarness(t, cfg)

	p := h.dial(t)
	for i := 0; i < 2; i++ {
		resp := p.login(t, &protocol.LoginRequest{Password: "wrong"})
		assert.NotEqual(t, protocol.ReasonRateLimited, resp.Reason)
	}
	resp := p.login(t, &protocol.LoginRequest{Password: testPassword})
	assert.Equal(t, protocol.LoginDenied, resp.Status)
	assert.Equal(t, protocol.ReasonRateLimited, resp.Reason)
}

func TestSecondConnectionDisplacesFirst(t *testing.T) {
	h := newHarness(t, testConfig())
	first, _ := h.online(t, "laptop")

	second := h.dial(t)
	resp := second.login(t, &protocol.LoginRequest{DeviceID: first.deviceID, Token: first.token})
	require.Equal(t, protocol.LoginOK, resp.Status)

	select {
	case <-first.conn.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("displaced connection stayed open")
	}
	assert.ErrorIs(t, first.conn.Err(), wire.ErrPeerDisconnected)
	assert.Eventually(t, func() bool { return h.srv.hub.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, second.conn.Connected())
}

func TestMessagesBeforeLoginAreRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	p := h.dial(t)

	require.NoError(t, p.conn.Send(&protocol.PlaybackClaim{}))
	e := expect[*protocol.ErrorMessage](t, p)
	assert.Equal(t, protocol.ErrCodeBadRequest, e.Code)
	assert.Equal(t, model.NoDevice, h.srv.slot.Owner())
}

func TestAddActionEndToEnd(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.online(t, "a")
	b, _ := h.online(t, "b")

	call, err := b.conn.Request(&protocol.ActionRequest{Action: model.Action{Type: model.ActionAdd, Filename: "song.flac"}})
	require.NoError(t, err)
	defer call.Close()

	assert.Equal(t, protocol.ActionQueued, nextStatus(t, call).Status)
	assert.Equal(t, protocol.ActionApproved, nextStatus(t, call).Status)

	song := librarytest.FLAC("TITLE=Song", "ARTIST=Band")
	res := h.request(t, b, http.MethodPut, "/song.flac", bytes.NewReader(song))
	require.Equal(t, http.StatusOK, res.StatusCode)
	var uploaded protocol.UploadResult
	require.NoError(t, json.NewDecoder(res.Body).Decode(&uploaded))
	assert.Equal(t, int64(0), uploaded.ActionID)

	done := nextStatus(t, call)
	assert.Equal(t, protocol.ActionCompleted, done.Status)
	assert.Equal(t, int64(0), done.ActionID)

	msg := expect[*protocol.ActionMessage](t, a)
	assert.Equal(t, int64(0), msg.ActionID)
	assert.Equal(t, "song.flac", msg.Action.Filename)
	assert.Equal(t, model.ActionAdd, msg.Action.Type)
	b.quiet(t, 100*time.Millisecond)

	res = h.request(t, a, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var list protocol.TrackList
	require.NoError(t, json.NewDecoder(res.Body).Decode(&list))
	assert.Equal(t, int64(0), list.LatestActionID)
	require.Len(t, list.Tracks, 1)
	assert.Equal(t, "song.flac", list.Tracks[0].Filename)

	res = h.request(t, a, http.MethodGet, "/song.flac", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	got, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, song, got)
	assert.Equal(t, list.Tracks[0].Checksum, res.Header.Get("X-Checksum"))
}

func TestRemoveAndRangeReplay(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.online(t, "a")
	_, err := h.lib.WriteAtomic("old.flac", bytes.NewReader(librarytest.FLAC("TITLE=Old")))
	require.NoError(t, err)
	_, err = h.srv.index.Rescan(context.Background())
	require.NoError(t, err)

	call, err := a.conn.Request(&protocol.ActionRequest{Action: model.Action{Type: model.ActionRemove, Filename: "old.flac"}})
	require.NoError(t, err)
	defer call.Close()
	nextStatus(t, call)
	nextStatus(t, call)
	done := nextStatus(t, call)
	require.Equal(t, protocol.ActionCompleted, done.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	replay, err := wire.Roundtrip[*protocol.ActionRangeResponse](ctx, a.conn, &protocol.ActionRangeRequest{From: 0, To: 10})
	require.NoError(t, err)
	require.Len(t, replay.Actions, 1)
	assert.Equal(t, done.ActionID, replay.Actions[0].ActionID)
	assert.Equal(t, model.ActionRemove, replay.Actions[0].Action.Type)

	res := h.request(t, a, http.MethodGet, "/old.flac", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestImpossibleActionIsInvalidWithoutQueueing(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.online(t, "a")

	for _, action := range []model.Action{
		{Type: model.ActionRemove, Filename: "missing.flac"},
		{Type: model.ActionChangeMetadata, Filename: "x.flac"},
		{Type: model.ActionAdd, Filename: "../escape.flac"},
	} {
		call, err := a.conn.Request(&protocol.ActionRequest{Action: action})
		require.NoError(t, err)
		resp := nextStatus(t, call)
		call.Close()
		assert.Equal(t, protocol.ActionInvalid, resp.Status, action.Filename)
		assert.Equal(t, model.NoAction, resp.ActionID)
	}
	_, held := h.srv.lease.Current()
	assert.False(t, held)
}

func TestStalledLeaseIsTakenOver(t *testing.T) {
	cfg := testConfig()
	cfg.LeaseGrace = 200 * time.Millisecond
	h := newHarness(t, cfg)
	a, _ := h.online(t, "a")
	b, _ := h.online(t, "b")

	first, err := a.conn.Request(&protocol.ActionRequest{Action: model.Action{Type: model.ActionAdd, Filename: "one.flac"}})
	require.NoError(t, err)
	defer first.Close()
	nextStatus(t, first)
	require.Equal(t, protocol.ActionApproved, nextStatus(t, first).Status)

	second, err := b.conn.Request(&protocol.ActionRequest{Action: model.Action{Type: model.ActionAdd, Filename: "two.flac"}})
	require.NoError(t, err)
	defer second.Close()
	assert.Equal(t, protocol.ActionQueued, nextStatus(t, second).Status)
	assert.Equal(t, protocol.ActionApproved, nextStatus(t, second).Status)

	assert.Equal(t, protocol.ActionInvalid, nextStatus(t, first).Status)

	// a 的迟到上传必须被拒绝
	res := h.request(t, a, http.MethodPut, "/one.flac", bytes.NewReader(librarytest.FLAC()))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
}

func TestTransferAuthAndLeaseChecks(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.online(t, "a")

	res := h.request(t, nil, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	bad := &peer{deviceID: a.deviceID, token: "nope"}
	res = h.request(t, bad, http.MethodGet, "/", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = h.request(t, a, http.MethodPut, "/song.flac", bytes.NewReader(librarytest.FLAC()))
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	res = h.request(t, a, http.MethodGet, "/nothing.flac", nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = h.request(t, nil, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
}

func TestInvalidPayloadReleasesLease(t *testing.T) {
	h := newHarness(t, testConfig())
	a, _ := h.online(t, "a")

	call, err := a.conn.Request(&protocol.ActionRequest{Action: model.Action{Type: model.ActionAdd, Filename: "noise.flac"}})
	require.NoError(t, err)
	defer call.Close()
	nextStatus(t, call)
	nextStatus(t, call)

	res := h.request(t, a, http.MethodPut, "/noise.flac", bytes.NewReader([]byte("definitely not audio")))
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, protocol.ActionInvalid, nextStatus(t, call).Status)

	_, held := h.srv.lease.Current()
	assert.False(t, held)
	assert.Equal(t, model.NoAction, h.srv.log.Latest())
}

func TestLeaseCheckEvery(t *testing.T) {
	assert.Equal(t, leaseCheckInterval, leaseCheckEvery(30*time.Second))
	assert.Equal(t, 50*time.Millisecond, leaseCheckEvery(200*time.Millisecond))
	assert.Equal(t, minLeaseCheck, leaseCheckEvery(time.Millisecond))
}

func TestLoadTLSRequiresCertificate(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		TLSCertFile: filepath.Join(dir, "missing.crt"),
		TLSKeyFile:  filepath.Join(dir, "missing.key"),
	}
	_, err := loadTLS(cfg)
	assert.Error(t, err)

	cfg.Plaintext = true
	tlsConfig, err := loadTLS(cfg)
	require.NoError(t, err)
	assert.Nil(t, tlsConfig)
}
