package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"gopkg.in/yaml.v3"

	"github.com/NicolasHaas/roomchat/pkg/client"
	"github.com/NicolasHaas/roomchat/pkg/datastore"
	"github.com/NicolasHaas/roomchat/pkg/logging"
	"github.com/NicolasHaas/roomchat/pkg/model"
	"github.com/NicolasHaas/roomchat/pkg/protocol"
	"github.com/NicolasHaas/roomchat/pkg/version"
)

const (
	wait     = 2 * time.Second
	password = "longenough1"
)

func startTestServer(t *testing.T, cfg Config) (*Server, *datastore.MemoryStore) {
	t.Helper()
	st := datastore.NewMemory()
	srv := New(cfg, Dependencies{Store: st})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Shutdown(); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return srv, st
}

func dial(t *testing.T, srv *Server) *client.Client {
	t.Helper()
	c, err := client.Dial(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func expect(t *testing.T, c *client.Client, typ protocol.Type) protocol.Packet {
	t.Helper()
	pkt, err := c.Expect(typ, wait)
	if err != nil {
		t.Fatalf("Expect(%s): %v", typ, err)
	}
	return pkt
}

func signUp(t *testing.T, c *client.Client, id string) {
	t.Helper()
	if err := c.SignUp(id, password); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	expect(t, c, protocol.TypeAcceptSignUp)
}

// online signs id up on a fresh connection and logs it in.
func online(t *testing.T, srv *Server, id string) *client.Client {
	t.Helper()
	c := dial(t, srv)
	signUp(t, c, id)
	if err := c.Login(id, password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	expect(t, c, protocol.TypeAcceptLogin)
	return c
}

func message(t *testing.T, pkt protocol.Packet) string {
	t.Helper()
	text, ok := pkt.Message()
	if !ok {
		t.Fatalf("%s has no message", pkt.Type())
	}
	return text
}

func members(t *testing.T, pkt protocol.Packet) []string {
	t.Helper()
	ids, ok := pkt.UserList()
	if !ok {
		t.Fatalf("%s has no user list", pkt.Type())
	}
	return ids
}

// eventually polls cond until it holds or wait passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(wait)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSignUp(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	c := dial(t, srv)

	if err := c.SignUp("a@x.com", password); err != nil {
		t.Fatalf("SignUp: %v", err)
	}
	pkt := expect(t, c, protocol.TypeAcceptSignUp)
	if got := message(t, pkt); got != "Created user id: a@x.com" {
		t.Fatalf("accept message: got %q", got)
	}

	tcases := map[string]struct {
		id, password string
		msg          string
	}{
		"duplicate": {"a@x.com", password, "a@x.com already exists"},
		"weak":      {"b@x.com", "short", "Password must be at least 8 characters"},
		"reserved":  {"server", password, "Invalid user id: " + model.ErrUserIDReserved.Error()},
		"spaces":    {"b x", password, "Invalid user id: " + model.ErrUserIDInvalidChars.Error()},
	}
	for name, tc := range tcases {
		t.Run(name, func(t *testing.T) {
			if err := c.SignUp(tc.id, tc.password); err != nil {
				t.Fatalf("SignUp: %v", err)
			}
			pkt := expect(t, c, protocol.TypeRejectSignUp)
			if got := message(t, pkt); got != tc.msg {
				t.Fatalf("reject message: got %q want %q", got, tc.msg)
			}
		})
	}
}

func TestLogin(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	c := dial(t, srv)
	signUp(t, c, "a@x.com")

	for name, creds := range map[string][2]string{
		"wrong_password": {"a@x.com", "wrongpassword"},
		"unknown_id":     {"nobody@x.com", password},
	} {
		t.Run(name, func(t *testing.T) {
			if err := c.Login(creds[0], creds[1]); err != nil {
				t.Fatalf("Login: %v", err)
			}
			if got := message(t, expect(t, c, protocol.TypeRejectLogin)); got != "Invalid user id or password" {
				t.Fatalf("reject message: got %q", got)
			}
		})
	}

	if err := c.Login("a@x.com", password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	pkt := expect(t, c, protocol.TypeAcceptLogin)
	if diff := cmp.Diff([]string{"a@x.com"}, members(t, pkt)); diff != "" {
		t.Fatalf("online list mismatch (-want +got):\n%s", diff)
	}

	// A second LOGIN on an authenticated connection is refused.
	if err := c.Login("a@x.com", password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := message(t, expect(t, c, protocol.TypeRejectLogin)); got != "Already logged in as a@x.com" {
		t.Fatalf("reject message: got %q", got)
	}
}

func TestConcurrentLoginSameID(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	signUp(t, dial(t, srv), "a@x.com")

	clients := []*client.Client{dial(t, srv), dial(t, srv)}
	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Login("a@x.com", password)
		}()
	}
	wg.Wait()

	var accepted, rejected int
	for _, c := range clients {
		pkt, err := c.Next(wait)
		for err == nil && pkt.Type() == protocol.TypeUpdateList {
			pkt, err = c.Next(wait)
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		switch pkt.Type() {
		case protocol.TypeAcceptLogin:
			accepted++
		case protocol.TypeRejectLogin:
			rejected++
			if got := message(t, pkt); got != "a@x.com is being used" {
				t.Fatalf("reject message: got %q", got)
			}
		default:
			t.Fatalf("unexpected %s", pkt.Type())
		}
	}
	if accepted != 1 || rejected != 1 {
		t.Fatalf("got %d accepted and %d rejected, want 1 and 1", accepted, rejected)
	}
}

func TestRoomLifecycle(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	a := online(t, srv, "a")
	b := online(t, srv, "b")

	// Room creation with an invitation.
	if err := a.RequestRoom("a", "r1", []string{"b"}); err != nil {
		t.Fatalf("RequestRoom: %v", err)
	}
	accept := expect(t, a, protocol.TypeAcceptRoom)
	if roomID, _ := accept.RoomID(); roomID != "r1" {
		t.Fatalf("ACCEPT_ROOM room: got %q", roomID)
	}
	invite := expect(t, b, protocol.TypeInvite)
	if from, _ := invite.Sender(); from != "a" {
		t.Fatalf("INVITE sender: got %q want a", from)
	}
	if roomID, _ := invite.RoomID(); roomID != "r1" {
		t.Fatalf("INVITE room: got %q want r1", roomID)
	}

	if err := b.AcceptInvite("b", "r1"); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	for _, c := range []*client.Client{a, b} {
		status := expect(t, c, protocol.TypeRoomStatus)
		if diff := cmp.Diff([]string{"a", "b"}, members(t, status)); diff != "" {
			t.Fatalf("ROOM_STATUS members mismatch (-want +got):\n%s", diff)
		}
	}

	// Messages reach every other member, never the sender.
	if err := a.Say("a", "r1", "hello"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	msg := expect(t, b, protocol.TypeMessage)
	if from, _ := msg.Sender(); from != "a" {
		t.Fatalf("MESSAGE sender: got %q want a", from)
	}
	if got := message(t, msg); got != "hello" {
		t.Fatalf("MESSAGE text: got %q", got)
	}
	if err := a.ExpectSilence(200 * time.Millisecond); err != nil {
		t.Fatalf("sender: %v", err)
	}

	// An abrupt disconnect leaves the room to the remaining member.
	_ = b.Close()
	status := expect(t, a, protocol.TypeRoomStatus)
	if diff := cmp.Diff([]string{"a"}, members(t, status)); diff != "" {
		t.Fatalf("ROOM_STATUS after disconnect mismatch (-want +got):\n%s", diff)
	}
	got, err := srv.Rooms().Members("r1")
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if diff := cmp.Diff([]string{"a"}, got); diff != "" {
		t.Fatalf("r1 members mismatch (-want +got):\n%s", diff)
	}
	eventually(t, "b to go offline", func() bool {
		_, ok := srv.Registry().Lookup("b")
		return !ok
	})

	// The last member leaving removes the room.
	if err := a.LeaveRoom("a", "r1"); err != nil {
		t.Fatalf("LeaveRoom: %v", err)
	}
	eventually(t, "r1 removal", func() bool {
		_, err := srv.Rooms().Members("r1")
		return errors.Is(err, ErrNoSuchRoom)
	})
}

func TestRoomRejections(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	a := online(t, srv, "a")
	b := online(t, srv, "b")

	if err := a.RequestRoom("a", "r1", nil); err != nil {
		t.Fatalf("RequestRoom: %v", err)
	}
	expect(t, a, protocol.TypeAcceptRoom)

	if err := b.RequestRoom("b", "r1", nil); err != nil {
		t.Fatalf("RequestRoom: %v", err)
	}
	if got := message(t, expect(t, b, protocol.TypeRejectRoom)); got != "r1 exists" {
		t.Fatalf("REJECT_ROOM message: got %q", got)
	}

	if err := b.AcceptInvite("b", "missing"); err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if got := message(t, expect(t, b, protocol.TypeRejectRoom)); got != "missing does not exist" {
		t.Fatalf("REJECT_ROOM message: got %q", got)
	}

	// Non-members can neither post nor invite.
	if err := b.Say("b", "r1", "intruder"); err != nil {
		t.Fatalf("Say: %v", err)
	}
	if err := b.Invite("b", "r1", []string{"a"}); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if err := b.RejectInvite("b", "r1"); err != nil {
		t.Fatalf("RejectInvite: %v", err)
	}
	if err := a.ExpectSilence(200 * time.Millisecond); err != nil {
		t.Fatalf("member: %v", err)
	}
}

// lockedBuffer is a bytes.Buffer safe for the concurrent writes of a slog
// handler and a reading test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) records(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		out = append(out, rec)
	}
	return out
}

func TestConnectionLogsCarryUser(t *testing.T) {
	var logs lockedBuffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	srv, _ := startTestServer(t, testConfig())
	b := online(t, srv, "b")

	if err := b.Say("b", "r9", "anyone?"); err != nil {
		t.Fatalf("Say: %v", err)
	}

	var got map[string]any
	eventually(t, "message ignored record", func() bool {
		for _, rec := range logs.records(t) {
			if rec["msg"] == "message ignored" {
				got = rec
				return true
			}
		}
		return false
	})

	tcases := map[string]any{
		logging.KeyUser: "b",
		logging.KeyRoom: "r9",
	}
	for key, want := range tcases {
		if got[key] != want {
			t.Fatalf("%s: got %v want %v in %v", key, got[key], want, got)
		}
	}
	for _, key := range []string{logging.KeyConn, logging.KeyRemote, logging.KeyErr} {
		if v, _ := got[key].(string); v == "" {
			t.Fatalf("%s missing from %v", key, got)
		}
	}
}

func TestInviteAfterCreation(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	a := online(t, srv, "a")
	b := online(t, srv, "b")
	online(t, srv, "c")

	if err := a.RequestRoom("a", "r1", nil); err != nil {
		t.Fatalf("RequestRoom: %v", err)
	}
	expect(t, a, protocol.TypeAcceptRoom)

	// Offline ids and existing members are skipped.
	if err := a.Invite("a", "r1", []string{"a", "b", "offline"}); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	invite := expect(t, b, protocol.TypeInvite)
	if from, _ := invite.Sender(); from != "a" {
		t.Fatalf("INVITE sender: got %q", from)
	}
	if n := srv.Metrics().Values()["roomchat_invites_sent_total"]; n != 1 {
		t.Fatalf("invites_sent_total: got %v want 1", n)
	}
}

func TestPacketsBeforeLoginAreIgnored(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	a := online(t, srv, "a")
	if err := a.RequestRoom("a", "r1", nil); err != nil {
		t.Fatalf("RequestRoom: %v", err)
	}
	expect(t, a, protocol.TypeAcceptRoom)

	anon := dial(t, srv)
	for _, send := range []func() error{
		func() error { return anon.Say("a", "r1", "spoofed") },
		func() error { return anon.AcceptInvite("a", "r1") },
		func() error { return anon.RequestRoom("a", "r2", nil) },
		func() error { return anon.Logout("a") },
	} {
		if err := send(); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if err := anon.ExpectSilence(200 * time.Millisecond); err != nil {
		t.Fatalf("anonymous: %v", err)
	}
	if err := a.ExpectSilence(100 * time.Millisecond); err != nil {
		t.Fatalf("member: %v", err)
	}
	if n := srv.Rooms().Count(); n != 1 {
		t.Fatalf("rooms: got %d want 1", n)
	}
}

func TestLogoutThenLoginElsewhere(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	a := online(t, srv, "a")
	if err := a.RequestRoom("a", "r1", nil); err != nil {
		t.Fatalf("RequestRoom: %v", err)
	}
	expect(t, a, protocol.TypeAcceptRoom)

	if err := a.Logout("a"); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	eventually(t, "logout", func() bool { return srv.Registry().Count() == 0 })
	if n := srv.Rooms().Count(); n != 0 {
		t.Fatalf("rooms after logout: got %d want 0", n)
	}

	other := dial(t, srv)
	if err := other.Login("a", password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	expect(t, other, protocol.TypeAcceptLogin)

	// The first connection stays open and unauthenticated.
	if err := a.Login("a", password); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got := message(t, expect(t, a, protocol.TypeRejectLogin)); got != "a is being used" {
		t.Fatalf("reject message: got %q", got)
	}
}

func TestMalformedFrameDropsConnection(t *testing.T) {
	srv, _ := startTestServer(t, testConfig())
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// A two-byte body cannot hold the type and presence fields.
	if _, err := conn.Write([]byte{2, 0, 0, 0, 9, 0}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("Read: got %v, want EOF after malformed frame", err)
	}
}

func TestPresenceUpdates(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceInterval = 50 * time.Millisecond
	srv, _ := startTestServer(t, cfg)

	a := online(t, srv, "a")
	online(t, srv, "b")

	deadline := time.Now().Add(wait)
	for {
		pkt := expect(t, a, protocol.TypeUpdateList)
		if to, _ := pkt.Receiver(); to != "a" {
			t.Fatalf("UPDATE_LIST receiver: got %q want a", to)
		}
		if cmp.Equal([]string{"a", "b"}, members(t, pkt)) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("never saw both users online")
		}
	}
}

func TestShutdownClosesClients(t *testing.T) {
	srv := New(testConfig(), Dependencies{Store: datastore.NewMemory()})
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c, err := client.Dial(context.Background(), srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()
	signUp(t, c, "a")

	if err := srv.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-c.Done():
	case <-time.After(wait):
		t.Fatalf("client still connected after Shutdown")
	}
	if err := srv.Shutdown(); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
	if _, err := net.Dial("tcp", srv.Addr().String()); err == nil {
		t.Fatalf("listener still accepting after Shutdown")
	}
}

func TestConnectionEventsRecorded(t *testing.T) {
	srv, st := startTestServer(t, testConfig())
	a := online(t, srv, "a")
	_ = a.Close()

	var kinds []model.EventKind
	eventually(t, "disconnect event", func() bool {
		events, err := st.ListEvents(context.Background(), datastore.EventFilters{})
		if err != nil {
			t.Fatalf("ListEvents: %v", err)
		}
		kinds = kinds[:0]
		for _, ev := range events {
			kinds = append(kinds, ev.Kind)
		}
		return len(kinds) > 0 && kinds[len(kinds)-1] == model.EventDisconnected
	})
	want := []model.EventKind{
		model.EventServerStarted, model.EventConnected, model.EventSignUp,
		model.EventLogin, model.EventDisconnected,
	}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("recorded events mismatch (-want +got):\n%s", diff)
	}
}

func TestAdminHTTP(t *testing.T) {
	cfg := testConfig()
	cfg.AdminAddr = "127.0.0.1:0"
	srv, _ := startTestServer(t, cfg)
	base := "http://" + srv.AdminAddr().String()

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.AdminAddr().String()+"/events", nil)
	if err != nil {
		t.Fatalf("Dial /events: %v", err)
	}
	defer ws.Close()
	eventually(t, "events subscriber", func() bool { return srv.Feed().Subscribers() == 1 })

	a := online(t, srv, "a")
	if err := a.RequestRoom("a", "r1", nil); err != nil {
		t.Fatalf("RequestRoom: %v", err)
	}
	expect(t, a, protocol.TypeAcceptRoom)

	t.Run("events", func(t *testing.T) {
		_ = ws.SetReadDeadline(time.Now().Add(wait))
		var seen []model.EventKind
		for {
			var ev model.Event
			if err := ws.ReadJSON(&ev); err != nil {
				t.Fatalf("ReadJSON after %v: %v", seen, err)
			}
			seen = append(seen, ev.Kind)
			if ev.Kind == model.EventRoomCreated {
				if ev.RoomID != "r1" || ev.UserID != "a" {
					t.Fatalf("room event: got %+v", ev)
				}
				return
			}
		}
	})

	t.Run("healthz", func(t *testing.T) {
		body := httpGet(t, base+"/healthz")
		if body != "ok\n" {
			t.Fatalf("healthz: got %q", body)
		}
	})

	t.Run("status", func(t *testing.T) {
		var report StatusReport
		if err := yaml.Unmarshal([]byte(httpGet(t, base+"/status")), &report); err != nil {
			t.Fatalf("Unmarshal status: %v", err)
		}
		if report.Online != 1 || len(report.Sessions) != 1 || report.Sessions[0].ID != "a" {
			t.Fatalf("status sessions: got %+v", report.Sessions)
		}
		if len(report.Rooms) != 1 || report.Rooms[0].ID != "r1" || report.Rooms[0].Creator != "a" {
			t.Fatalf("status rooms: got %+v", report.Rooms)
		}
		if diff := cmp.Diff(version.Info(), report.Build); diff != "" {
			t.Fatalf("status build mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("metrics", func(t *testing.T) {
		body := httpGet(t, base+"/metrics")
		for _, want := range []string{"roomchat_sessions_online 1", "roomchat_rooms_active 1"} {
			if !strings.Contains(body, want) {
				t.Fatalf("metrics missing %q", want)
			}
		}
	})
}

func httpGet(t *testing.T, url string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestStartValidates(t *testing.T) {
	cfg := testConfig()
	cfg.OutboxSize = 0
	srv := New(cfg, Dependencies{Store: datastore.NewMemory()})
	if err := srv.Start(); err == nil {
		_ = srv.Shutdown()
		t.Fatalf("Start with invalid config: want error")
	}

	if err := New(testConfig(), Dependencies{}).Start(); err == nil {
		t.Fatalf("Start without store: want error")
	}
}
