package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/linechat/pkg/store"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// startTestServer starts a server on ephemeral ports with its snapshot in a
// temp dir. mutate tweaks the config before start.
func startTestServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.MetricsPort = 0
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "snapshot.db")
	if mutate != nil {
		mutate(&cfg)
	}

	srv := NewServer(cfg)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

// testClient is a raw TCP client speaking the line protocol. Reads
// accumulate into a buffer because responses carry no trailing newline.
type testClient struct {
	t    *testing.T
	conn net.Conn
	buf  string
}

func dialTestServer(t *testing.T, srv *Server) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn}
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := fmt.Fprintf(c.conn, "%s\n", line)
	require.NoError(c.t, err)
}

// expect reads until the accumulated output contains want.
func (c *testClient) expect(want string) {
	c.t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	chunk := make([]byte, 4096)
	for !strings.Contains(c.buf, want) {
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(chunk)
		c.buf += string(chunk[:n])
		if err != nil && !strings.Contains(c.buf, want) {
			c.t.Fatalf("waiting for %q, have %q: %v", want, c.buf, err)
		}
	}
}

// expectClosed reads until the server closes the connection.
func (c *testClient) expectClosed() {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	chunk := make([]byte, 256)
	for {
		_, err := c.conn.Read(chunk)
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			c.t.Fatal("connection still open, expected server-side close")
		}
		return
	}
}

// login logs in and waits until the login took effect on the server, so
// follow-up deliveries to this user cannot race the session binding.
func (c *testClient) login(srv *Server, name string) {
	c.t.Helper()

	c.send("login " + name)
	require.Eventually(c.t, func() bool {
		key, online := srv.users.ActiveSession(name)
		if !online {
			return false
		}
		_, ok := srv.sessions.Get(key)
		return ok
	}, 3*time.Second, 5*time.Millisecond)
}

func TestCommandsRequireLogin(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialTestServer(t, srv)

	c.send("send_all hello")
	c.expect("The command is not available to unregistered users")
}

func TestLoginWithoutName(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialTestServer(t, srv)

	c.send("login")
	c.expect("No login name")
}

func TestUnknownCommand(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialTestServer(t, srv)

	c.send("frobnicate now")
	c.expect("Command not found: frobnicate")
}

func TestPublicBroadcastReachesEveryone(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	lurker := dialTestServer(t, srv)

	alice.login(srv, "alice")
	bob.login(srv, "bob")
	lurker.login(srv, "lurker")

	alice.send("send_all hello everyone")

	want := "From: alice To: __public__ Text: hello everyone"
	alice.expect(want) // the sender hears their own broadcast
	bob.expect(want)
	lurker.expect(want)
}

func TestSendAllWithoutText(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialTestServer(t, srv)

	c.login(srv, "alice")
	c.send("send_all")
	c.expect("No message text")
}

func TestNewUserCatchup(t *testing.T) {
	srv := startTestServer(t, func(cfg *Config) {
		cfg.PublicCatchup = 2
	})

	alice := dialTestServer(t, srv)
	alice.login(srv, "alice")
	alice.send("send_all one")
	alice.send("send_all two")
	alice.send("send_all three")
	alice.expect("Text: three")

	// A fresh login gets only the newest messages, oldest first
	bob := dialTestServer(t, srv)
	bob.login(srv, "bob")
	bob.expect("Text: two")
	bob.expect("Text: three")
	require.NotContains(t, bob.buf, "Text: one")
	require.Less(t, strings.Index(bob.buf, "Text: two"), strings.Index(bob.buf, "Text: three"))
}

func TestReturningUserPublicCatchup(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	alice.login(srv, "alice")
	bob.login(srv, "bob")

	bob.send("quit")
	bob.expectClosed()
	time.Sleep(10 * time.Millisecond)

	alice.send("send_all while you were away")
	alice.expect("Text: while you were away")

	bob2 := dialTestServer(t, srv)
	bob2.login(srv, "bob")
	bob2.expect("From: alice To: __public__ Text: while you were away")
}

func TestPrivateMessageDelivery(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	alice.login(srv, "alice")
	bob.login(srv, "bob")

	alice.send("send bob psst")
	bob.expect("From: alice To: bob Text: psst")

	// Private deliveries go only to the recipient
	require.NotContains(t, alice.buf, "Text: psst")
}

func TestPrivateMessageValidation(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialTestServer(t, srv)
	c.login(srv, "alice")

	c.send("send")
	c.expect("Recipient is not specified")

	c.send("send nobody hi")
	c.expect("Recipient nobody does not exist")

	bob := dialTestServer(t, srv)
	bob.login(srv, "bob")

	c.send("send bob")
	c.expect("No message text")
}

func TestOfflinePrivateQueuedUntilRelogin(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	alice.login(srv, "alice")
	bob.login(srv, "bob")
	bob.send("quit")
	bob.expectClosed()
	time.Sleep(10 * time.Millisecond)

	alice.send("send bob saved for later")
	time.Sleep(10 * time.Millisecond)

	bob2 := dialTestServer(t, srv)
	bob2.login(srv, "bob")
	bob2.expect("From: alice To: bob Text: saved for later")
}

func TestFreshLoginCatchupThenImmediatePrivate(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestServer(t, srv)
	alice.login(srv, "alice")
	alice.send("send_all hello")
	alice.expect("Text: hello")

	// bob's fresh login catches up on the broadcast, then gets the private
	// message live, already marked read
	bob := dialTestServer(t, srv)
	bob.login(srv, "bob")
	bob.expect("From: alice To: __public__ Text: hello")

	alice.send("send bob hi")
	bob.expect("From: alice To: bob Text: hi")

	require.Eventually(t, func() bool {
		return srv.messages.PrivateCount() == 1
	}, 3*time.Second, 5*time.Millisecond)
	require.Empty(t, srv.messages.UnreadPrivateFor("bob", time.Now()))
}

func TestBanAfterThreeWarnings(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	alice.login(srv, "alice")
	bob.login(srv, "bob")

	alice.send("ban nobody")
	alice.expect("User nobody does not exist")
	alice.send("ban")
	alice.expect("User is not specified")

	alice.send("ban bob")
	alice.expect("User bob received new ban warning")
	alice.send("ban bob")
	alice.expect("User bob received new ban warning")
	alice.send("ban bob")
	alice.expect("User bob cannot send messages during 14400 sec.")
	alice.send("ban bob")
	alice.expect("User bob has already been banned")

	bob.send("send_all am I banned?")
	bob.expect("The user cannot send messages during")
	bob.send("send alice still banned?")
	bob.expect("The user cannot send messages during")

	// A later broadcast flushes alice's stream; bob's rejected lines would
	// have arrived before it if they had gone out
	alice.send("send_all probe")
	alice.expect("Text: probe")
	require.NotContains(t, alice.buf, "am I banned?")
	require.NotContains(t, alice.buf, "still banned?")
}

func TestRateLimitAndReaperReset(t *testing.T) {
	srv := startTestServer(t, func(cfg *Config) {
		cfg.RateLimit = 2
		cfg.RateWindow = 300 * time.Millisecond
		cfg.RateResetInterval = 50 * time.Millisecond
	})

	alice := dialTestServer(t, srv)
	alice.login(srv, "alice")

	alice.send("send_all first")
	alice.expect("Text: first")
	alice.send("send_all second")
	alice.expect("Text: second")

	alice.send("send_all third")
	alice.expect("The user cannot send messages during")
	require.NotContains(t, alice.buf, "Text: third")

	// The reaper resets the window once it has run its full duration
	time.Sleep(600 * time.Millisecond)
	alice.send("send_all fourth")
	alice.expect("Text: fourth")
}

func TestQuitClosesConnection(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialTestServer(t, srv)

	c.login(srv, "alice")
	c.send("quit")
	c.expectClosed()

	require.Eventually(t, func() bool {
		return srv.sessions.Count() == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestSnapshotSurvivesRestart(t *testing.T) {
	snapshotPath := filepath.Join(t.TempDir(), "snapshot.db")
	withPath := func(cfg *Config) { cfg.SnapshotPath = snapshotPath }

	srv := startTestServer(t, withPath)
	alice := dialTestServer(t, srv)
	bob := dialTestServer(t, srv)
	alice.login(srv, "alice")
	bob.login(srv, "bob")
	bob.send("quit")
	bob.expectClosed()
	time.Sleep(10 * time.Millisecond)

	alice.send("send_all persisted broadcast")
	alice.expect("Text: persisted broadcast")
	alice.send("send bob read me after the restart")
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, srv.Stop())

	srv2 := NewServer(srv.config)
	require.NoError(t, srv2.RestoreFromSnapshot())
	require.NoError(t, srv2.Start())
	defer srv2.Stop()

	bob2 := dialTestServer(t, srv2)
	bob2.login(srv2, "bob")
	bob2.expect("From: alice To: bob Text: read me after the restart")
	bob2.expect("From: alice To: __public__ Text: persisted broadcast")
}

func TestRestoreWithoutSnapshotFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotPath = filepath.Join(t.TempDir(), "missing.db")

	srv := NewServer(cfg)
	require.Error(t, srv.RestoreFromSnapshot())
}

func TestStopQuiescesBeforeSnapshot(t *testing.T) {
	srv := startTestServer(t, func(cfg *Config) {
		cfg.RateLimit = 1000
	})

	alice := dialTestServer(t, srv)
	alice.login(srv, "alice")
	alice.send("send_all warmup")
	alice.expect("Text: warmup")

	// Keep commands in flight while Stop runs; writes fail once the
	// session is closed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			if _, err := fmt.Fprintf(alice.conn, "send_all burst %d\n", i); err != nil {
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, srv.Stop())
	<-done

	// Nothing may land in the stores after the snapshot was taken
	path, err := srv.config.GetSnapshotPath()
	require.NoError(t, err)
	users, messages, err := store.Load(path)
	require.NoError(t, err)
	require.Equal(t, srv.messages.PublicCount(), messages.PublicCount())
	require.Equal(t, srv.users.Count(), users.Count())
}

func TestWebSocketSpeaksTheSameProtocol(t *testing.T) {
	srv := startTestServer(t, nil)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	defer ts.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("login webby")))
	require.Eventually(t, func() bool {
		_, online := srv.users.ActiveSession("webby")
		return online
	}, 3*time.Second, 5*time.Millisecond)

	alice := dialTestServer(t, srv)
	alice.login(srv, "alice")
	alice.send("send_all hello sockets")
	alice.expect("Text: hello sockets")

	// The WebSocket session receives TCP-originated broadcasts
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(data), "From: alice To: __public__ Text: hello sockets")

	// And its own lines dispatch like any other session's
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("send alice over the wire")))
	alice.expect("From: webby To: alice Text: over the wire")
}

func TestHealthHandler(t *testing.T) {
	srv := startTestServer(t, nil)
	c := dialTestServer(t, srv)
	c.login(srv, "alice")

	rec := httptest.NewRecorder()
	srv.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	body := rec.Body.String()
	require.Contains(t, body, "ok\n")
	require.Contains(t, body, "sessions: 1")
	require.Contains(t, body, "users: 1")
}
