package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	now := time.Now()

	users := NewUserDirectory()
	alice, _ := users.GetOrCreate("alice")
	alice.ExitTime = now.Add(-time.Hour).UnixMilli()
	users.RecordSend(alice, now)
	users.RecordSend(alice, now)

	bob, _ := users.GetOrCreate("bob")
	users.Strike(bob, now, 3, 4*time.Hour)
	users.Strike(bob, now, 3, 4*time.Hour)
	users.BindSession("bob", "1.2.3.4:5555")

	messages := NewMessageStore()
	messages.AppendPublic("alice", "hello world", now)
	messages.AppendPublic("bob", "hi there", now.Add(time.Second))
	messages.AppendPrivate("alice", "bob", "psst", now, false)
	messages.AppendPrivate("bob", "alice", "seen", now, true)

	require.NoError(t, Save(path, users, messages))

	loadedUsers, loadedMessages, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 2, loadedUsers.Count())

	a, ok := loadedUsers.Get("alice")
	require.True(t, ok)
	require.Equal(t, alice.ExitTime, a.ExitTime)
	require.Equal(t, 2, a.SentCount)
	require.Equal(t, alice.WindowStart, a.WindowStart)

	b, ok := loadedUsers.Get("bob")
	require.True(t, ok)
	require.Equal(t, 2, b.BanStrikes)
	require.Zero(t, b.BanUntil)

	// Sessions are never persisted
	_, online := loadedUsers.ActiveSession("bob")
	require.False(t, online)

	public := loadedMessages.RecentPublic(10)
	require.Len(t, public, 2)
	require.Equal(t, "hello world", public[0].Text)
	require.Equal(t, "hi there", public[1].Text)

	unread := loadedMessages.UnreadPrivateFor("bob", now.Add(time.Minute))
	require.Len(t, unread, 1)
	require.Equal(t, "psst", unread[0].Text)

	// bob's message to alice was already read; it must stay read
	require.Empty(t, loadedMessages.UnreadPrivateFor("alice", now.Add(time.Minute)))
	require.Equal(t, 2, loadedMessages.PrivateCount())
}

func TestSaveOverwritesPreviousSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	now := time.Now()

	users := NewUserDirectory()
	users.GetOrCreate("alice")
	messages := NewMessageStore()
	messages.AppendPublic("alice", "first", now)
	require.NoError(t, Save(path, users, messages))

	users2 := NewUserDirectory()
	users2.GetOrCreate("bob")
	messages2 := NewMessageStore()
	messages2.AppendPublic("bob", "second", now)
	require.NoError(t, Save(path, users2, messages2))

	loadedUsers, loadedMessages, err := Load(path)
	require.NoError(t, err)
	require.False(t, loadedUsers.Exists("alice"))
	require.True(t, loadedUsers.Exists("bob"))

	public := loadedMessages.RecentPublic(10)
	require.Len(t, public, 1)
	require.Equal(t, "second", public[0].Text)
}

func TestLoadMissingSnapshotFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.db")

	_, _, err := Load(path)
	require.Error(t, err)

	// The failed load must not have left a fresh file behind
	_, statErr := os.Stat(path)
	require.True(t, os.IsNotExist(statErr))
}

func TestLoadEmptySnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	require.NoError(t, Save(path, NewUserDirectory(), NewMessageStore()))

	users, messages, err := Load(path)
	require.NoError(t, err)
	require.Zero(t, users.Count())
	require.Zero(t, messages.PublicCount())
	require.Zero(t, messages.PrivateCount())
}
