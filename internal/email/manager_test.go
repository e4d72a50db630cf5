package email

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapserver"
	"github.com/emersion/go-imap/v2/imapserver/imapmemserver"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devgold123/isotope-mail/internal/config"
	"github.com/devgold123/isotope-mail/pkg/types"
)

func testMessage(subject string) []byte {
	return []byte(fmt.Sprintf(
		"From: alice@example.com\r\nTo: bob@example.com\r\nSubject: %s\r\nDate: Mon, 01 Apr 2024 10:00:00 +0000\r\n\r\nbody\r\n",
		subject))
}

// startMailServer runs an in-memory IMAP server seeded with the given
// folders and messages, returning credentials that reach it.
func startMailServer(t *testing.T, folders map[string][]string) *types.Credentials {
	t.Helper()

	user := imapmemserver.NewUser("alice", "secret")
	for name, subjects := range folders {
		require.NoError(t, user.Create(name, nil))
		for _, subject := range subjects {
			_, err := user.Append(name, bytes.NewReader(testMessage(subject)), &imap.AppendOptions{})
			require.NoError(t, err)
		}
	}
	memServer := imapmemserver.New()
	memServer.AddUser(user)

	server := imapserver.New(&imapserver.Options{
		NewSession: func(conn *imapserver.Conn) (imapserver.Session, *imapserver.GreetingData, error) {
			return memServer.NewSession(), nil, nil
		},
		Caps:         imap.CapSet{imap.CapIMAP4rev1: {}},
		InsecureAuth: true,
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go server.Serve(ln)
	t.Cleanup(func() { ln.Close() })

	return &types.Credentials{
		ServerHost: "127.0.0.1",
		ServerPort: ln.Addr().(*net.TCPAddr).Port,
		User:       "alice",
		Password:   "secret",
	}
}

// commandLog records the raw command stream a client sends.
type commandLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *commandLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *commandLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// startRecordingProxy forwards connections to the mail server while
// recording every byte the client sends.
func startRecordingProxy(t *testing.T, creds *types.Credentials, log *commandLog) *types.Credentials {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := creds.Addr()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			upstream, err := net.Dial("tcp", target)
			if err != nil {
				conn.Close()
				continue
			}
			go io.Copy(conn, upstream)
			go io.Copy(io.MultiWriter(upstream, log), conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })

	proxied := *creds
	proxied.ServerPort = ln.Addr().(*net.TCPAddr).Port
	return &proxied
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	cfg := &config.Config{
		EmbeddedImageSizeThreshold: 8192,
		InitialMessagesBatchSize:   20,
		MaxMessagesBatchSize:       640,
	}
	m := NewManager(cfg, logger)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestListMessagesAgainstServer(t *testing.T) {
	creds := startMailServer(t, map[string][]string{
		"INBOX": {"one", "two", "three"},
	})
	m := newTestManager(t)

	messages, err := m.ListMessages(context.Background(), creds, types.NewFolderRef("INBOX"), 0, 0, false)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	// Newest UID first.
	assert.Equal(t, "three", messages[0].Subject)
	assert.Equal(t, "one", messages[2].Subject)
	assert.Equal(t, "alice@example.com", messages[0].SenderEmail)
	assert.Greater(t, messages[0].UID, messages[2].UID)
}

// The whole requested window goes out as one FETCH command; chunked
// fetching would let an untagged EXPUNGE shift sequence numbers between
// round trips.
func TestListMessagesFetchesWindowInOneCommand(t *testing.T) {
	subjects := make([]string, 45)
	for i := range subjects {
		subjects[i] = fmt.Sprintf("msg-%02d", i)
	}
	creds := startMailServer(t, map[string][]string{"INBOX": subjects})
	log := &commandLog{}
	proxied := startRecordingProxy(t, creds, log)
	m := newTestManager(t)

	messages, err := m.ListMessages(context.Background(), proxied, types.NewFolderRef("INBOX"), 0, 0, false)
	require.NoError(t, err)
	require.Len(t, messages, 45)

	sent := log.String()
	fetches := strings.Count(sent, "FETCH") - strings.Count(sent, "UID FETCH")
	assert.Equal(t, 1, fetches)
}

func TestMoveMessagesSkipsStaleUIDs(t *testing.T) {
	creds := startMailServer(t, map[string][]string{
		"INBOX":   {"one", "two", "three"},
		"Archive": nil,
	})
	m := newTestManager(t)
	ctx := context.Background()
	inbox := types.NewFolderRef("INBOX")
	archive := types.NewFolderRef("Archive")

	listed, err := m.ListMessages(ctx, creds, inbox, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, listed, 3)

	// Move the two oldest messages plus a reference that was never valid.
	moved, err := m.MoveMessages(ctx, creds, inbox, archive, []uint32{listed[2].UID, listed[1].UID, 9999})
	require.NoError(t, err)
	require.Len(t, moved, 2)
	for _, msg := range moved {
		assert.True(t, msg.FolderID.Equal(archive))
	}
	assert.ElementsMatch(t, []string{"one", "two"}, []string{moved[0].Subject, moved[1].Subject})

	remaining, err := m.ListMessages(ctx, creds, inbox, 0, 0, false)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "three", remaining[0].Subject)

	archived, err := m.ListMessages(ctx, creds, archive, 0, 0, false)
	require.NoError(t, err)
	assert.Len(t, archived, 2)
}

func TestMoveMessagesNothingArrivesReturnsEmpty(t *testing.T) {
	creds := startMailServer(t, map[string][]string{
		"INBOX":   {"one"},
		"Archive": {"existing"},
	})
	m := newTestManager(t)

	// Only a stale UID: nothing is copied, and the pre-existing
	// destination message must not be reported as a move result.
	moved, err := m.MoveMessages(context.Background(), creds,
		types.NewFolderRef("INBOX"), types.NewFolderRef("Archive"), []uint32{9999})
	require.NoError(t, err)
	assert.Empty(t, moved)

	archived, err := m.ListMessages(context.Background(), creds, types.NewFolderRef("Archive"), 0, 0, false)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, "existing", archived[0].Subject)
}

func TestMoveMessagesCancelledDuringPoll(t *testing.T) {
	creds := startMailServer(t, map[string][]string{
		"INBOX":   {"one"},
		"Archive": {"existing"},
	})
	m := newTestManager(t)
	inbox := types.NewFolderRef("INBOX")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.MoveMessages(ctx, creds, inbox, types.NewFolderRef("Archive"), []uint32{9999})
	var cancelled *CancellationError
	require.ErrorAs(t, err, &cancelled)

	// The folder was closed on the way out and the session is reusable.
	s := m.session(creds)
	assert.Nil(t, s.selected)
	s.mu.Unlock()

	listed, err := m.ListMessages(context.Background(), creds, inbox, 0, 0, false)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestOpenMissingFolderIsNotFound(t *testing.T) {
	creds := startMailServer(t, map[string][]string{"INBOX": {"one"}})
	m := newTestManager(t)

	_, err := m.ListMessages(context.Background(), creds, types.NewFolderRef("Nope"), 0, 0, false)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

// A read-write folder must be dropped to read-only before CLOSE, so
// CLOSE cannot expunge messages other clients flagged \Deleted.
func TestReadWriteCloseDowngradesBeforeClose(t *testing.T) {
	creds := startMailServer(t, map[string][]string{"INBOX": {"one", "two"}})
	log := &commandLog{}
	proxied := startRecordingProxy(t, creds, log)
	m := newTestManager(t)

	updated, err := m.SetMessagesSeen(context.Background(), proxied, types.NewFolderRef("INBOX"), true, []uint32{1})
	require.NoError(t, err)
	require.Len(t, updated, 1)

	sent := log.String()
	idxSelect := strings.Index(sent, "SELECT INBOX")
	idxExamine := strings.LastIndex(sent, "EXAMINE INBOX")
	idxClose := strings.LastIndex(sent, "CLOSE")
	require.GreaterOrEqual(t, idxSelect, 0, "expected a read-write SELECT")
	require.GreaterOrEqual(t, idxExamine, 0, "expected a read-only reopen before closing")
	require.GreaterOrEqual(t, idxClose, 0, "expected a CLOSE")
	assert.Greater(t, idxExamine, idxSelect)
	assert.Greater(t, idxClose, idxExamine)
}
