package email

import (
	"context"
	"crypto/tls"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/sirupsen/logrus"

	"github.com/devgold123/isotope-mail/internal/config"
	"github.com/devgold123/isotope-mail/pkg/types"
)

// Manager exposes the mailbox operations backed by one IMAP connection per
// session. Sessions are keyed by a credentials fingerprint and torn down
// on Close.
type Manager struct {
	cfg    *config.Config
	logger *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewManager creates a new mailbox manager
func NewManager(cfg *config.Config, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// session returns the memoized session for the given credentials, creating
// it on first use. The returned session is locked; the caller must release
// it. Locking here serializes operations that share one IMAP connection.
func (m *Manager) session(creds *types.Credentials) *session {
	m.mu.Lock()
	s, ok := m.sessions[creds.Fingerprint()]
	if !ok {
		s = &session{creds: creds, logger: m.logger}
		m.sessions[creds.Fingerprint()] = s
	}
	m.mu.Unlock()

	s.mu.Lock()
	return s
}

// CheckCredentials verifies that the credentials can open an IMAP session
// and returns them validated. Any handshake or login rejection surfaces as
// an AuthenticationError.
func (m *Manager) CheckCredentials(ctx context.Context, creds *types.Credentials) (*types.Credentials, error) {
	s := m.session(creds)
	defer s.mu.Unlock()

	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	if _, err := conn.List("", "", nil).Collect(); err != nil {
		return nil, &AuthenticationError{Err: err}
	}
	validated := *creds
	return &validated, nil
}

// Close tears down every session. Logout failures are logged and swallowed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.sessions {
		s.mu.Lock()
		s.close()
		s.mu.Unlock()
		delete(m.sessions, key)
	}
	return nil
}

// session owns the single live IMAP connection for one set of credentials.
// The mutex serializes protocol commands: the connection is not safe for
// two concurrent operations from the same session.
type session struct {
	mu       sync.Mutex
	creds    *types.Credentials
	logger   *logrus.Logger
	client   *imapclient.Client
	selected *folderHandle
}

// connection lazily dials and authenticates, memoizing the client for
// subsequent calls within the same session.
func (s *session) connection() (*imapclient.Client, error) {
	if s.client != nil && s.client.State() != imap.ConnStateLogout {
		return s.client, nil
	}

	client, err := dial(s.creds)
	if err != nil {
		return nil, &AuthenticationError{Err: err}
	}
	if err := client.Login(s.creds.User, s.creds.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, &AuthenticationError{Err: err}
	}

	s.client = client
	s.logger.WithFields(logrus.Fields{
		"host": s.creds.ServerHost,
		"user": s.creds.User,
	}).Debug("Opened new IMAP session")
	return s.client, nil
}

// close logs out the session connection if one is live. Errors are logged,
// never propagated: teardown must not fail the caller.
func (s *session) close() {
	if s.client == nil {
		return
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.WithError(err).Error("Error closing IMAP session")
		_ = s.client.Close()
	}
	s.client = nil
	s.selected = nil
}

// dial opens the transport per the credentials: implicit TLS when
// requested, otherwise STARTTLS is attempted but not required.
func dial(creds *types.Credentials) (*imapclient.Client, error) {
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{
			ServerName: creds.ServerHost,
			MinVersion: tls.VersionTLS12,
		},
	}
	if creds.IMAPSSL {
		return imapclient.DialTLS(creds.Addr(), opts)
	}
	client, err := imapclient.DialStartTLS(creds.Addr(), opts)
	if err == nil {
		return client, nil
	}
	return imapclient.DialInsecure(creds.Addr(), opts)
}
