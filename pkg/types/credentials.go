package types

import (
	"crypto/sha256"
	"fmt"
)

// Credentials identify an IMAP account. They are carried with every request
// and are opaque to the engine beyond dialing and logging in; the password
// is never logged or echoed back.
type Credentials struct {
	ServerHost string `json:"server_host"`
	ServerPort int    `json:"server_port"`
	User       string `json:"user"`
	Password   string `json:"password,omitempty"`
	IMAPSSL    bool   `json:"imap_ssl"`
}

// Addr returns the host:port dial address.
func (c *Credentials) Addr() string {
	return fmt.Sprintf("%s:%d", c.ServerHost, c.ServerPort)
}

// Fingerprint returns a stable session key for these credentials. The
// password is hashed so the key is safe to use in logs and map keys.
func (c *Credentials) Fingerprint() string {
	sum := sha256.Sum256([]byte(c.Password))
	return fmt.Sprintf("%s:%d:%s:%x", c.ServerHost, c.ServerPort, c.User, sum[:8])
}
