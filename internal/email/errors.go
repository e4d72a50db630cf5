package email

import "fmt"

// AuthenticationError reports a rejected connection handshake or login.
// The connection is not memoized when this is returned.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// NotFoundError reports that a requested folder, message or attachment
// part does not exist. It is never masked as a generic failure so the
// transport can map it to a not-found response.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return e.Resource + " not found"
}

// ProtocolError wraps any other failure from the underlying IMAP client:
// network loss, malformed server responses, unsupported operations. The
// underlying message is preserved.
type ProtocolError struct {
	Op  string
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// CancellationError reports that an operation was cancelled while waiting.
// Folder cleanup has already run by the time it is returned.
type CancellationError struct {
	Err error
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("operation cancelled: %v", e.Err)
}

func (e *CancellationError) Unwrap() error { return e.Err }

func protocolErr(op string, err error) error {
	return &ProtocolError{Op: op, Err: err}
}
