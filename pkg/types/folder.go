package types

import (
	"encoding/base64"
	"fmt"
)

// FolderRef is a transport-safe token identifying a folder by its full
// path on the server. Two refs are equal when their decoded paths are
// equal, regardless of how the token was produced.
type FolderRef string

// NewFolderRef encodes a folder path into a transport-safe token.
func NewFolderRef(path string) FolderRef {
	return FolderRef(base64.RawURLEncoding.EncodeToString([]byte(path)))
}

// Path decodes the folder path carried by the ref.
func (r FolderRef) Path() (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(string(r))
	if err != nil {
		return "", fmt.Errorf("invalid folder reference %q: %w", string(r), err)
	}
	return string(b), nil
}

// Equal reports whether both refs decode to the same folder path.
func (r FolderRef) Equal(other FolderRef) bool {
	a, err := r.Path()
	if err != nil {
		return false
	}
	b, err := other.Path()
	if err != nil {
		return false
	}
	return a == b
}

// Folder is a mailbox with its attributes, counts and child folders.
// A parent exclusively owns its children; the children list is ordered
// and never contains duplicate paths.
type Folder struct {
	FolderID           FolderRef `json:"folder_id"`
	Name               string    `json:"name"`
	FullName           string    `json:"full_name"`
	Attributes         []string  `json:"attributes,omitempty"`
	Children           []*Folder `json:"children,omitempty"`
	MessageCount       uint32    `json:"message_count"`
	UnreadMessageCount uint32    `json:"unread_message_count"`
}
