package email

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("connection reset")

	t.Run("protocol error wraps and unwraps", func(t *testing.T) {
		err := protocolErr("fetching messages", cause)

		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, "fetching messages", protoErr.Op)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "fetching messages: connection reset", err.Error())
	})

	t.Run("authentication error", func(t *testing.T) {
		err := fmt.Errorf("failed to open session: %w", &AuthenticationError{Err: cause})

		var authErr *AuthenticationError
		require.ErrorAs(t, err, &authErr)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("not found carries the resource", func(t *testing.T) {
		var err error = &NotFoundError{Resource: "folder INBOX/Ghost"}

		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, "folder INBOX/Ghost not found", err.Error())
	})

	t.Run("cancellation error", func(t *testing.T) {
		var err error = &CancellationError{Err: cause}

		var cancelled *CancellationError
		require.ErrorAs(t, err, &cancelled)
		assert.ErrorIs(t, err, cause)
	})

	t.Run("types do not cross-match", func(t *testing.T) {
		err := protocolErr("listing folders", cause)

		var authErr *AuthenticationError
		var notFound *NotFoundError
		assert.False(t, errors.As(err, &authErr))
		assert.False(t, errors.As(err, &notFound))
	})
}
