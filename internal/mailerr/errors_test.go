package mailerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/mail-mirror/internal/mailerr"
)

func TestRemoteAPIErrorMatchesSentinels(t *testing.T) {
	err := fmt.Errorf("get message: %w", mailerr.Remote("messages.get", mailerr.KindNotFound, errors.New("404")))

	require.ErrorIs(t, err, mailerr.ErrNotFound)
	assert.NotErrorIs(t, err, mailerr.ErrUnauthenticated)
	assert.False(t, mailerr.IsRetryable(err))

	var remote *mailerr.RemoteAPIError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "messages.get", remote.Op)
}

func TestRetryableKinds(t *testing.T) {
	for kind, want := range map[mailerr.Kind]bool{
		mailerr.KindRateLimited:     true,
		mailerr.KindUnavailable:     true,
		mailerr.KindNetwork:         true,
		mailerr.KindNotFound:        false,
		mailerr.KindForbidden:       false,
		mailerr.KindInvalid:         false,
		mailerr.KindUnauthenticated: false,
	} {
		assert.Equal(t, want, mailerr.IsRetryable(mailerr.Remote("op", kind, errors.New("boom"))), kind)
	}

	assert.False(t, mailerr.IsRetryable(errors.New("plain")))
}

func TestUnauthenticatedKind(t *testing.T) {
	err := mailerr.Remote("history.list", mailerr.KindUnauthenticated, errors.New("401"))

	assert.ErrorIs(t, err, mailerr.ErrUnauthenticated)
	assert.NotErrorIs(t, err, mailerr.ErrNotFound)
}
