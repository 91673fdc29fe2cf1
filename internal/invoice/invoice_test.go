package invoice

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCandidates(t *testing.T) {
	c := NewCandidates("INV1", "INV2", "INV1", " ", "INV3", "INV2")
	require.Equal(t, 3, c.Len())
	require.Equal(t, []string{"INV1", "INV2", "INV3"}, c.List())

	require.False(t, c.Add("INV3"))
	require.True(t, c.Add("INV4"))
	require.Equal(t, 4, c.Len())
}

func TestNewKey(t *testing.T) {
	key := NewKey(" abc12d ", " INV9 ", "01-02-2024")
	require.Equal(t, Key{Pnr: "ABC12D", InvoiceNumber: "INV9", Date: "01-02-2024"}, key)
	require.False(t, key.Empty())
	require.True(t, NewKey("", " ", "").Empty())
}

func TestCodeOf(t *testing.T) {
	require.Equal(t, PORTAL_ISSUE, CodeOf(fmt.Errorf("unclassified")))
	require.Equal(t, PORTAL_ISSUE, CodeOf(nil))

	err := New(IP_BLOCKED, "status %d", 403)
	require.Equal(t, IP_BLOCKED, CodeOf(err))
	require.Equal(t, IP_BLOCKED, CodeOf(fmt.Errorf("locate: %w", err)))
	require.Equal(t, "IP_BLOCKED: status 403", err.Error())

	require.Nil(t, Wrap(RETRY_EXCEEDED, nil))
	require.Equal(t, RETRY_EXCEEDED, CodeOf(Wrap(RETRY_EXCEEDED, fmt.Errorf("tls handshake timeout"))))
}

func TestTerminal(t *testing.T) {
	require.True(t, INVALID_DATA.Terminal())
	require.True(t, IP_BLOCKED.Terminal())
	require.False(t, PORTAL_ISSUE.Terminal())
	require.False(t, RETRY_EXCEEDED.Terminal())
}

func TestIsCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.True(t, IsCanceled(fmt.Errorf("fetch: %w", ctx.Err())))
	require.False(t, IsCanceled(fmt.Errorf("fetch")))
}
