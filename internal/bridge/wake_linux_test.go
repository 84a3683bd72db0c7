//go:build linux

package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventFDNotifier(t *testing.T) {
	n, err := NewEventFD()
	require.NoError(t, err)
	testNotifier(t, n)
}
