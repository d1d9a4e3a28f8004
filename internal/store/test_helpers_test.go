package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestTransition(itemID, deviceID, state string, at time.Time) Transition {
	return Transition{
		ItemID:     itemID,
		DeviceID:   deviceID,
		Kind:       "vibrate",
		Intensity:  40,
		DurationMs: 1000,
		Priority:   10,
		Source:     "manual",
		State:      state,
		Summary:    "Vibrate 40% 1000ms -> " + deviceID,
		At:         at,
	}
}
