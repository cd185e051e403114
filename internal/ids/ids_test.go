package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTripsWithString(t *testing.T) {
	d := NewDeviceID()
	parsed, err := ParseDeviceID(d.String())
	require.NoError(t, err)
	require.Equal(t, d, parsed)
}

func TestParseRejectsMalformedString(t *testing.T) {
	_, err := ParseAccountID("not-a-uuid")
	require.Error(t, err)
}

func TestNewIDsAreUnique(t *testing.T) {
	require.NotEqual(t, NewAccountID(), NewAccountID())
	require.NotEqual(t, NewDeviceID(), NewDeviceID())
	require.NotEqual(t, NewGuardianID(), NewGuardianID())
}

func TestDeviceIDCompareIsTotalOrder(t *testing.T) {
	a, b := NewDeviceID(), NewDeviceID()
	require.Equal(t, 0, a.Compare(a))
	if a.Compare(b) < 0 {
		require.Greater(t, b.Compare(a), 0)
	} else {
		require.Less(t, b.Compare(a), 0)
	}
}

func TestEpochNextIsMonotone(t *testing.T) {
	require.Equal(t, Epoch(1), InitialEpoch.Next())
	require.Equal(t, Epoch(2), InitialEpoch.Next().Next())
}

func TestBytesRoundTripsThroughUUID(t *testing.T) {
	d := NewDeviceID()
	require.Len(t, d.Bytes(), 16)
	var back DeviceID
	copy(back[:], d.Bytes())
	require.Equal(t, d, back)
}
