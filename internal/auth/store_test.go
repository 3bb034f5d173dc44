package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"turbodriver/internal/dispatch"
)

func TestRegisterLookupRoundTrip(t *testing.T) {
	s := NewInMemoryStore()
	identity, err := s.Register(dispatch.RoleDriver, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, identity.Token)

	found, ok := s.Lookup(identity.Token)
	require.True(t, ok)
	require.Equal(t, identity.ID, found.ID)
	require.Equal(t, dispatch.RoleDriver, found.Role)
}

func TestRegisterRejectsInvalidRole(t *testing.T) {
	s := NewInMemoryStore()
	_, err := s.Register(dispatch.IdentityRole("passenger"), time.Hour)
	require.Error(t, err)
}

func TestLookupMissingTokenFails(t *testing.T) {
	s := NewInMemoryStore()
	_, ok := s.Lookup("nonexistent")
	require.False(t, ok)
}

func TestLookupRejectsExpiredIdentity(t *testing.T) {
	s := NewInMemoryStore()
	identity, err := s.Register(dispatch.RoleRider, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	_, ok := s.Lookup(identity.Token)
	require.False(t, ok)
}

func TestSeedIgnoresExpiredIdentity(t *testing.T) {
	s := NewInMemoryStore()
	past := time.Now().Add(-time.Hour)
	s.Seed(dispatch.Identity{ID: "driver_x", Token: "tok_x", Role: dispatch.RoleDriver, ExpiresAt: &past})

	_, ok := s.Lookup("tok_x")
	require.False(t, ok)
}

func TestSeedHydratesLookup(t *testing.T) {
	s := NewInMemoryStore()
	s.Seed(dispatch.Identity{ID: "driver_y", Token: "tok_y", Role: dispatch.RoleDriver})

	found, ok := s.Lookup("tok_y")
	require.True(t, ok)
	require.Equal(t, "driver_y", found.ID)
}
