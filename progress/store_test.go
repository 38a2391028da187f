package progress

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T, opts ...Option) *Store {
	path := filepath.Join(t.TempDir(), "wen-restart-progress.db")
	s, err := NewStore(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestStore_LoadFreshYieldsInitAndPersists(t *testing.T) {
	s := setupStore(t)
	p, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, StateInit, p.State)

	// A second load must see the persisted fresh Init, not re-derive it.
	p2, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, p, p2)
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	s := setupStore(t)
	want := fullProgress()
	require.NoError(t, s.Save(want))

	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStore_ResumeIdempotence(t *testing.T) {
	// Resume idempotence (spec.md §8): initialize(write(P)) yields the
	// same internal state as the run that wrote P.
	path := filepath.Join(t.TempDir(), "wen-restart-progress.db")
	s1, err := NewStore(path)
	require.NoError(t, err)
	want := fullProgress()
	require.NoError(t, s1.Save(want))
	require.NoError(t, s1.Close())

	s2, err := NewStore(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, s2.Close()) }()
	got, err := s2.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestStore_SnappyFraming(t *testing.T) {
	s := setupStore(t, WithSnappyFraming())
	want := fullProgress()
	require.NoError(t, s.Save(want))
	got, err := s.Load()
	require.NoError(t, err)
	require.Equal(t, want, got)
}
