package server

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIndexRegistryAttachRequiresPriorRegister(t *testing.T) {
	r := newIndexRegistry()
	table := uuid.New()

	_, ok := r.Attach(table, PGID(1))
	require.False(t, ok, "attach before register is the fatal recovery-order violation")
}

func TestIndexRegistryRegisterThenAttach(t *testing.T) {
	r := newIndexRegistry()
	idx := newTestIndexStore(t)
	table := idx.TableUUID()

	r.Register(table, idx)
	require.Equal(t, []uuid.UUID{table}, r.Unattached())

	got, ok := r.Attach(table, PGID(1))
	require.True(t, ok)
	require.Same(t, idx, got)
	require.Empty(t, r.Unattached())
}

func TestIndexRegistryCreateIsRegisterAndAttachInOneStep(t *testing.T) {
	r := newIndexRegistry()
	idx := newTestIndexStore(t)
	table := idx.TableUUID()

	r.Create(table, PGID(1), idx)
	require.Empty(t, r.Unattached())

	got, ok := r.Lookup(table)
	require.True(t, ok)
	require.Same(t, idx, got)
}

func TestIndexRegistryLookupUnknownTable(t *testing.T) {
	r := newIndexRegistry()
	_, ok := r.Lookup(uuid.New())
	require.False(t, ok)
}
