package interceptor

import (
	"context"
	"testing"
	"time"

	"github.com/nobletooth/alliopro/pkg/config"
	"github.com/nobletooth/alliopro/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistration_NewGenerationReplacesActive(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	st := storage.NewMemory()
	registration := NewRegistration(NewClientRegistry())

	first := activeWorker(t, registration, network, st, "alliopro-cache-v1")
	assert.Same(t, first, registration.Active())

	second := activeWorker(t, registration, network, st, "alliopro-cache-v2")
	assert.Same(t, second, registration.Active())
	assert.Equal(t, StateSuperseded, first.State())
	assert.Nil(t, registration.Waiting())
	assert.Nil(t, registration.Installing())

	names, err := st.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"alliopro-cache-v2"}, names)
}

func TestRegistration_WaitsWithoutSkipWaiting(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	st := storage.NewMemory()
	registration := NewRegistration(NewClientRegistry())
	assert.ErrorIs(t, registration.Promote(ctx), ErrNoWaitingWorker)

	config.SetTestFlag(t, "skip_waiting", "false")
	// Nothing is active yet, so the first generation activates anyway.
	first := activeWorker(t, registration, network, st, "alliopro-cache-v1")

	second := NewWorker("alliopro-cache-v2", DefaultManifest, st, network, registration.Clients())
	require.NoError(t, registration.Register(ctx, second))
	assert.Equal(t, StateInstalled, second.State())
	assert.Same(t, second, registration.Waiting())
	assert.Same(t, first, registration.Active())

	require.NoError(t, registration.Promote(ctx))
	assert.Same(t, second, registration.Active())
	assert.Nil(t, registration.Waiting())
	assert.Equal(t, StateSuperseded, first.State())
}

func TestRegistration_FailedInstallKeepsActive(t *testing.T) {
	ctx := context.Background()
	origin := newTestOrigin(t)
	network := origin.network(t, time.Second)
	st := storage.NewMemory()
	registration := NewRegistration(NewClientRegistry())
	first := activeWorker(t, registration, network, st, "alliopro-cache-v1")

	origin.fail("/script.js")
	second := NewWorker("alliopro-cache-v2", DefaultManifest, st, network, registration.Clients())
	assert.Error(t, registration.Register(ctx, second))
	assert.Equal(t, StateRedundant, second.State())
	assert.Same(t, first, registration.Active())
	assert.Equal(t, StateActive, first.State())
	assert.Nil(t, registration.Installing())
}
