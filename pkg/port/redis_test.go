package port

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nobletooth/alliopro/pkg/interceptor"
	"github.com/nobletooth/alliopro/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestControlHandler returns a handler whose INSTALL registers generations of a local test origin.
func newTestControlHandler(t *testing.T, generation *string) (*controlHandler, storage.Storage) {
	t.Helper()
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "asset "+r.URL.Path)
	}))
	t.Cleanup(origin.Close)
	originURL, err := interceptor.ParseOrigin(origin.URL)
	require.NoError(t, err)
	network := interceptor.NewNetwork(originURL, origin.Client(), time.Second)

	st := storage.NewMemory()
	registration := interceptor.NewRegistration(interceptor.NewClientRegistry())
	handler, err := newControlHandler(registration, st, func() (*interceptor.Worker, error) {
		return interceptor.NewWorker(*generation, interceptor.DefaultManifest, st, network,
			registration.Clients()), nil
	})
	require.NoError(t, err)
	return handler, st
}

func TestNewControlHandler_RequiresDependencies(t *testing.T) {
	_, err := newControlHandler(nil, storage.NewMemory(), nil)
	assert.Error(t, err)
}

func TestControlHandler(t *testing.T) {
	ctx := context.Background()
	generation := "alliopro-cache-v1"
	handler, st := newTestControlHandler(t, &generation)
	_, err := st.Open(ctx, "alliopro-cache-v0")
	require.NoError(t, err)

	for _, step := range []struct {
		name     string
		cmd      redisCommand
		before   func()
		expected redisOutput
	}{
		{name: "ping", cmd: redisCommand{command: "PING"}, expected: writeRedisString("PONG")},
		{name: "lower case", cmd: redisCommand{command: "ping"}, expected: writeRedisString("PONG")},
		{name: "state before install", cmd: redisCommand{command: "STATE"}, expected: writeRedisArray(nil)},
		{
			name:     "activate without waiting",
			cmd:      redisCommand{command: "ACTIVATE"},
			expected: writeRedisError(interceptor.ErrNoWaitingWorker),
		},
		{name: "install", cmd: redisCommand{command: "INSTALL"}, expected: writeRedisString(RedisOk)},
		{
			name:     "state after install",
			cmd:      redisCommand{command: "STATE"},
			expected: writeRedisArray([]string{"active alliopro-cache-v1 active"}),
		},
		{
			name:     "old generation was retired",
			cmd:      redisCommand{command: "CACHES"},
			expected: writeRedisArray([]string{"alliopro-cache-v1"}),
		},
		{
			name:     "entries",
			cmd:      redisCommand{command: "ENTRIES", args: []string{"alliopro-cache-v1"}},
			expected: writeRedisInt(len(interceptor.DefaultManifest)),
		},
		{
			name:     "entries of unknown store",
			cmd:      redisCommand{command: "ENTRIES", args: []string{"alliopro-cache-v0"}},
			expected: writeRedisNil(),
		},
		{name: "clients", cmd: redisCommand{command: "CLIENTS"}, expected: writeRedisInt(0)},
		{
			name:     "install next generation",
			cmd:      redisCommand{command: "INSTALL"},
			before:   func() { generation = "alliopro-cache-v2" },
			expected: writeRedisString(RedisOk),
		},
		{
			name:     "glob",
			cmd:      redisCommand{command: "CACHES", args: []string{"*-v2"}},
			expected: writeRedisArray([]string{"alliopro-cache-v2"}),
		},
		{
			name:     "glob without match",
			cmd:      redisCommand{command: "CACHES", args: []string{"*-v1"}},
			expected: writeRedisArray(nil),
		},
		{
			name:     "wrong arity",
			cmd:      redisCommand{command: "ENTRIES"},
			expected: wrongArgs("ENTRIES"),
		},
		{
			name:     "unknown",
			cmd:      redisCommand{command: "FLUSHALL"},
			expected: writeRedisError(fmt.Errorf("unknown command 'FLUSHALL'")),
		},
		{name: "quit", cmd: redisCommand{command: "QUIT"}, expected: closeRedisConnection(RedisOk)},
	} {
		t.Run(step.name, func(t *testing.T) {
			if step.before != nil {
				step.before()
			}
			assert.Equal(t, step.expected, handler.handle(ctx, step.cmd))
		})
	}
}
