// The agent exposes its cache generations over the Redis protocol, so any Redis client can inspect them, e.g.
//
//	redis-cli -p 6390 CACHES 'alliopro-*'

package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/nobletooth/alliopro/pkg/interceptor"
	"github.com/nobletooth/alliopro/pkg/scan"
	"github.com/nobletooth/alliopro/pkg/storage"
	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var controlAddress = flag.String("control_address", "127.0.0.1:6390",
	"The ip:port of the Redis protocol control port; empty disables it.")

// Enabled reports whether the control port is configured.
func Enabled() bool {
	return *controlAddress != ""
}

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeArray      []string // Writes an array of bulk strings if non-nil.
	writeString     string   // Writes a string value if set.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisArray(values []string) redisOutput {
	if values == nil {
		values = []string{}
	}
	return redisOutput{writeArray: values}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArgs(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", command))
}

// write sends `output` to the client.
func (output redisOutput) write(conn redcon.Conn) {
	switch {
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeNil:
		conn.WriteNull()
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeArray != nil:
		conn.WriteArray(len(output.writeArray))
		for _, value := range output.writeArray {
			conn.WriteBulkString(value)
		}
	default:
		conn.WriteString(output.writeString)
	}
}

type controlHandler struct {
	registration *interceptor.Registration
	storage      storage.Storage
	newWorker    func() (*interceptor.Worker, error) // Builds the worker an INSTALL registers.
}

// newControlHandler creates a new controlHandler.
func newControlHandler(registration *interceptor.Registration, st storage.Storage,
	newWorker func() (*interceptor.Worker, error)) (*controlHandler, error) {
	if registration == nil || st == nil || newWorker == nil {
		return nil, errors.New("expected a registration, a storage and a worker factory")
	}
	return &controlHandler{registration: registration, storage: st, newWorker: newWorker}, nil
}

// describeWorker renders a worker for STATE, e.g. "active alliopro-cache-v1 active".
func describeWorker(role string, w *interceptor.Worker) string {
	return fmt.Sprintf("%s %s %s", role, w.Generation(), w.State())
}

func (ch *controlHandler) handle(ctx context.Context, cmd redisCommand) redisOutput {
	switch strings.ToUpper(cmd.command) {
	case "PING":
		return writeRedisString("PONG")
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "STATE":
		if len(cmd.args) != 0 {
			return wrongArgs("STATE")
		}
		lines := make([]string, 0, 3)
		if active := ch.registration.Active(); active != nil {
			lines = append(lines, describeWorker("active", active))
		}
		if waiting := ch.registration.Waiting(); waiting != nil {
			lines = append(lines, describeWorker("waiting", waiting))
		}
		if installing := ch.registration.Installing(); installing != nil {
			lines = append(lines, describeWorker("installing", installing))
		}
		return writeRedisArray(lines)
	case "CACHES":
		if len(cmd.args) > 1 {
			return wrongArgs("CACHES")
		}
		names, err := ch.storage.Names(ctx)
		if err != nil {
			return writeRedisError(err)
		}
		if len(cmd.args) == 0 {
			return writeRedisArray(names)
		}
		matched, err := scan.MatchGlob(cmd.args[0], slices.Values(names))
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisArray(slices.Collect(matched))
	case "ENTRIES":
		if len(cmd.args) != 1 {
			return wrongArgs("ENTRIES")
		}
		names, err := ch.storage.Names(ctx)
		if err != nil {
			return writeRedisError(err)
		}
		if !slices.Contains(names, cmd.args[0]) { // Open would create it.
			return writeRedisNil()
		}
		store, err := ch.storage.Open(ctx, cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisInt(len(keys))
	case "INSTALL":
		if len(cmd.args) != 0 {
			return wrongArgs("INSTALL")
		}
		worker, err := ch.newWorker()
		if err != nil {
			return writeRedisError(err)
		}
		if err := ch.registration.Register(ctx, worker); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "ACTIVATE":
		if len(cmd.args) != 0 {
			return wrongArgs("ACTIVATE")
		}
		if err := ch.registration.Promote(ctx); err != nil {
			return writeRedisError(err)
		}
		return writeRedisString(RedisOk)
	case "CLIENTS":
		if len(cmd.args) != 0 {
			return wrongArgs("CLIENTS")
		}
		return writeRedisInt(ch.registration.Clients().Controlled())
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", cmd.command))
	}
}

// RunControlServer serves the control port until `ctx` is done.
func RunControlServer(ctx context.Context, registration *interceptor.Registration, st storage.Storage,
	newWorker func() (*interceptor.Worker, error)) error {
	if *controlAddress == "" {
		return errors.New("expected a non-empty --control_address flag")
	}

	handler, err := newControlHandler(registration, st, newWorker)
	if err != nil {
		return fmt.Errorf("failed to create a new control handler: %w", err)
	}

	redisServer := redcon.NewServerNetwork("tcp" /*net*/, *controlAddress,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{command: string(cmd.Args[0]), args: make([]string, len(cmd.Args)-1)}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			output := handler.handle(ctx, command)
			output.write(conn)
			if output.closeConnection {
				if err := conn.Close(); err != nil {
					slog.Error("Failed to close control connection.", "error", err)
				}
			}
		},
		/*accept*/ func(conn redcon.Conn) bool {
			return true // Accept all connections.
		},
		/*close*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Control connection closed.", "remote", conn.RemoteAddr(), "error", err)
			}
		})

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Control port is listening.", "address", *controlAddress)

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return fmt.Errorf("failed to close the control port: %w", err)
		}
	case err, failed := <-serverErrSignal:
		if failed {
			return fmt.Errorf("control port stopped unexpectedly: %w", err)
		}
	}

	return nil // Exited with no errors.
}
