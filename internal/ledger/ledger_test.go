package ledger

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joao-brasil/procledger/internal/config"
)

// fastConfig devolve knobs encurtados para os testes de integração do
// pacote: ciclos de ~50ms e staleness em 250ms.
func fastConfig(base string) *config.LedgerConfig {
	return &config.LedgerConfig{
		BasePath:             base,
		HeartbeatInterval:    50 * time.Millisecond,
		HeartbeatJitter:      10 * time.Millisecond,
		StaleThreshold:       250 * time.Millisecond,
		LockTimeout:          2 * time.Second,
		LockRetryInterval:    5 * time.Millisecond,
		MaxLockRetryInterval: 20 * time.Millisecond,
		MaxBackups:           2,
	}
}

// connectTest conecta um participante de teste. pid=0 usa o pid real;
// um pid inexistente simula um processo externo que pode "morrer" via
// Dispose (o heartbeat para e os frames ficam stale).
func connectTest(t *testing.T, base, participant string, pid int) *Ledger {
	t.Helper()
	l, err := Connect(Options{
		ParticipantID: participant,
		BasePath:      base,
		PID:           pid,
		Config:        fastConfig(base),
	})
	require.NoError(t, err)
	t.Cleanup(l.Dispose)
	return l
}

// deadPID é um pid que nunca corresponde a um processo vivo.
const deadPID = 1 << 30

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func recordExists(l *Ledger, operationID string) bool {
	_, err := os.Stat(l.store.RecordPath(operationID))
	return err == nil
}

func TestConnectValidation(t *testing.T) {
	t.Run("remote url unsupported", func(t *testing.T) {
		_, err := Connect(Options{ParticipantID: "p1", RemoteURL: "http://ledger.example"})
		require.ErrorIs(t, err, ErrRemoteUnsupported)
	})
	t.Run("participant required", func(t *testing.T) {
		_, err := Connect(Options{BasePath: t.TempDir()})
		require.Error(t, err)
	})
	t.Run("base path required", func(t *testing.T) {
		_, err := Connect(Options{ParticipantID: "p1"})
		require.Error(t, err)
	})
	t.Run("creates base path", func(t *testing.T) {
		base := t.TempDir() + "/nested/ledger"
		l, err := Connect(Options{ParticipantID: "p1", BasePath: base})
		require.NoError(t, err)
		defer l.Dispose()
		_, serr := os.Stat(base)
		require.NoError(t, serr)
	})
}

func TestSessionIDsAreMonotonic(t *testing.T) {
	base := t.TempDir()
	l := connectTest(t, base, "p1", 0)
	ctx := testCtx(t)

	op1, err := l.CreateOperation(ctx, "first", nil)
	require.NoError(t, err)
	op2, err := l.CreateOperation(ctx, "second", nil)
	require.NoError(t, err)
	require.Greater(t, op2.SessionID(), op1.SessionID())
}

func TestJoinUnknownOperation(t *testing.T) {
	base := t.TempDir()
	l := connectTest(t, base, "p1", 0)
	_, err := l.JoinOperation(testCtx(t), "op-nope", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListOperations(t *testing.T) {
	base := t.TempDir()
	l := connectTest(t, base, "p1", 0)
	ctx := testCtx(t)

	op, err := l.CreateOperation(ctx, "listed", nil)
	require.NoError(t, err)

	ids, err := l.ListOperations()
	require.NoError(t, err)
	require.Contains(t, ids, op.OperationID())
}
