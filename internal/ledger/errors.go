package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/joao-brasil/procledger/internal/lockfile"
	"github.com/joao-brasil/procledger/internal/store"
)

// ErrRemoteUnsupported é retornado por Connect quando uma URL remota é
// fornecida; este módulo implementa apenas o ledger local em arquivo.
var ErrRemoteUnsupported = errors.New("remote ledger transport is not supported")

// ErrNotFound é retornado por JoinOperation quando a operação não existe.
var ErrNotFound = errors.New("operation not found")

// ErrDisposed é retornado por APIs chamadas após Dispose do ledger ou
// após o handle da operação ter sido encerrado (Leave/Complete/failure).
var ErrDisposed = errors.New("operation handle is closed")

// OperationFailedInfo descreve uma falha de operação observada.
type OperationFailedInfo struct {
	OperationID    string
	FailedAt       time.Time
	Reason         string
	CrashedCallIDs []string
}

// OperationFailedError é lançado pelas APIs de espera (Sync, AwaitCall,
// WaitForCompletion) quando a operação entrou em cleanup ou failed.
// Depois deste erro, nenhuma outra API do handle terá sucesso.
type OperationFailedError struct {
	Info OperationFailedInfo
}

func (e *OperationFailedError) Error() string {
	if e.Info.Reason != "" {
		return fmt.Sprintf("operation %s failed: %s", e.Info.OperationID, e.Info.Reason)
	}
	return fmt.Sprintf("operation %s failed (crashed calls: %d)",
		e.Info.OperationID, len(e.Info.CrashedCallIDs))
}

// IsOperationFailed verifica se o erro é uma falha de operação.
func IsOperationFailed(err error) bool {
	var oe *OperationFailedError
	return errors.As(err, &oe)
}

// StillBusyError é retornado por Complete quando ainda existem frames
// vivos no stack da operação.
type StillBusyError struct {
	OperationID  string
	PendingCalls int
	LiveFrames   int
}

func (e *StillBusyError) Error() string {
	return fmt.Sprintf("operation %s still busy: %d pending local calls, %d live frames",
		e.OperationID, e.PendingCalls, e.LiveFrames)
}

// IsStillBusy verifica se o erro é um StillBusyError.
func IsStillBusy(err error) bool {
	var se *StillBusyError
	return errors.As(err, &se)
}

// ── Erros de heartbeat ──────────────────────────────────────────────────

// HeartbeatErrorKind classifica a causa de um ciclo de heartbeat falho.
type HeartbeatErrorKind string

const (
	HeartbeatLockTimeout HeartbeatErrorKind = "lockTimeout"
	HeartbeatIOError     HeartbeatErrorKind = "ioError"
	HeartbeatCorrupt     HeartbeatErrorKind = "corrupt"
	HeartbeatCanceled    HeartbeatErrorKind = "canceled"
)

// HeartbeatError é entregue apenas via callback, nunca lançado: um ciclo
// falho é reportado e o próximo tick tenta de novo.
type HeartbeatError struct {
	Kind    HeartbeatErrorKind
	Message string
	Cause   error
}

func (e *HeartbeatError) Error() string {
	return fmt.Sprintf("heartbeat %s: %s", e.Kind, e.Message)
}

func (e *HeartbeatError) Unwrap() error { return e.Cause }

// classifyHeartbeatErr converte um erro do ciclo na taxonomia de kinds.
func classifyHeartbeatErr(err error) *HeartbeatError {
	var he *HeartbeatError
	if errors.As(err, &he) {
		return he
	}
	kind := HeartbeatIOError
	switch {
	case lockfile.IsTimeout(err):
		kind = HeartbeatLockTimeout
	case store.IsCorrupt(err):
		kind = HeartbeatCorrupt
	case errors.Is(err, errHeartbeatCanceled):
		kind = HeartbeatCanceled
	}
	return &HeartbeatError{Kind: kind, Message: err.Error(), Cause: err}
}

// errHeartbeatCanceled marca um ciclo interrompido por shutdown.
var errHeartbeatCanceled = errors.New("heartbeat canceled")
