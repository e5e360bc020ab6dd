package ledger

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/joao-brasil/procledger/internal/metrics"
	"github.com/joao-brasil/procledger/internal/record"
	"github.com/joao-brasil/procledger/pkg/opid"
)

// localCall é a visão interna de um handle de call registrado neste
// processo (Call ou SpawnedCall).
type localCall interface {
	CallID() string
	callCallbacks() *CallCallback

	// requestCleanup é invocado quando a operação entra em cleanup com o
	// call ainda pendente: dispara OnCleanup e cancela trabalho em voo.
	requestCleanup()

	// notifyOperationFailed é invocado quando a operação falha.
	notifyOperationFailed(info OperationFailedInfo)
}

// Operation é o handle por processo de uma operação compartilhada. Todas
// as mutações do registro passam pelo lock da operação; o handle em si é
// seguro para uso por múltiplas goroutines do processo.
type Operation struct {
	ledger      *Ledger
	operationID string
	rootCallID  string
	sessionID   int64
	isInitiator bool
	startTime   time.Time
	cb          OperationCallback

	mu        sync.Mutex
	calls     map[string]localCall
	closed    bool
	completed bool

	abortOnce sync.Once
	abortCh   chan struct{}

	// failingCh fecha quando a operação entra em cleanup ou failed; é o
	// sinal que desbloqueia Sync/AwaitCall/WaitForCompletion.
	failingOnce sync.Once
	failingCh   chan struct{}

	// failedCh fecha quando o estado failed é observado.
	failedOnce  sync.Once
	failedCh    chan struct{}
	failureInfo OperationFailedInfo

	hb *heartbeatTask
}

func newOperation(l *Ledger, operationID, rootCallID string, start time.Time, initiator bool, cb *OperationCallback) *Operation {
	op := &Operation{
		ledger:      l,
		operationID: operationID,
		rootCallID:  rootCallID,
		sessionID:   l.nextSessionID(),
		isInitiator: initiator,
		startTime:   start,
		calls:       make(map[string]localCall),
		abortCh:     make(chan struct{}),
		failingCh:   make(chan struct{}),
		failedCh:    make(chan struct{}),
	}
	if cb != nil {
		op.cb = *cb
	}
	op.hb = newHeartbeatTask(op)
	return op
}

// OperationID retorna o id da operação.
func (op *Operation) OperationID() string { return op.operationID }

// ParticipantID retorna a identidade deste participante.
func (op *Operation) ParticipantID() string { return op.ledger.participantID }

// SessionID retorna o id de sessão monotônico deste handle no ledger local.
func (op *Operation) SessionID() int64 { return op.sessionID }

// IsInitiator indica se este participante criou a operação.
func (op *Operation) IsInitiator() bool { return op.isInitiator }

// StartTime retorna o instante de criação/join deste handle.
func (op *Operation) StartTime() time.Time { return op.startTime }

// PendingCallCount retorna o número de calls locais ainda abertos.
func (op *Operation) PendingCallCount() int {
	op.mu.Lock()
	defer op.mu.Unlock()
	return len(op.calls)
}

// AbortSignal retorna um canal fechado quando o abort da operação é
// observado por este participante.
func (op *Operation) AbortSignal() <-chan struct{} { return op.abortCh }

// FailureSignal retorna um canal fechado quando a operação atinge failed.
func (op *Operation) FailureSignal() <-chan struct{} { return op.failedCh }

// FailingSignal retorna um canal fechado quando a operação entra em
// cleanup ou failed — o sinal que encerra as primitivas de espera.
func (op *Operation) FailingSignal() <-chan struct{} { return op.failingCh }

// FailureInfo retorna a informação de falha quando disponível.
func (op *Operation) FailureInfo() (OperationFailedInfo, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	select {
	case <-op.failingCh:
		return op.failureInfo, true
	default:
		return OperationFailedInfo{}, false
	}
}

// ── Abort ───────────────────────────────────────────────────────────────

// SetAbortFlag grava o flag de abort no registro. O flag é monotônico:
// uma vez true, permanece true; SetAbortFlag(false) após um abort é um no-op.
func (op *Operation) SetAbortFlag(ctx context.Context, v bool) error {
	if op.isClosed() {
		return ErrDisposed
	}
	err := op.ledger.mutate(ctx, op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, fmt.Errorf("operation %s: %w", op.operationID, ErrNotFound)
		}
		if !v || rec.Aborted {
			return nil, nil
		}
		rec.Aborted = true
		return rec, nil
	})
	if err != nil {
		return err
	}
	if v {
		op.signalAbort()
	}
	return nil
}

// CheckAbort lê o flag de abort do registro.
func (op *Operation) CheckAbort(ctx context.Context) (bool, error) {
	rec, err := op.ledger.ReadRecord(ctx, op.operationID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, fmt.Errorf("operation %s: %w", op.operationID, ErrNotFound)
	}
	return rec.Aborted, nil
}

// TriggerAbort marca a operação como abortada.
func (op *Operation) TriggerAbort(ctx context.Context) error {
	return op.SetAbortFlag(ctx, true)
}

// ── Calls ───────────────────────────────────────────────────────────────

// StartCall abre um call local (trabalho deste processo) empilhando um
// frame acima dos existentes. O handle retornado deve terminar com End ou
// Fail; um handle esquecido é eventualmente colhido pela detecção de
// staleness dos peers.
func (op *Operation) StartCall(ctx context.Context, description string, failOnCrash bool, cb *CallCallback) (*Call, error) {
	if op.isClosed() {
		return nil, ErrDisposed
	}
	callID := opid.NewCallID()
	now := time.Now().UTC()

	err := op.ledger.mutate(ctx, op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, fmt.Errorf("operation %s: %w", op.operationID, ErrNotFound)
		}
		if rec.OperationState != record.StateActive {
			return nil, &OperationFailedError{Info: op.failureInfoFrom(rec)}
		}
		rec.PushFrame(record.CallFrame{
			ParticipantID: op.ledger.participantID,
			CallID:        callID,
			PID:           op.ledger.pid,
			StartTime:     now,
			LastHeartbeat: now,
			State:         record.FrameActive,
			Description:   description,
			FailOnCrash:   failOnCrash,
		})
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	c := &Call{
		op:          op,
		id:          callID,
		description: description,
		failOnCrash: failOnCrash,
		doneCh:      make(chan struct{}),
	}
	if cb != nil {
		c.cb = *cb
	}
	op.registerCall(c)
	metrics.CallsTotal.WithLabelValues("call", "started").Inc()
	return c, nil
}

// registerCall adiciona um handle local ao índice de calls pendentes.
func (op *Operation) registerCall(c localCall) {
	op.mu.Lock()
	op.calls[c.CallID()] = c
	op.mu.Unlock()
	metrics.PendingCalls.WithLabelValues(op.operationID).Set(float64(op.PendingCallCount()))
}

// dropCall remove um handle local do índice.
func (op *Operation) dropCall(callID string) {
	op.mu.Lock()
	delete(op.calls, callID)
	op.mu.Unlock()
	metrics.PendingCalls.WithLabelValues(op.operationID).Set(float64(op.PendingCallCount()))
}

// localCallByID retorna o handle local de um callId, se registrado.
func (op *Operation) localCallByID(callID string) (localCall, bool) {
	op.mu.Lock()
	defer op.mu.Unlock()
	c, ok := op.calls[callID]
	return c, ok
}

// snapshotCalls retorna os handles locais pendentes.
func (op *Operation) snapshotCalls() []localCall {
	op.mu.Lock()
	defer op.mu.Unlock()
	out := make([]localCall, 0, len(op.calls))
	for _, c := range op.calls {
		out = append(out, c)
	}
	return out
}

// ── Conclusão e saída ───────────────────────────────────────────────────

// Complete encerra a operação com sucesso. Somente o iniciador pode
// completar, somente com o stack vazio além dos próprios frames: qualquer
// frame vivo restante resulta em StillBusyError. O registro é marcado
// complete e apagado pelo heartbeat no tick seguinte.
func (op *Operation) Complete(ctx context.Context) error {
	if !op.isInitiator {
		return fmt.Errorf("operation %s: only the initiator may complete", op.operationID)
	}
	if op.isClosed() {
		return ErrDisposed
	}
	if n := op.PendingCallCount(); n > 0 {
		return &StillBusyError{OperationID: op.operationID, PendingCalls: n}
	}

	err := op.ledger.mutate(ctx, op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, fmt.Errorf("operation %s: %w", op.operationID, ErrNotFound)
		}
		if rec.OperationState != record.StateActive {
			return nil, &OperationFailedError{Info: op.failureInfoFrom(rec)}
		}
		// Remover os frames deste participante; o restante precisa estar vazio.
		kept := rec.CallFrames[:0]
		for _, f := range rec.CallFrames {
			if f.PID != op.ledger.pid {
				kept = append(kept, f)
			}
		}
		rec.CallFrames = kept
		if len(rec.CallFrames) > 0 {
			return nil, &StillBusyError{OperationID: op.operationID, LiveFrames: len(rec.CallFrames)}
		}
		if err := rec.Transition(record.StateComplete, time.Now().UTC()); err != nil {
			return nil, err
		}
		return rec, nil
	})
	if err != nil {
		return err
	}

	op.mu.Lock()
	op.completed = true
	op.mu.Unlock()
	metrics.OperationsTotal.WithLabelValues("completed").Inc()
	log.Printf("[ledger] Operation %s completed", opid.Short(op.operationID))
	return nil
}

// Leave desconecta este participante voluntariamente: cancela os calls
// locais pendentes (quando cancelPendingCalls), remove todos os frames
// deste pid do stack e para o heartbeat. A operação continua para os
// demais participantes.
func (op *Operation) Leave(ctx context.Context, cancelPendingCalls bool) error {
	if op.isClosed() {
		return ErrDisposed
	}
	if cancelPendingCalls {
		for _, c := range op.snapshotCalls() {
			c.requestCleanup()
		}
	}

	err := op.ledger.mutate(ctx, op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, nil
		}
		kept := rec.CallFrames[:0]
		for _, f := range rec.CallFrames {
			if f.PID != op.ledger.pid {
				kept = append(kept, f)
			}
		}
		rec.CallFrames = kept
		return rec, nil
	})
	if err != nil {
		return err
	}

	op.hb.stop()
	op.closeHandle()
	op.ledger.forget(op.operationID)
	metrics.OperationsTotal.WithLabelValues("left").Inc()
	log.Printf("[ledger] Left operation %s", opid.Short(op.operationID))
	return nil
}

// ── Temp resources ──────────────────────────────────────────────────────

// RegisterTempResource declara um caminho cuja remoção deve acompanhar o
// cleanup da operação. O dono do recurso é o pid deste processo.
func (op *Operation) RegisterTempResource(ctx context.Context, path string) error {
	if op.isClosed() {
		return ErrDisposed
	}
	return op.ledger.mutate(ctx, op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, fmt.Errorf("operation %s: %w", op.operationID, ErrNotFound)
		}
		for _, tr := range rec.TempResources {
			if tr.Path == path && tr.Owner == op.ledger.pid {
				return nil, nil
			}
		}
		rec.TempResources = append(rec.TempResources, record.TempResource{
			Path:         path,
			Owner:        op.ledger.pid,
			RegisteredAt: time.Now().UTC(),
		})
		return rec, nil
	})
}

// UnregisterTempResource remove a declaração de um recurso. O arquivo em
// si não é tocado.
func (op *Operation) UnregisterTempResource(ctx context.Context, path string) error {
	if op.isClosed() {
		return ErrDisposed
	}
	return op.ledger.mutate(ctx, op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, nil
		}
		if rec.RemoveTempResource(path) == nil {
			return nil, nil
		}
		return rec, nil
	})
}

// ── Log ─────────────────────────────────────────────────────────────────

// Log anexa uma linha estruturada ao log sidecar da operação.
func (op *Operation) Log(message, level string) {
	if level == "" {
		level = "info"
	}
	line := fmt.Sprintf("%s %-5s %s %s",
		time.Now().UTC().Format(time.RFC3339Nano),
		strings.ToUpper(level),
		op.ledger.participantID,
		message)
	op.ledger.emitLogLine(op.operationID, line)
}

// ── Sinais internos ─────────────────────────────────────────────────────

func (op *Operation) signalAbort() {
	op.abortOnce.Do(func() {
		close(op.abortCh)
		if op.cb.OnAbort != nil {
			go op.cb.OnAbort(op)
		}
	})
}

// signalFailing registra a informação de falha e libera as primitivas de
// espera. Invocado quando cleanup ou failed é observado.
func (op *Operation) signalFailing(info OperationFailedInfo) {
	op.failingOnce.Do(func() {
		op.mu.Lock()
		op.failureInfo = info
		op.mu.Unlock()
		close(op.failingCh)
		for _, c := range op.snapshotCalls() {
			c.notifyOperationFailed(info)
		}
	})
}

// signalFailed marca a falha terminal da operação.
func (op *Operation) signalFailed(info OperationFailedInfo) {
	op.signalFailing(info)
	op.failedOnce.Do(func() {
		close(op.failedCh)
		if op.cb.OnFailure != nil {
			go op.cb.OnFailure(op, info)
		}
		metrics.OperationsTotal.WithLabelValues("failed").Inc()
	})
}

// failureInfoFrom monta a informação de falha a partir de um registro.
func (op *Operation) failureInfoFrom(rec *record.OperationRecord) OperationFailedInfo {
	info := OperationFailedInfo{
		OperationID:    op.operationID,
		FailedAt:       time.Now().UTC(),
		CrashedCallIDs: rec.CrashedCallIDs(),
	}
	if rec.DetectionTimestamp != nil {
		info.FailedAt = *rec.DetectionTimestamp
	}
	if rec.Aborted {
		info.Reason = "aborted"
	}
	return info
}

func (op *Operation) isClosed() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.closed
}

// closeHandle marca o handle como encerrado; APIs subsequentes retornam
// ErrDisposed.
func (op *Operation) closeHandle() {
	op.mu.Lock()
	op.closed = true
	op.mu.Unlock()
}
