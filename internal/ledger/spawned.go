package ledger

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/joao-brasil/procledger/internal/metrics"
	"github.com/joao-brasil/procledger/internal/record"
	"github.com/joao-brasil/procledger/pkg/opid"
)

// WorkFunc é o corpo de um spawned call. O contexto é cancelado por
// Cancel e pelo cleanup da operação; o trabalho deve observá-lo. Kill não
// cancela o contexto: apenas envia o sinal ao processo externo.
type WorkFunc[T any] func(ctx context.Context) (T, error)

// SpawnOptions configura um spawned call.
type SpawnOptions struct {
	Description string
	FailOnCrash bool
	Callback    *CallCallback
}

// SpawnedCall é o handle de trabalho despachado — uma goroutine deste
// processo ou um processo externo. O frame correspondente é destruído
// quando o trabalho termina (sucesso ou erro); um trabalho que nunca
// termina é colhido pela detecção de staleness.
type SpawnedCall[T any] struct {
	op *Operation
	id string
	cb CallCallback

	cancel context.CancelFunc

	mu       sync.Mutex
	doneCh   chan struct{}
	settled  bool
	canceled bool
	result   T
	err      error

	// killer envia um sinal ao processo externo por trás do trabalho;
	// definido por SetKiller nos exec workers.
	killer func(sig os.Signal) error

	cleanupOnce sync.Once
}

// Spawn empilha um frame para work e o lança em uma goroutine. O handle
// retornado expõe o resultado, cancelamento cooperativo e (para trabalho
// apoiado em processo externo) Kill.
func Spawn[T any](ctx context.Context, op *Operation, work WorkFunc[T], opts SpawnOptions) (*SpawnedCall[T], error) {
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
			Description:   opts.Description,
			FailOnCrash:   opts.FailOnCrash,
		})
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	workCtx, cancel := context.WithCancel(context.Background())
	sc := &SpawnedCall[T]{
		op:     op,
		id:     callID,
		cancel: cancel,
		doneCh: make(chan struct{}),
	}
	if opts.Callback != nil {
		sc.cb = *opts.Callback
	}
	op.registerCall(sc)
	metrics.CallsTotal.WithLabelValues("spawned", "started").Inc()

	go func() {
		v, werr := work(workCtx)
		sc.settle(v, werr)
	}()
	return sc, nil
}

// SpawnCall é a forma não tipada de Spawn, exposta no facade da operação.
func (op *Operation) SpawnCall(ctx context.Context, work WorkFunc[any], description string, cb *CallCallback, failOnCrash bool) (*SpawnedCall[any], error) {
	return Spawn(ctx, op, work, SpawnOptions{
		Description: description,
		FailOnCrash: failOnCrash,
		Callback:    cb,
	})
}

// CallID retorna o id do frame deste spawned call.
func (sc *SpawnedCall[T]) CallID() string { return sc.id }

// Done retorna um canal fechado quando o trabalho termina.
func (sc *SpawnedCall[T]) Done() <-chan struct{} { return sc.doneCh }

// Result retorna o resultado e o erro do trabalho. Só é significativo
// após Done fechar.
func (sc *SpawnedCall[T]) Result() (T, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.result, sc.err
}

// ResultOrZero retorna o resultado, ou o zero de T quando o trabalho
// falhou ou ainda não terminou.
func (sc *SpawnedCall[T]) ResultOrZero() T {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.err != nil || !sc.settled {
		var zero T
		return zero
	}
	return sc.result
}

// Err retorna o erro do trabalho após o término; nil em sucesso.
func (sc *SpawnedCall[T]) Err() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.err
}

// Canceled indica se Cancel foi invocado.
func (sc *SpawnedCall[T]) Canceled() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.canceled
}

// Cancel sinaliza o cancelamento cooperativo: o contexto do trabalho é
// cancelado e o closure deve retornar.
func (sc *SpawnedCall[T]) Cancel() {
	sc.mu.Lock()
	sc.canceled = true
	sc.mu.Unlock()
	sc.cancel()
}

// SetKiller registra a função que envia sinais ao processo externo por
// trás deste trabalho.
func (sc *SpawnedCall[T]) SetKiller(fn func(sig os.Signal) error) {
	sc.mu.Lock()
	sc.killer = fn
	sc.mu.Unlock()
}

// Kill envia um sinal ao processo externo e espera o trabalho assentar.
// Erro quando o trabalho não é apoiado por processo externo.
func (sc *SpawnedCall[T]) Kill(ctx context.Context, sig os.Signal) error {
	sc.mu.Lock()
	killer := sc.killer
	sc.mu.Unlock()
	if killer == nil {
		return fmt.Errorf("spawned call %s is not process-backed", opid.Short(sc.id))
	}
	if err := killer(sig); err != nil {
		return err
	}
	select {
	case <-sc.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await bloqueia até o trabalho terminar, a operação falhar ou o contexto
// expirar. Uma falha de operação retorna OperationFailedError.
func (sc *SpawnedCall[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-sc.doneCh:
		return sc.Result()
	case <-sc.op.FailingSignal():
		// O trabalho pode ter assentado na mesma janela; preferir o resultado.
		select {
		case <-sc.doneCh:
			return sc.Result()
		default:
		}
		info, _ := sc.op.FailureInfo()
		return zero, &OperationFailedError{Info: info}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// settle registra o término do trabalho e remove o frame do registro.
func (sc *SpawnedCall[T]) settle(v T, err error) {
	sc.mu.Lock()
	if sc.settled {
		sc.mu.Unlock()
		return
	}
	sc.settled = true
	sc.result = v
	sc.err = err
	sc.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), sc.op.ledger.cfg.LockTimeout+time.Second)
	defer cancel()
	merr := sc.op.ledger.mutate(ctx, sc.op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil || !rec.RemoveFrame(sc.id) {
			return nil, nil
		}
		return rec, nil
	})
	if merr != nil {
		log.Printf("[ledger] Failed to remove frame of spawned call %s: %v", opid.Short(sc.id), merr)
	}

	sc.op.dropCall(sc.id)
	close(sc.doneCh)

	if err != nil {
		metrics.CallsTotal.WithLabelValues("spawned", "failed").Inc()
	} else {
		metrics.CallsTotal.WithLabelValues("spawned", "completed").Inc()
		if sc.cb.OnCompletion != nil {
			sc.cb.OnCompletion(v)
		}
	}
}

// callCallbacks implementa localCall.
func (sc *SpawnedCall[T]) callCallbacks() *CallCallback { return &sc.cb }

// requestCleanup implementa localCall: dispara OnCleanup e cancela o
// trabalho em voo.
func (sc *SpawnedCall[T]) requestCleanup() {
	sc.cleanupOnce.Do(func() {
		if sc.cb.OnCleanup != nil {
			sc.cb.OnCleanup()
		}
		sc.Cancel()
	})
}

// notifyOperationFailed implementa localCall.
func (sc *SpawnedCall[T]) notifyOperationFailed(info OperationFailedInfo) {
	if sc.cb.OnOperationFailed != nil {
		sc.cb.OnOperationFailed(info)
	}
}
