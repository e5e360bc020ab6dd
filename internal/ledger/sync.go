package ledger

import (
	"context"
	"log"

	"github.com/joao-brasil/procledger/pkg/opid"
)

// Awaitable é a visão mínima de um call para as primitivas de espera.
// Call e SpawnedCall implementam a interface.
type Awaitable interface {
	CallID() string
	Done() <-chan struct{}
	Err() error
}

// canceler é implementado pelos calls canceláveis (spawned calls).
type canceler interface {
	Cancel()
}

// SyncResult classifica os calls de uma espera.
type SyncResult struct {
	// SuccessfulCalls terminaram sem erro.
	SuccessfulCalls []string
	// FailedCalls terminaram com erro.
	FailedCalls []string
	// UnknownCalls foram cancelados pela falha da operação antes de
	// terminar.
	UnknownCalls []string
	// OperationFailed indica que a espera terminou porque a operação
	// entrou em cleanup/failed.
	OperationFailed bool
}

// Sync espera até que todos os calls terminem ou até a operação entrar em
// cleanup. Na falha da operação, os calls pendentes são cancelados e
// classificados como unknown; onOperationFailed é invocado e o retorno é
// um OperationFailedError. No caminho feliz, onCompletion recebe o
// resultado. Ambos os callbacks são opcionais.
func (op *Operation) Sync(ctx context.Context, calls []Awaitable, onOperationFailed func(OperationFailedInfo), onCompletion func(SyncResult)) (SyncResult, error) {
	var res SyncResult

	for i, c := range calls {
		select {
		case <-c.Done():
			res.record(c)
			continue
		default:
		}

		select {
		case <-c.Done():
			res.record(c)

		case <-op.FailingSignal():
			res.OperationFailed = true
			// Cancelar e classificar o restante como unknown.
			for _, rest := range calls[i:] {
				select {
				case <-rest.Done():
					res.record(rest)
					continue
				default:
				}
				if cc, ok := rest.(canceler); ok {
					cc.Cancel()
				}
				res.UnknownCalls = append(res.UnknownCalls, rest.CallID())
			}
			info, _ := op.FailureInfo()
			log.Printf("[ledger] Sync on %s interrupted by operation failure (%d unknown)",
				opid.Short(op.operationID), len(res.UnknownCalls))
			if onOperationFailed != nil {
				onOperationFailed(info)
			}
			return res, &OperationFailedError{Info: info}

		case <-ctx.Done():
			return res, ctx.Err()
		}
	}

	if onCompletion != nil {
		onCompletion(res)
	}
	return res, nil
}

// record classifica um call terminado.
func (r *SyncResult) record(c Awaitable) {
	if c.Err() != nil {
		r.FailedCalls = append(r.FailedCalls, c.CallID())
	} else {
		r.SuccessfulCalls = append(r.SuccessfulCalls, c.CallID())
	}
}

// AwaitCall é a forma de call único de Sync.
func (op *Operation) AwaitCall(ctx context.Context, c Awaitable, onOperationFailed func(OperationFailedInfo)) error {
	res, err := op.Sync(ctx, []Awaitable{c}, onOperationFailed, nil)
	if err != nil {
		return err
	}
	if len(res.FailedCalls) > 0 {
		return c.Err()
	}
	return nil
}

// WaitForCompletion executa work disputando com a falha da operação. Se a
// operação falhar primeiro, o contexto de work é cancelado, o resultado é
// abandonado e onOperationFailed é invocado. Um erro do próprio work é
// repassado a onError e retornado.
func (op *Operation) WaitForCompletion(ctx context.Context, work func(ctx context.Context) error, onOperationFailed func(OperationFailedInfo), onError func(error)) error {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- work(workCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return err
		}
		return nil

	case <-op.FailingSignal():
		cancel()
		<-errCh // esperar o work observar o cancelamento
		info, _ := op.FailureInfo()
		if onOperationFailed != nil {
			onOperationFailed(info)
		}
		return &OperationFailedError{Info: info}

	case <-ctx.Done():
		cancel()
		<-errCh
		return ctx.Err()
	}
}
