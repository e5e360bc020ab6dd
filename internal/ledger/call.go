package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/joao-brasil/procledger/internal/metrics"
	"github.com/joao-brasil/procledger/internal/record"
	"github.com/joao-brasil/procledger/pkg/opid"
)

// Call é o handle de um call local: trabalho executado por este mesmo
// processo. O método terminal (End ou Fail) remove o frame do stack; um
// handle esquecido é colhido pela detecção de staleness dos peers.
type Call struct {
	op          *Operation
	id          string
	description string
	failOnCrash bool
	cb          CallCallback

	mu          sync.Mutex
	settled     bool
	err         error
	doneCh      chan struct{}
	cleanupOnce sync.Once
}

// CallID retorna o id do frame deste call.
func (c *Call) CallID() string { return c.id }

// Description retorna a descrição do call.
func (c *Call) Description() string { return c.description }

// Done retorna um canal fechado quando o call termina (End ou Fail).
func (c *Call) Done() <-chan struct{} { return c.doneCh }

// Err retorna o erro do call após o término; nil em sucesso.
func (c *Call) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// RegisterResource anexa um caminho à lista de recursos do frame deste
// call. Recursos listados no frame são apagados junto com ele quando o
// cleanup o remove.
func (c *Call) RegisterResource(ctx context.Context, path string) error {
	return c.op.ledger.mutate(ctx, c.op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, fmt.Errorf("operation %s: %w", c.op.operationID, ErrNotFound)
		}
		f, _ := rec.Frame(c.id)
		if f == nil {
			return nil, nil
		}
		for _, r := range f.Resources {
			if r == path {
				return nil, nil
			}
		}
		f.Resources = append(f.Resources, path)
		return rec, nil
	})
}

// End conclui o call com sucesso: remove o frame e dispara OnCompletion.
func (c *Call) End(ctx context.Context, result any) error {
	if !c.markSettled(nil) {
		return fmt.Errorf("call %s already ended", opid.Short(c.id))
	}
	err := c.op.ledger.mutate(ctx, c.op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, nil
		}
		if !rec.RemoveFrame(c.id) {
			return nil, nil
		}
		return rec, nil
	})
	c.op.dropCall(c.id)
	metrics.CallsTotal.WithLabelValues("call", "ended").Inc()
	if c.cb.OnCompletion != nil {
		c.cb.OnCompletion(result)
	}
	return err
}

// Fail conclui o call com erro: remove o frame e leva a operação inteira
// para cleanup. O cause vira o reason da falha observada localmente.
func (c *Call) Fail(ctx context.Context, cause error) error {
	if !c.markSettled(cause) {
		return fmt.Errorf("call %s already ended", opid.Short(c.id))
	}
	now := time.Now().UTC()
	err := c.op.ledger.mutate(ctx, c.op.operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, nil
		}
		rec.RemoveFrame(c.id)
		if rec.OperationState == record.StateActive {
			if terr := rec.Transition(record.StateCleanup, now); terr != nil {
				return nil, terr
			}
		}
		return rec, nil
	})
	c.op.dropCall(c.id)
	metrics.CallsTotal.WithLabelValues("call", "failed").Inc()
	log.Printf("[ledger] Call %s failed, operation %s entering cleanup: %v",
		opid.Short(c.id), opid.Short(c.op.operationID), cause)

	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	c.op.signalFailing(OperationFailedInfo{
		OperationID: c.op.operationID,
		FailedAt:    now,
		Reason:      reason,
	})
	return err
}

// markSettled registra o término; retorna false quando já terminado.
func (c *Call) markSettled(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.settled {
		return false
	}
	c.settled = true
	c.err = err
	close(c.doneCh)
	return true
}

// callCallbacks implementa localCall.
func (c *Call) callCallbacks() *CallCallback { return &c.cb }

// requestCleanup implementa localCall: a operação entrou em cleanup com
// este call ainda aberto.
func (c *Call) requestCleanup() {
	c.cleanupOnce.Do(func() {
		if c.cb.OnCleanup != nil {
			c.cb.OnCleanup()
		}
	})
}

// notifyOperationFailed implementa localCall.
func (c *Call) notifyOperationFailed(info OperationFailedInfo) {
	if c.cb.OnOperationFailed != nil {
		c.cb.OnOperationFailed(info)
	}
}
