package ledger

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/joao-brasil/procledger/internal/metrics"
	"github.com/joao-brasil/procledger/internal/record"
	"github.com/joao-brasil/procledger/pkg/opid"
)

// HeartbeatResult descreve o efeito de um ciclo de heartbeat.
type HeartbeatResult struct {
	// Before e After são snapshots do registro no início e no fim do
	// ciclo. Ambos nil quando NoLedger.
	Before *record.OperationRecord
	After  *record.OperationRecord

	// StaleParticipants lista os participantes cujos frames foram
	// marcados como crashed neste ciclo.
	StaleParticipants []string

	// NoLedger indica que o registro não existe (ainda não criado ou já
	// removido após estado terminal).
	NoLedger bool

	// Removed indica que este ciclo apagou o registro e seus backups.
	Removed bool
}

// heartbeatTask é a task periódica de um participante sobre uma operação.
// Cada tick executa um ciclo completo: detecção de staleness, transições
// de estado, regras de cleanup, renovação dos próprios heartbeats e
// remoção do registro terminal.
type heartbeatTask struct {
	op       *Operation
	interval time.Duration
	jitter   time.Duration
	stale    time.Duration

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
	doneCh   chan struct{}

	// terminalSeen registra se este participante já observou um estado
	// terminal; um NoLedger subsequente encerra a task.
	terminalSeen bool

	// noLedgerStreak conta ciclos consecutivos sem registro no disco.
	noLedgerStreak int

	// crashedSeen acumula os callIds que este participante observou como
	// crashed, para compor o OperationFailedInfo.
	crashedSeen map[string]struct{}
}

func newHeartbeatTask(op *Operation) *heartbeatTask {
	cfg := op.ledger.cfg
	ctx, cancel := context.WithCancel(context.Background())
	return &heartbeatTask{
		op:          op,
		interval:    cfg.HeartbeatInterval,
		jitter:      cfg.HeartbeatJitter,
		stale:       cfg.StaleThreshold,
		ctx:         ctx,
		cancel:      cancel,
		doneCh:      make(chan struct{}),
		crashedSeen: make(map[string]struct{}),
	}
}

// start inicia o loop de heartbeat em uma goroutine em background.
func (t *heartbeatTask) start() {
	metrics.ParticipantHeartbeat.WithLabelValues(t.op.operationID).Set(1)
	go t.loop()
	log.Printf("[heartbeat] Started: operation=%s interval=%s stale=%s",
		opid.Short(t.op.operationID), t.interval, t.stale)
}

// stop sinaliza o loop para parar. Não bloqueia esperando o ciclo em
// andamento; o cancelamento interrompe aquisições de lock em voo.
func (t *heartbeatTask) stop() {
	t.stopOnce.Do(t.cancel)
}

func (t *heartbeatTask) loop() {
	defer close(t.doneCh)
	defer metrics.ParticipantHeartbeat.WithLabelValues(t.op.operationID).Set(0)

	// Tick inicial imediato, depois intervalo com jitter. O jitter evita
	// que participantes disparados juntos disputem o lock a cada ciclo.
	if t.tick() {
		return
	}
	for {
		d := t.interval
		if t.jitter > 0 {
			d += time.Duration(rand.Int63n(int64(t.jitter)))
		}
		timer := time.NewTimer(d)
		select {
		case <-t.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if t.tick() {
			return
		}
	}
}

// tick executa um ciclo e processa seus efeitos fora do lock. Retorna
// true quando a task deve encerrar.
func (t *heartbeatTask) tick() bool {
	op := t.op
	start := time.Now()
	res, deferred, err := t.cycle()
	metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		he := classifyHeartbeatErr(err)
		metrics.HeartbeatCycles.WithLabelValues(string(he.Kind)).Inc()
		if he.Kind != HeartbeatCanceled {
			log.Printf("[heartbeat] Cycle failed for %s: %v", opid.Short(op.operationID), he)
		}
		if op.cb.OnHeartbeatError != nil {
			op.cb.OnHeartbeatError(op, he)
		}
		if op.ledger.cb.OnGlobalHeartbeatError != nil {
			op.ledger.cb.OnGlobalHeartbeatError(op.operationID, he)
		}
		// Cancelamento encerra a task; os demais erros tentam no próximo tick.
		return he.Kind == HeartbeatCanceled
	}

	metrics.HeartbeatCycles.WithLabelValues("ok").Inc()

	// Callbacks de cleanup e notificações de supervisor são disparados
	// fora do lock, no runner deste participante.
	for _, callID := range deferred.localCleanups {
		if c, ok := op.localCallByID(callID); ok {
			c.requestCleanup()
		}
	}
	for _, n := range deferred.crashNotices {
		if c, ok := op.localCallByID(n.supervisorCallID); ok {
			if cb := c.callCallbacks(); cb != nil && cb.OnCallCrashed != nil {
				cb.OnCallCrashed(n.crashedCallID)
			}
		}
	}

	if op.cb.OnHeartbeatSuccess != nil {
		op.cb.OnHeartbeatSuccess(op, *res)
	}

	if res.NoLedger {
		if t.terminalSeen || op.completedLocally() {
			op.ledger.forget(op.operationID)
			op.closeHandle()
			return true
		}
		// Um peer pode ter removido o registro terminal antes deste
		// participante observar o estado; depois de alguns ciclos sem
		// registro, tratar como falha e encerrar.
		t.noLedgerStreak++
		if t.noLedgerStreak >= 3 {
			op.signalFailed(OperationFailedInfo{
				OperationID: op.operationID,
				FailedAt:    time.Now().UTC(),
				Reason:      "record removed",
			})
			op.ledger.forget(op.operationID)
			op.closeHandle()
			return true
		}
		return false
	}
	t.noLedgerStreak = 0

	after := res.After
	if after.Aborted {
		op.signalAbort()
	}
	switch after.OperationState {
	case record.StateCleanup:
		op.signalFailing(t.failureInfo(after))
	case record.StateFailed:
		t.terminalSeen = true
		op.signalFailed(t.failureInfo(after))
	case record.StateComplete:
		t.terminalSeen = true
	}

	if res.Removed {
		op.ledger.forget(op.operationID)
		op.closeHandle()
		log.Printf("[heartbeat] Operation %s removed, stopping", opid.Short(op.operationID))
		return true
	}
	return false
}

// deferredActions são efeitos coletados durante o ciclo e executados
// depois do lock ser liberado.
type deferredActions struct {
	// localCleanups: callIds locais cujos handles devem rodar cleanup
	// (regra 1).
	localCleanups []string
	// crashNotices: notificações de supervisor (regra 3).
	crashNotices []crashNotice
}

type crashNotice struct {
	supervisorCallID string
	crashedCallID    string
}

// cycle executa os passos do algoritmo de heartbeat sob o lock da operação.
func (t *heartbeatTask) cycle() (*HeartbeatResult, deferredActions, error) {
	op := t.op
	l := op.ledger
	var deferred deferredActions

	lk := l.lockFor(op.operationID)
	if err := lk.Acquire(t.ctx); err != nil {
		if t.ctx.Err() != nil {
			return nil, deferred, errHeartbeatCanceled
		}
		return nil, deferred, err
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			log.Printf("[heartbeat] Failed to release lock for %s: %v", opid.Short(op.operationID), rerr)
		}
	}()

	// 1. Ler o registro.
	rec, err := l.store.Read(op.operationID)
	if err != nil {
		return nil, deferred, err
	}
	if rec == nil {
		return &HeartbeatResult{NoLedger: true}, deferred, nil
	}

	res := &HeartbeatResult{Before: rec.Clone()}
	now := time.Now().UTC()

	// 2–3. Calcular idade dos heartbeats e marcar frames stale como crashed.
	staleSet := make(map[string]struct{})
	for i := range rec.CallFrames {
		f := &rec.CallFrames[i]
		if f.State == record.FrameActive && f.Stale(now, t.stale) {
			f.State = record.FrameCrashed
			metrics.StaleFramesDetected.Inc()
			staleSet[f.ParticipantID] = struct{}{}
			log.Printf("[heartbeat] Frame %s of %s is stale (age=%s), marking crashed",
				opid.Short(f.CallID), f.ParticipantID, f.HeartbeatAge(now).Round(time.Millisecond))
		}
		if f.State == record.FrameCrashed {
			t.crashedSeen[f.CallID] = struct{}{}
		}
	}
	for p := range staleSet {
		res.StaleParticipants = append(res.StaleParticipants, p)
	}

	// 4. Transições de estado da operação.
	if rec.OperationState == record.StateActive {
		crashedFatal := false
		for i := range rec.CallFrames {
			if rec.CallFrames[i].State == record.FrameCrashed && rec.CallFrames[i].FailOnCrash {
				crashedFatal = true
				break
			}
		}
		if crashedFatal || rec.Aborted {
			if err := rec.Transition(record.StateCleanup, now); err != nil {
				return nil, deferred, err
			}
			log.Printf("[heartbeat] Operation %s entering cleanup (fatalCrash=%v aborted=%v)",
				opid.Short(op.operationID), crashedFatal, rec.Aborted)
		}
	}

	// 5. Regras de cleanup. As regras 2–4 rodam mesmo em active, para
	// colher crashes não-fatais (failOnCrash=false) sem derrubar a
	// operação; a regra 1 só age em cleanup.
	t.runCleanupRules(rec, now, &deferred)

	// 6. Renovar o heartbeat dos frames ativos deste participante.
	for i := range rec.CallFrames {
		f := &rec.CallFrames[i]
		if f.PID == l.pid && f.State == record.FrameActive {
			f.LastHeartbeat = now
		}
	}

	// 7. Heartbeat do registro = máximo dos frames.
	rec.LastHeartbeat = rec.MaxHeartbeat()

	// 8. Cleanup com stack vazio → failed.
	if rec.OperationState == record.StateCleanup && len(rec.CallFrames) == 0 {
		if err := rec.Transition(record.StateFailed, now); err != nil {
			return nil, deferred, err
		}
		log.Printf("[heartbeat] Operation %s drained, transitioning to failed", opid.Short(op.operationID))
	}

	// 9. Remoção do registro terminal. Operações failed permanecem por
	// dois ciclos após removalTimestamp para que peers atrasados observem
	// o estado; complete é removido no primeiro tick que o encontra.
	if rec.OperationState.Terminal() {
		due := rec.OperationState == record.StateComplete ||
			(rec.RemovalTimestamp != nil && now.Sub(*rec.RemovalTimestamp) >= 2*t.interval)
		if due {
			if err := l.store.Remove(op.operationID); err != nil {
				log.Printf("[heartbeat] Failed to remove record %s: %v", opid.Short(op.operationID), err)
			}
			res.After = rec.Clone()
			res.Removed = true
			return res, deferred, nil
		}
	}

	// 10. Persistir.
	if err := l.store.Write(rec); err != nil {
		return nil, deferred, err
	}
	res.After = rec.Clone()
	return res, deferred, nil
}

// failureInfo monta o OperationFailedInfo com os crashes acumulados.
func (t *heartbeatTask) failureInfo(rec *record.OperationRecord) OperationFailedInfo {
	info := OperationFailedInfo{
		OperationID: t.op.operationID,
		FailedAt:    time.Now().UTC(),
	}
	if rec.DetectionTimestamp != nil {
		info.FailedAt = *rec.DetectionTimestamp
	}
	if rec.Aborted {
		info.Reason = "aborted"
	}
	for id := range t.crashedSeen {
		info.CrashedCallIDs = append(info.CrashedCallIDs, id)
	}
	return info
}

// completedLocally indica se Complete foi chamado neste handle.
func (op *Operation) completedLocally() bool {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.completed
}
