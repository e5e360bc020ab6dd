package ledger

import (
	"log"
	"os"
	"time"

	"github.com/joao-brasil/procledger/internal/metrics"
	"github.com/joao-brasil/procledger/internal/record"
	"github.com/joao-brasil/procledger/pkg/opid"
)

// runCleanupRules aplica as quatro regras de cleanup sobre o registro,
// dentro do ciclo de heartbeat e sob o lock da operação. As regras são
// idempotentes e comutativas: qualquer participante pode aplicar qualquer
// regra; aplicar duas vezes é um no-op porque o frame já foi removido.
//
//	Regra 1 — self-cleanup: frames ativos deste participante viram
//	          cleanup-requested (callbacks locais disparam fora do lock);
//	          frames já em cleanup-requested são removidos.
//	Regra 2 — frame crashed sem supervisor: removido por qualquer ciclo.
//	Regra 3 — frame crashed cujo supervisor pertence a este participante:
//	          notificação OnCallCrashed + remoção.
//	Regra 4 — frame crashed cujo supervisor também crashou: removido em
//	          cascata até alcançar um supervisor vivo.
//
// A regra 1 e a purga de temp resources só rodam com a operação em
// cleanup. As regras 2–4 rodam também em active: o crash de um frame com
// failOnCrash=false é colhido (com a notificação de supervisor) sem
// derrubar a operação.
func (t *heartbeatTask) runCleanupRules(rec *record.OperationRecord, now time.Time, deferred *deferredActions) {
	l := t.op.ledger
	inCleanup := rec.OperationState == record.StateCleanup

	var toRemove []string
	if inCleanup {
		// Regra 1 (segunda metade): remover frames cleanup-requested deste
		// participante marcados em ciclos anteriores — e também os de donos
		// mortos, que nunca voltarão para removê-los.
		for i := range rec.CallFrames {
			f := &rec.CallFrames[i]
			if f.State != record.FrameCleanupRequested {
				continue
			}
			if f.PID == l.pid || f.Stale(now, t.stale) {
				toRemove = append(toRemove, f.CallID)
			}
		}
		for _, id := range toRemove {
			t.removeFrame(rec, id, "rule1")
		}

		// Regra 1 (primeira metade): marcar os próprios frames ativos.
		for i := range rec.CallFrames {
			f := &rec.CallFrames[i]
			if f.PID == l.pid && f.State == record.FrameActive {
				f.State = record.FrameCleanupRequested
				deferred.localCleanups = append(deferred.localCleanups, f.CallID)
				log.Printf("[cleanup] Requesting cleanup of own frame %s", opid.Short(f.CallID))
			}
		}
	}

	// Regras 2, 3 e 4: varrer de cima para baixo para que cascatas
	// (regra 4) resolvam na mesma passada.
	toRemove = toRemove[:0]
	for i := len(rec.CallFrames) - 1; i >= 0; i-- {
		f := &rec.CallFrames[i]
		if f.State != record.FrameCrashed {
			continue
		}
		sup := rec.SupervisorOf(i)
		switch {
		case sup == nil:
			metrics.CleanupActions.WithLabelValues("rule2").Inc()
			toRemove = append(toRemove, f.CallID)
		case sup.State == record.FrameCrashed:
			// O supervisor crashed será tratado na sua própria iteração.
			metrics.CleanupActions.WithLabelValues("rule4").Inc()
			toRemove = append(toRemove, f.CallID)
		case sup.PID == l.pid:
			metrics.CleanupActions.WithLabelValues("rule3").Inc()
			deferred.crashNotices = append(deferred.crashNotices, crashNotice{
				supervisorCallID: sup.CallID,
				crashedCallID:    f.CallID,
			})
			toRemove = append(toRemove, f.CallID)
		default:
			// Supervisor vivo de outro participante: a regra 3 dele cuida.
		}
	}
	for _, id := range toRemove {
		t.removeFrame(rec, id, "crash")
	}

	// Recursos temporários cujo dono não tem mais frame vivo são apagados
	// best-effort, apenas com a operação em cleanup.
	if inCleanup {
		t.purgeOrphanResources(rec)
	}
}

// removeFrame tira um frame do stack e apaga os recursos listados nele.
func (t *heartbeatTask) removeFrame(rec *record.OperationRecord, callID, reason string) {
	f, _ := rec.Frame(callID)
	if f == nil {
		return
	}
	// Copiar o que o log e a remoção de recursos precisam: o ponteiro
	// aponta para dentro do slice que RemoveFrame desloca.
	participant := f.ParticipantID
	resources := append([]string(nil), f.Resources...)
	if !rec.RemoveFrame(callID) {
		return
	}
	log.Printf("[cleanup] Removed frame %s of %s (%s)", opid.Short(callID), participant, reason)
	for _, path := range resources {
		deleteResource(path)
	}
}

// purgeOrphanResources apaga os temp resources de pids sem frame vivo.
func (t *heartbeatTask) purgeOrphanResources(rec *record.OperationRecord) {
	livePids := make(map[int]struct{})
	for i := range rec.CallFrames {
		livePids[rec.CallFrames[i].PID] = struct{}{}
	}
	kept := rec.TempResources[:0]
	for _, tr := range rec.TempResources {
		if _, alive := livePids[tr.Owner]; alive {
			kept = append(kept, tr)
			continue
		}
		deleteResource(tr.Path)
	}
	rec.TempResources = kept
}

// deleteResource remove um caminho best-effort; falhas de I/O são
// logadas, nunca fatais — um caminho já inexistente é sucesso.
func deleteResource(path string) {
	err := os.RemoveAll(path)
	if err != nil {
		log.Printf("[cleanup] Failed to delete resource %s: %v", path, err)
		return
	}
	metrics.TempResourcesDeleted.Inc()
}
