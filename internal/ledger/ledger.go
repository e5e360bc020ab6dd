package ledger

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joao-brasil/procledger/internal/config"
	"github.com/joao-brasil/procledger/internal/lockfile"
	"github.com/joao-brasil/procledger/internal/metrics"
	"github.com/joao-brasil/procledger/internal/record"
	"github.com/joao-brasil/procledger/internal/store"
	"github.com/joao-brasil/procledger/pkg/opid"
)

// Options configura a conexão de um participante com um ledger.
type Options struct {
	// ParticipantID identifica este processo nas operações. Obrigatório.
	ParticipantID string

	// BasePath é o diretório compartilhado com os registros de operação.
	BasePath string

	// RemoteURL seleciona o transporte remoto. Não suportado por este
	// módulo; um valor não vazio resulta em ErrRemoteUnsupported.
	RemoteURL string

	// PID substitui o pid do próprio processo (usado em testes e por
	// bridges que registram frames em nome de outro processo). 0 usa
	// os.Getpid().
	PID int

	// Callback recebe eventos de nível de ledger. Opcional.
	Callback *LedgerCallback

	// Config ajusta os knobs do protocolo. nil usa os defaults.
	Config *config.LedgerConfig
}

// Ledger é a fábrica de handles de operação de um processo participante.
// Um processo normalmente mantém um único Ledger por basePath.
type Ledger struct {
	participantID string
	pid           int
	cfg           config.LedgerConfig
	store         *store.Store
	cb            LedgerCallback

	mu       sync.RWMutex
	ops      map[string]*Operation
	disposed bool

	sessionSeq atomic.Int64

	logMu sync.Mutex
}

// Connect valida o basePath e retorna um Ledger pronto para criar ou
// entrar em operações. O basePath é criado se não existir; um basePath
// não gravável é um erro fatal.
func Connect(opts Options) (*Ledger, error) {
	if err := opid.ValidateParticipantID(opts.ParticipantID); err != nil {
		return nil, err
	}
	if opts.RemoteURL != "" {
		return nil, ErrRemoteUnsupported
	}
	if opts.BasePath == "" {
		return nil, fmt.Errorf("base path is required")
	}

	cfg := config.Default().Ledger
	if opts.Config != nil {
		cfg = *opts.Config
	}
	cfg.BasePath = opts.BasePath

	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("creating base path %s: %w", cfg.BasePath, err)
	}
	probe, err := os.CreateTemp(cfg.BasePath, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("base path %s is not writable: %w", cfg.BasePath, err)
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	pid := opts.PID
	if pid == 0 {
		pid = os.Getpid()
	}
	var cb LedgerCallback
	if opts.Callback != nil {
		cb = *opts.Callback
	}

	l := &Ledger{
		participantID: opts.ParticipantID,
		pid:           pid,
		cfg:           cfg,
		cb:            cb,
		ops:           make(map[string]*Operation),
	}
	l.store = store.New(cfg.BasePath, cfg.MaxBackups)
	l.store.OnBackupCreated = func(path string) {
		if l.cb.OnBackupCreated != nil {
			l.cb.OnBackupCreated(path)
		}
	}

	registerLedger(l)
	log.Printf("[ledger] Connected: participant=%s pid=%d base=%s", l.participantID, pid, cfg.BasePath)
	return l, nil
}

// ParticipantID retorna a identidade deste participante.
func (l *Ledger) ParticipantID() string { return l.participantID }

// PID retorna o pid registrado nos frames deste participante.
func (l *Ledger) PID() int { return l.pid }

// BasePath retorna o diretório compartilhado do ledger.
func (l *Ledger) BasePath() string { return l.cfg.BasePath }

// CreateOperation cria uma nova operação com este participante como
// iniciador e retorna o handle com o heartbeat já rodando. O frame raiz do
// iniciador é empilhado com failOnCrash=true.
func (l *Ledger) CreateOperation(ctx context.Context, description string, cb *OperationCallback) (*Operation, error) {
	operationID := opid.NewOperationID()
	callID := opid.NewCallID()
	now := time.Now().UTC()

	err := l.mutate(ctx, operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec != nil {
			return nil, fmt.Errorf("operation %s already exists", operationID)
		}
		rec = record.New(operationID, l.participantID, now)
		rec.PushFrame(record.CallFrame{
			ParticipantID: l.participantID,
			CallID:        callID,
			PID:           l.pid,
			StartTime:     now,
			LastHeartbeat: now,
			State:         record.FrameActive,
			Description:   description,
			FailOnCrash:   true,
		})
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	op := l.newOperation(operationID, callID, now, true, cb)
	metrics.OperationsTotal.WithLabelValues("created").Inc()
	log.Printf("[ledger] Created operation %s (root call %s)", opid.Short(operationID), opid.Short(callID))
	return op, nil
}

// JoinOperation abre uma operação existente e empilha um frame raiz para
// este participante (failOnCrash=true). Só operações ativas aceitam join.
// O participante cujo id bate com o initiatorId do registro entra como
// iniciador, mesmo em um processo novo.
func (l *Ledger) JoinOperation(ctx context.Context, operationID string, cb *OperationCallback) (*Operation, error) {
	if err := opid.ValidateOperationID(operationID); err != nil {
		return nil, err
	}
	callID := opid.NewCallID()
	now := time.Now().UTC()

	initiator := false
	err := l.mutate(ctx, operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		if rec == nil {
			return nil, fmt.Errorf("joining %s: %w", operationID, ErrNotFound)
		}
		if rec.OperationState != record.StateActive {
			return nil, fmt.Errorf("joining %s: operation is %s", operationID, rec.OperationState)
		}
		initiator = rec.InitiatorID == l.participantID
		rec.PushFrame(record.CallFrame{
			ParticipantID: l.participantID,
			CallID:        callID,
			PID:           l.pid,
			StartTime:     now,
			LastHeartbeat: now,
			State:         record.FrameActive,
			Description:   "join:" + l.participantID,
			FailOnCrash:   true,
		})
		return rec, nil
	})
	if err != nil {
		return nil, err
	}

	op := l.newOperation(operationID, callID, now, initiator, cb)
	metrics.OperationsTotal.WithLabelValues("joined").Inc()
	log.Printf("[ledger] Joined operation %s (root call %s)", opid.Short(operationID), opid.Short(callID))
	return op, nil
}

// newOperation registra o handle local e inicia a task de heartbeat.
func (l *Ledger) newOperation(operationID, rootCallID string, start time.Time, initiator bool, cb *OperationCallback) *Operation {
	op := newOperation(l, operationID, rootCallID, start, initiator, cb)

	l.mu.Lock()
	l.ops[operationID] = op
	l.mu.Unlock()
	metrics.OperationsActive.Set(float64(l.operationCount()))

	op.hb.start()
	return op
}

// Operation retorna o handle local de uma operação, se existir.
func (l *Ledger) Operation(operationID string) (*Operation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	op, ok := l.ops[operationID]
	return op, ok
}

// ListOperations lista os ids de todas as operações com registro no
// basePath, incluindo as de outros processos.
func (l *Ledger) ListOperations() ([]string, error) {
	return l.store.ListOperations()
}

// ReadRecord lê o registro de uma operação sob o lock, sem mutá-lo.
func (l *Ledger) ReadRecord(ctx context.Context, operationID string) (*record.OperationRecord, error) {
	var snapshot *record.OperationRecord
	err := l.mutate(ctx, operationID, func(rec *record.OperationRecord) (*record.OperationRecord, error) {
		snapshot = rec
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// forget remove o handle local de uma operação encerrada.
func (l *Ledger) forget(operationID string) {
	l.mu.Lock()
	delete(l.ops, operationID)
	l.mu.Unlock()
	metrics.OperationsActive.Set(float64(l.operationCount()))
}

func (l *Ledger) operationCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.ops)
}

// nextSessionID retorna o próximo id de sessão monotônico deste ledger.
func (l *Ledger) nextSessionID() int64 {
	return l.sessionSeq.Add(1)
}

// lockFor constrói o lock file de uma operação com os knobs configurados.
func (l *Ledger) lockFor(operationID string) *lockfile.LockFile {
	return lockfile.New(l.store.LockPath(operationID), operationID, lockfile.Options{
		Timeout:          l.cfg.LockTimeout,
		RetryInterval:    l.cfg.LockRetryInterval,
		MaxRetryInterval: l.cfg.MaxLockRetryInterval,
	})
}

// mutate executa fn segurando o lock da operação. fn recebe o registro
// atual (nil quando inexistente) e retorna o registro a gravar; retornar
// nil pula a escrita. Todo acesso ao registro fora do heartbeat passa por
// aqui, garantindo a linearização no arquivo.
func (l *Ledger) mutate(ctx context.Context, operationID string, fn func(rec *record.OperationRecord) (*record.OperationRecord, error)) error {
	lk := l.lockFor(operationID)
	if err := lk.Acquire(ctx); err != nil {
		return err
	}
	defer func() {
		if rerr := lk.Release(); rerr != nil {
			log.Printf("[ledger] Failed to release lock for %s: %v", operationID, rerr)
		}
	}()

	rec, err := l.store.Read(operationID)
	if err != nil {
		return err
	}
	out, err := fn(rec)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return l.store.Write(out)
}

// emitLogLine grava uma linha no log sidecar da operação e repassa ao
// callback do ledger.
func (l *Ledger) emitLogLine(operationID, line string) {
	if l.cb.OnLogLine != nil {
		l.cb.OnLogLine(operationID, line)
	}
	l.logMu.Lock()
	defer l.logMu.Unlock()
	f, err := os.OpenFile(l.store.LogPath(operationID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("[ledger] Failed to open sidecar log for %s: %v", operationID, err)
		return
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		log.Printf("[ledger] Failed to append sidecar log for %s: %v", operationID, err)
	}
}

// Dispose para as tasks de heartbeat de todas as operações abertas e
// desregistra o ledger do cleanup handler global. Os frames deste
// participante NÃO são removidos: se o processo continuar vivo sem
// heartbeat, os peers eventualmente os marcarão como crashed.
func (l *Ledger) Dispose() {
	l.mu.Lock()
	if l.disposed {
		l.mu.Unlock()
		return
	}
	l.disposed = true
	ops := make([]*Operation, 0, len(l.ops))
	for _, op := range l.ops {
		ops = append(ops, op)
	}
	l.ops = make(map[string]*Operation)
	l.mu.Unlock()

	for _, op := range ops {
		op.hb.stop()
		op.closeHandle()
	}
	metrics.OperationsActive.Set(0)
	unregisterLedger(l)
	log.Printf("[ledger] Disposed: participant=%s", l.participantID)
}
