// Package main is the entrypoint for the process ledger CLI.
// It loads configuration, connects a participant to the shared basePath,
// and drives one operation through the requested subcommand.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joao-brasil/procledger/internal/config"
	"github.com/joao-brasil/procledger/internal/health"
	"github.com/joao-brasil/procledger/internal/ledger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	configPath    = flag.String("config", "configs/ledger.yaml", "Path to ledger configuration file")
	basePath      = flag.String("base", "", "Base path override (defaults to the configured one)")
	participantID = flag.String("participant", "opledger-cli", "Participant identity for this process")
	description   = flag.String("desc", "cli operation", "Operation description (create)")
	serve         = flag.Bool("serve", false, "Expose metrics and health endpoints while running")
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: opledger [flags] <command> [args]

Commands:
  create              create an operation and hold it until a signal arrives
  join <op-id>        join an operation and hold it until a signal arrives
  status              list every operation visible in the base path
  abort <op-id>       set the abort flag of an operation
  complete <op-id>    complete an operation (initiator participant only)
  watch <op-id>       print state transitions until the record disappears

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: base=%s heartbeat=%s stale=%s",
		cfg.Ledger.BasePath, cfg.Ledger.HeartbeatInterval, cfg.Ledger.StaleThreshold)

	// ─── Connect Ledger ──────────────────────────────────────────────
	lg, err := ledger.Connect(ledger.Options{
		ParticipantID: *participantID,
		BasePath:      cfg.Ledger.BasePath,
		Config:        &cfg.Ledger,
	})
	if err != nil {
		log.Fatalf("[main] Failed to connect ledger: %v", err)
	}
	defer lg.Dispose()

	// ─── Observability Endpoints ─────────────────────────────────────
	if *serve {
		startServers(cfg)
	}

	switch command {
	case "create":
		runHold(lg, cfg, func(ctx context.Context) (*ledger.Operation, error) {
			return lg.CreateOperation(ctx, *description, nil)
		})
	case "join":
		requireArg(1, "join needs an operation id")
		runHold(lg, cfg, func(ctx context.Context) (*ledger.Operation, error) {
			return lg.JoinOperation(ctx, flag.Arg(1), nil)
		})
	case "status":
		runStatus(lg)
	case "abort":
		requireArg(1, "abort needs an operation id")
		runAbort(lg, flag.Arg(1))
	case "complete":
		requireArg(1, "complete needs an operation id")
		runComplete(lg, flag.Arg(1))
	case "watch":
		requireArg(1, "watch needs an operation id")
		runWatch(lg, cfg, flag.Arg(1))
	default:
		log.Fatalf("[main] Unknown command %q", command)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Sem arquivo de config, -base sozinho é suficiente.
		if errors.Is(err, os.ErrNotExist) || *basePath != "" {
			cfg = config.Default()
			err = nil
		} else {
			return nil, err
		}
	}
	if *basePath != "" {
		cfg.Ledger.BasePath = *basePath
	}
	if cfg.Ledger.BasePath == "" {
		return nil, fmt.Errorf("no base path: set ledger.base_path or pass -base")
	}
	return cfg, nil
}

func requireArg(n int, msg string) {
	if flag.NArg() <= n {
		log.Fatalf("[main] %s", msg)
	}
}

// runHold cria ou entra em uma operação e a mantém viva até um sinal ou
// até a operação terminar.
func runHold(lg *ledger.Ledger, cfg *config.Config, open func(ctx context.Context) (*ledger.Operation, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	op, err := open(ctx)
	cancel()
	if err != nil {
		log.Fatalf("[main] Failed to open operation: %v", err)
	}
	fmt.Println(op.OperationID())
	log.Printf("[main] Holding operation %s (initiator=%v). Waiting for shutdown signal...",
		op.OperationID(), op.IsInitiator())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("[main] Received signal %v, detaching gracefully...", sig)
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if op.IsInitiator() {
			if err := op.Complete(shutCtx); err != nil {
				log.Printf("[main] Complete failed (%v), leaving instead", err)
				if lerr := op.Leave(shutCtx, true); lerr != nil {
					log.Printf("[main] Leave error: %v", lerr)
				}
			}
		} else if err := op.Leave(shutCtx, true); err != nil {
			log.Printf("[main] Leave error: %v", err)
		}
	case <-op.FailureSignal():
		info, _ := op.FailureInfo()
		log.Printf("[main] Operation failed: reason=%q crashed=%v", info.Reason, info.CrashedCallIDs)
		os.Exit(1)
	}
	log.Println("[main] Shutdown complete.")
}

func runStatus(lg *ledger.Ledger) {
	ids, err := lg.ListOperations()
	if err != nil {
		log.Fatalf("[main] Failed to list operations: %v", err)
	}
	if len(ids) == 0 {
		fmt.Println("no operations")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, id := range ids {
		rec, rerr := lg.ReadRecord(ctx, id)
		if rerr != nil || rec == nil {
			fmt.Printf("%s  <unreadable: %v>\n", id, rerr)
			continue
		}
		fmt.Printf("%s  state=%s frames=%d aborted=%v heartbeat=%s\n",
			rec.OperationID, rec.OperationState, len(rec.CallFrames), rec.Aborted,
			rec.LastHeartbeat.Format(time.RFC3339))
	}
}

func runAbort(lg *ledger.Ledger, operationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	op, err := lg.JoinOperation(ctx, operationID, nil)
	if err != nil {
		log.Fatalf("[main] Failed to join %s: %v", operationID, err)
	}
	if err := op.TriggerAbort(ctx); err != nil {
		log.Fatalf("[main] Failed to abort %s: %v", operationID, err)
	}
	if err := op.Leave(ctx, false); err != nil {
		log.Printf("[main] Leave error: %v", err)
	}
	log.Printf("[main] Abort flag set on %s", operationID)
}

// runComplete entra na operação e a conclui. Só funciona quando -participant
// é o iniciador registrado e nenhum outro frame continua vivo no stack.
func runComplete(lg *ledger.Ledger, operationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	op, err := lg.JoinOperation(ctx, operationID, nil)
	if err != nil {
		log.Fatalf("[main] Failed to join %s: %v", operationID, err)
	}
	if err := op.Complete(ctx); err != nil {
		log.Fatalf("[main] Failed to complete %s: %v", operationID, err)
	}
	log.Printf("[main] Operation %s completed", operationID)
}

// runWatch imprime as transições de estado de uma operação sem participar
// dela, até o registro sumir.
func runWatch(lg *ledger.Ledger, cfg *config.Config, operationID string) {
	last := ""
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rec, err := lg.ReadRecord(ctx, operationID)
		cancel()
		if err != nil {
			log.Fatalf("[main] Failed to read %s: %v", operationID, err)
		}
		if rec == nil {
			log.Printf("[main] Record %s is gone", operationID)
			return
		}
		cur := fmt.Sprintf("state=%s frames=%d aborted=%v", rec.OperationState, len(rec.CallFrames), rec.Aborted)
		if cur != last {
			log.Printf("[main] %s %s", operationID, cur)
			last = cur
		}
		time.Sleep(cfg.Ledger.HeartbeatInterval / 2)
	}
}

func startServers(cfg *config.Config) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Server.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	checker := health.NewChecker(cfg, *participantID)
	checker.ServeHTTP(context.Background())

	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		log.Printf("[main]   %s: %s (latency: %s)", comp.Name, comp.Message, comp.Latency)
	}
	if data, err := json.Marshal(report.Operations); err == nil && len(report.Operations) > 0 {
		log.Printf("[main]   operations: %s", data)
	}
}
