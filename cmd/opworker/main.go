// Package main is the entrypoint for the worker harness: a process that
// joins an existing operation, performs a unit of work under a call frame,
// optionally writes a JSON result file, and detaches. It is the
// counterpart binary driven by ExecFileResultWorker.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joao-brasil/procledger/internal/config"
	"github.com/joao-brasil/procledger/internal/ledger"
)

var (
	basePath      = flag.String("base", "", "Shared ledger base path")
	operationID   = flag.String("op", "", "Operation id to join")
	participantID = flag.String("participant", "", "Participant identity (default opworker-<pid>)")
	resultPath    = flag.String("result", "", "Write a JSON result file at this path on success")
	workFor       = flag.Duration("work", 2*time.Second, "How long the simulated work runs")
	message       = flag.String("message", "done", "Message recorded in the result file")
	failWork      = flag.Bool("fail", false, "Fail the call instead of ending it")
)

type workerResult struct {
	Participant string    `json:"participant"`
	Message     string    `json:"message"`
	FinishedAt  time.Time `json:"finished_at"`
}

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *basePath == "" || *operationID == "" {
		fmt.Fprintln(os.Stderr, "Usage: opworker -base <dir> -op <operation-id> [flags]")
		os.Exit(2)
	}
	participant := *participantID
	if participant == "" {
		participant = fmt.Sprintf("opworker-%d", os.Getpid())
	}

	cfg := config.Default().Ledger
	lg, err := ledger.Connect(ledger.Options{
		ParticipantID: participant,
		BasePath:      *basePath,
		Config:        &cfg,
	})
	if err != nil {
		log.Fatalf("[worker] Failed to connect ledger: %v", err)
	}
	defer lg.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	op, err := lg.JoinOperation(ctx, *operationID, nil)
	cancel()
	if err != nil {
		log.Fatalf("[worker] Failed to join %s: %v", *operationID, err)
	}

	callCtx, callCancel := context.WithTimeout(context.Background(), 10*time.Second)
	call, err := op.StartCall(callCtx, "opworker:"+participant, true, nil)
	callCancel()
	if err != nil {
		log.Fatalf("[worker] Failed to start call: %v", err)
	}
	op.Log(fmt.Sprintf("worker %s started (work=%s)", participant, *workFor), "info")

	// Trabalho simulado disputando com o abort da operação.
	aborted := false
	select {
	case <-time.After(*workFor):
	case <-op.AbortSignal():
		aborted = true
	case <-op.FailingSignal():
		aborted = true
	}

	endCtx, endCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer endCancel()

	switch {
	case aborted:
		log.Printf("[worker] Operation aborted, abandoning work")
		op.Log("worker aborted", "warn")
		_ = call.Fail(endCtx, fmt.Errorf("aborted"))
	case *failWork:
		op.Log("worker failing on request", "error")
		_ = call.Fail(endCtx, fmt.Errorf("requested failure"))
	default:
		if *resultPath != "" {
			res := workerResult{Participant: participant, Message: *message, FinishedAt: time.Now().UTC()}
			data, _ := json.Marshal(res)
			if werr := os.WriteFile(*resultPath, data, 0o644); werr != nil {
				log.Printf("[worker] Failed to write result file: %v", werr)
				_ = call.Fail(endCtx, werr)
				break
			}
		}
		op.Log("worker finished", "info")
		if err := call.End(endCtx, *message); err != nil {
			log.Printf("[worker] End error: %v", err)
		}
	}

	if err := op.Leave(endCtx, false); err != nil {
		log.Printf("[worker] Leave error: %v", err)
	}
	log.Printf("[worker] Done")
}
