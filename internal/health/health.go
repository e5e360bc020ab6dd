// Package health fornece health checks para a infraestrutura do ledger.
// Verifica a gravabilidade do basePath e enumera as operações registradas
// nele, expondo um relatório JSON via HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/joao-brasil/procledger/internal/config"
	"github.com/joao-brasil/procledger/internal/store"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// OperationSummary resume uma operação visível no basePath.
type OperationSummary struct {
	OperationID   string `json:"operation_id"`
	State         string `json:"state"`
	Frames        int    `json:"frames"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status        Status             `json:"status"`
	Timestamp     string             `json:"timestamp"`
	ParticipantID string             `json:"participant_id"`
	Components    []ComponentHealth  `json:"components"`
	Operations    []OperationSummary `json:"operations,omitempty"`
}

// Checker realiza health checks contra o basePath do ledger.
type Checker struct {
	cfg           *config.Config
	participantID string
	store         *store.Store
}

// NewChecker cria um novo health checker.
func NewChecker(cfg *config.Config, participantID string) *Checker {
	return &Checker{
		cfg:           cfg,
		participantID: participantID,
		store:         store.New(cfg.Ledger.BasePath, cfg.Ledger.MaxBackups),
	}
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:        StatusHealthy,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		ParticipantID: c.participantID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	// Verificar o basePath.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := c.checkBasePath()
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}()

	// Enumerar as operações registradas.
	wg.Add(1)
	go func() {
		defer wg.Done()
		ch, ops := c.checkOperations()
		mu.Lock()
		components = append(components, ch)
		report.Operations = ops
		mu.Unlock()
	}()

	wg.Wait()

	report.Components = components

	// Se qualquer componente estiver unhealthy, marcar geral como unhealthy.
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

// checkBasePath verifica se o basePath aceita escrita.
func (c *Checker) checkBasePath() ComponentHealth {
	start := time.Now()

	probe, err := os.CreateTemp(c.cfg.Ledger.BasePath, ".health-*")
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Name:    "base_path",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("write probe failed: %v", err),
			Latency: latency.String(),
		}
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	return ComponentHealth{
		Name:    "base_path",
		Status:  StatusHealthy,
		Message: c.cfg.Ledger.BasePath,
		Latency: latency.String(),
	}
}

// checkOperations lê cada registro de operação visível no basePath.
func (c *Checker) checkOperations() (ComponentHealth, []OperationSummary) {
	start := time.Now()

	ids, err := c.store.ListOperations()
	if err != nil {
		return ComponentHealth{
			Name:    "records",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("listing operations failed: %v", err),
			Latency: time.Since(start).String(),
		}, nil
	}

	var summaries []OperationSummary
	corrupt := 0
	for _, id := range ids {
		rec, rerr := c.store.Read(id)
		if rerr != nil || rec == nil {
			corrupt++
			summaries = append(summaries, OperationSummary{OperationID: id, State: "unreadable"})
			continue
		}
		summaries = append(summaries, OperationSummary{
			OperationID:   rec.OperationID,
			State:         string(rec.OperationState),
			Frames:        len(rec.CallFrames),
			LastHeartbeat: rec.LastHeartbeat.Format(time.RFC3339),
		})
	}

	ch := ComponentHealth{
		Name:    "records",
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d operation(s)", len(ids)),
		Latency: time.Since(start).String(),
	}
	if corrupt > 0 {
		ch.Status = StatusUnhealthy
		ch.Message = fmt.Sprintf("%d operation(s), %d unreadable", len(ids), corrupt)
	}
	return ch, summaries
}

// ServeHTTP inicia o servidor HTTP de health check.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if report.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(report)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.cfg.Server.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}
