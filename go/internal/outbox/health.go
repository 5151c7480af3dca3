package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// pendingAlertThreshold flags a backlog without marking the system unhealthy.
const pendingAlertThreshold = 1000

type HealthStatus struct {
	Healthy           bool                    `json:"healthy"`
	DatabaseConnected bool                    `json:"database_connected"`
	TransportOK       bool                    `json:"transport_connected"`
	Modules           map[string]ModuleHealth `json:"modules"`
	Errors            []string                `json:"errors"`
}

type ModuleHealth struct {
	WorkerActive    bool      `json:"worker_active"`
	EventsProcessed uint64    `json:"events_processed"`
	LastEventTime   time.Time `json:"last_event_time"`
	PendingEvents   int       `json:"pending_events"`
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ConnectionState is satisfied by *nats.Conn and *RabbitMQPublisher.
type ConnectionState interface {
	IsConnected() bool
}

type watched struct {
	worker *Worker
	repo   Repository
}

type HealthChecker struct {
	db        Pinger
	transport ConnectionState
	threshold time.Duration // How long a backlog may sit without progress
	clock     clockwork.Clock
	modules   map[string]watched
}

// NewHealthChecker accepts nil db or transport for setups without them.
func NewHealthChecker(db Pinger, transport ConnectionState, threshold time.Duration, clock clockwork.Clock) *HealthChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &HealthChecker{
		db:        db,
		transport: transport,
		threshold: threshold,
		clock:     clock,
		modules:   make(map[string]watched),
	}
}

func (h *HealthChecker) Watch(worker *Worker, repo Repository) {
	h.modules[worker.module] = watched{worker: worker, repo: repo}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:           true,
		DatabaseConnected: true,
		TransportOK:       true,
		Modules:           make(map[string]ModuleHealth, len(h.modules)),
		Errors:            []string{},
	}

	if h.db != nil {
		if err := h.db.PingContext(ctx); err != nil {
			status.DatabaseConnected = false
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
		}
	}

	if h.transport != nil && !h.transport.IsConnected() {
		status.TransportOK = false
		status.Healthy = false
		status.Errors = append(status.Errors, "transport disconnected")
	}

	for name, m := range h.modules {
		mh := ModuleHealth{WorkerActive: m.worker.Running()}
		mh.EventsProcessed, mh.LastEventTime = m.worker.Stats()

		if !mh.WorkerActive {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("%s: outbox worker not active", name))
		}

		if status.DatabaseConnected {
			pending, err := m.repo.CountPending(ctx)
			if err != nil {
				status.Errors = append(status.Errors, fmt.Sprintf("%s: failed to count pending events: %v", name, err))
			} else {
				mh.PendingEvents = pending
				if pending > pendingAlertThreshold {
					status.Errors = append(status.Errors, fmt.Sprintf("%s: high pending event count: %d", name, pending))
				}
			}
		}

		// Only stale if there is a backlog that is not moving.
		if mh.PendingEvents > 0 && !mh.LastEventTime.IsZero() {
			if since := h.clock.Since(mh.LastEventTime); since > h.threshold {
				status.Healthy = false
				status.Errors = append(status.Errors, fmt.Sprintf("%s: no events processed for %s", name, since))
			}
		}

		status.Modules[name] = mh
	}

	return status
}

// HTTP handler helper
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to write health response")
	}
}
