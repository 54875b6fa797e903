package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for the engine.
const ServiceName = "harborfdx.Engine"

type Status struct {
	OK       bool   `json:"ok"`
	Message  string `json:"message,omitempty"`
	Database bool   `json:"database,omitempty"`
	Engine   bool   `json:"engine,omitempty"`
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runner reports whether the task engine is claiming work.
type Runner interface {
	Running() bool
}

// Check probes db and engine; either may be nil when the deployment has none.
func Check(ctx context.Context, db Pinger, engine Runner) Status {
	st := Status{OK: true, Message: "ok", Database: true, Engine: true}

	if db != nil {
		ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			st.OK = false
			st.Message = "db ping failed"
			st.Database = false
		}
	}
	if engine != nil && !engine.Running() {
		st.OK = false
		st.Engine = false
		if st.Message == "ok" {
			st.Message = "engine not running"
		}
	}
	return st
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(db Pinger, engine Runner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Check(r.Context(), db, engine)
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}

// Watch mirrors Check into srv every interval until ctx ends.
func Watch(ctx context.Context, srv *health.Server, db Pinger, engine Runner, interval time.Duration) {
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if !Check(ctx, db, engine).OK {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		srv.SetServingStatus(ServiceName, status)
		srv.SetServingStatus("", status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			srv.Shutdown()
			return
		case <-ticker.C:
			update()
		}
	}
}
