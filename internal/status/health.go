package status

import (
	"fmt"
	"net"
	"sync"

	"github.com/banshee-data/trackerbridge/internal/monitoring"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name whose status tracks the server link.
// The empty service name reports the process itself and is always SERVING.
const HealthService = "trackerbridge.Bridge"

// Health exposes the standard gRPC health service. HealthService is SERVING
// while the bridge is connected to the tracking server.
type Health struct {
	server *health.Server

	mu       sync.Mutex
	grpc     *grpc.Server
	listener net.Listener
	wg       sync.WaitGroup
}

// NewHealth creates the health service with the bridge NOT_SERVING.
func NewHealth() *Health {
	h := &Health{server: health.NewServer()}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	h.server.SetServingStatus(HealthService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Publish updates the serving status from r.
func (h *Health) Publish(r Report) error {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if r.Connected {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(HealthService, st)
	return nil
}

// Checker returns the underlying health server.
func (h *Health) Checker() healthpb.HealthServer { return h.server }

// Start listens on addr and serves the health service in the background.
func (h *Health) Start(addr string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.grpc != nil {
		return fmt.Errorf("health server already running")
	}

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = lis
	h.grpc = grpc.NewServer()
	healthpb.RegisterHealthServer(h.grpc, h.server)

	srv := h.grpc
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		monitoring.Logf("gRPC health listening on %s", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			monitoring.Logf("gRPC health server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the listening address, or nil before Start.
func (h *Health) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop marks everything NOT_SERVING and stops the server.
func (h *Health) Stop() {
	h.server.Shutdown()
	h.mu.Lock()
	srv := h.grpc
	h.grpc = nil
	h.mu.Unlock()
	if srv != nil {
		srv.GracefulStop()
	}
	h.wg.Wait()
}
