// Command trackerbridge fuses motion-controller IMU samples into orientation
// and streams them to a tracking server over UDP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/trackerbridge/internal/bridge"
	"github.com/banshee-data/trackerbridge/internal/config"
	"github.com/banshee-data/trackerbridge/internal/device"
	"github.com/banshee-data/trackerbridge/internal/eventlog"
	"github.com/banshee-data/trackerbridge/internal/monitoring"
	"github.com/banshee-data/trackerbridge/internal/network"
	"github.com/banshee-data/trackerbridge/internal/source"
	"github.com/banshee-data/trackerbridge/internal/status"
	"github.com/banshee-data/trackerbridge/internal/timeutil"
	"github.com/banshee-data/trackerbridge/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Path to the bridge configuration JSON")
	server      = flag.String("server", "", "Tracking server host:port (overrides the config file)")
	localPort   = flag.Int("local-port", -1, "Local UDP port to bind (overrides the config file)")
	capturePath = flag.String("capture", "", "Write every datagram to this pcap file")
	eventsDB    = flag.String("events-db", "", "SQLite file for the lifecycle event log (disabled when empty)")
	listen      = flag.String("listen", "", "HTTP listen address for /status, /events and the /ws status stream")
	grpcHealth  = flag.String("grpc-health", "", "Listen address for the gRPC health service")
	mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL for status reports, e.g. tcp://localhost:1883")
	mqttTopic   = flag.String("mqtt-topic", status.DefaultTopic, "MQTT topic for status reports")
	listPorts   = flag.Bool("list-ports", false, "List serial ports and exit")
	showVersion = flag.Bool("version", false, "Print the version and exit")

	devices deviceFlags
)

func init() {
	flag.Var(&devices, "device", "Device to bridge, repeatable: kind=K,serial=S,source=serial:PATH|replay:FILE|synthetic[,baud=N][,realtime=true][,spin=DEG][,rate=HZ]")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("trackerbridge %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	if *listPorts {
		ports, err := source.Ports()
		if err != nil {
			log.Fatalf("Failed to list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}
	if len(devices) == 0 {
		log.Fatalf("At least one -device is required (kinds: %v)", device.KindNames())
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyOverrides(cfg)

	if err := run(cfg); err != nil {
		log.Fatalf("trackerbridge: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig reads the config file. A missing file at the default path
// falls back to the built-in defaults.
func loadConfig(path string) (*config.BridgeConfig, error) {
	cfg, err := config.LoadBridgeConfig(path)
	if err == nil {
		return cfg, nil
	}
	if path == config.DefaultConfigPath && errors.Is(err, os.ErrNotExist) {
		log.Printf("No config at %s, using defaults", path)
		return config.EmptyBridgeConfig(), nil
	}
	return nil, err
}

func applyOverrides(cfg *config.BridgeConfig) {
	if *server != "" {
		cfg.ServerAddress = server
	}
	if *localPort >= 0 {
		cfg.LocalPort = localPort
	}
}

func run(cfg *config.BridgeConfig) error {
	clock := timeutil.RealClock{}
	counters := &monitoring.Counters{}

	udp, err := network.NewUDPTransport(network.UDPConfig{
		ServerAddress: cfg.GetServerAddress(),
		LocalPort:     cfg.GetLocalPort(),
		Stats:         counters,
	})
	if err != nil {
		return err
	}
	log.Printf("Bridging to %s from %s", udp.ServerAddr(), udp.LocalAddr())

	var transport network.Transport = udp
	if *capturePath != "" {
		f, err := os.Create(filepath.Clean(*capturePath))
		if err != nil {
			udp.Close()
			return fmt.Errorf("failed to create capture file: %w", err)
		}
		local, _ := udp.LocalAddr().(*net.UDPAddr)
		ct, err := network.NewCaptureTransport(udp, f, local, udp.ServerAddr(), clock)
		if err != nil {
			f.Close()
			udp.Close()
			return err
		}
		log.Printf("Capturing datagrams to %s", *capturePath)
		transport = ct
	}

	manager := bridge.NewManager(bridge.ConfigFromBridge(cfg), transport, clock, counters)

	var store *eventlog.Store
	if *eventsDB != "" {
		store, err = eventlog.Open(*eventsDB)
		if err != nil {
			transport.Close()
			return err
		}
		defer store.Close()
		writer := eventlog.NewWriter(store, 0)
		defer func() {
			writer.Close()
			if n := writer.Dropped(); n > 0 {
				log.Printf("Event log dropped %d events", n)
			}
		}()
		manager.SetEventSink(writer)
		log.Printf("Recording events to %s (run %s)", *eventsDB, store.RunID())
	}

	latest := &latestReport{}
	publishers := status.Multi{latest}

	if *mqttBroker != "" {
		mq, err := status.NewMQTTPublisher(status.MQTTConfig{
			Broker:  *mqttBroker,
			Topic:   *mqttTopic,
			Timeout: 2 * time.Second,
		})
		if err != nil {
			transport.Close()
			return err
		}
		defer mq.Close()
		publishers = append(publishers, mq)
	}

	if *grpcHealth != "" {
		h := status.NewHealth()
		if err := h.Start(*grpcHealth); err != nil {
			transport.Close()
			return err
		}
		defer h.Stop()
		publishers = append(publishers, h)
	}

	hub := status.NewHub()
	defer hub.Close()
	publishers = append(publishers, hub)

	runner := bridge.NewRunner(manager, transport, clock, bridge.RunnerConfig{
		StatusInterval: cfg.GetStatusInterval(),
		Status:         publishers,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := runner.Run(ctx); err != nil {
			log.Printf("Runner stopped: %v", err)
		}
		log.Print("runner routine terminated")
	}()

	for i, d := range devices {
		src, err := d.open(clock)
		if err != nil {
			log.Printf("Skipping device %s: %v", d.Serial, err)
			continue
		}
		if _, err := runner.Attach(ctx, d.identity(i), src); err != nil {
			src.Close()
			log.Printf("Failed to attach device %s: %v", d.Serial, err)
		}
	}

	if *listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", hub)
		mux.Handle("/status", latest)
		mux.HandleFunc("/events", eventsHandler(store))

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, *listen, mux)
		}()
	}

	wg.Wait()
	snap := counters.Snapshot()
	log.Printf("Sent %d packets, received %d, %d transport failures", snap.PacketsSent, snap.PacketsReceived, snap.TransportFailures)
	return nil
}

func serveHTTP(ctx context.Context, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	log.Printf("Status HTTP listening on %s", addr)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := srv.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
}

// latestReport keeps the most recent status report for /status.
type latestReport struct {
	mu     sync.Mutex
	report *status.Report
}

func (l *latestReport) Publish(r status.Report) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.report = &r
	return nil
}

func (l *latestReport) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	l.mu.Lock()
	r := l.report
	l.mu.Unlock()
	if r == nil {
		http.Error(w, "no status yet", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, r)
}

func eventsHandler(store *eventlog.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if store == nil {
			http.Error(w, "event log disabled", http.StatusNotFound)
			return
		}
		limit := 100
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}
		events, err := store.Recent(limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, events)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to write response: %v", err)
	}
}
