// Command picklight runs the pick-to-light controller: it owns the LED
// strips, talks to the detection device over serial and serves the warehouse
// HTTP API.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/picklight/internal/api"
	"github.com/banshee-data/picklight/internal/config"
	"github.com/banshee-data/picklight/internal/devicelink"
	"github.com/banshee-data/picklight/internal/engine"
	"github.com/banshee-data/picklight/internal/ledstrip"
	"github.com/banshee-data/picklight/internal/notify"
	"github.com/banshee-data/picklight/internal/serialmux"
	"github.com/banshee-data/picklight/internal/store"
	"github.com/banshee-data/picklight/internal/timeutil"
)

var (
	devMode    = flag.Bool("dev", false, "Run in dev mode with a mock serial device and in-memory strips")
	listen     = flag.String("listen", ":8080", "Listen address")
	serialPath = flag.String("port", "/dev/ttyUSB0", "Serial port of the detection device")
	configPath = flag.String("config", "", "Path to the JSON tuning file")
	dbFile     = flag.String("db", "picklight.db", "Path to the pick history database (empty disables persistence)")
	notifyURL  = flag.String("notify-url", "", "URL for block completion notifications (overrides config)")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	var m serialmux.SerialMuxInterface
	if *devMode {
		// Replay a stop frame occasionally so the protocol path stays
		// visibly alive without hardware.
		m = serialmux.NewMockSerialMux([]byte("#STOP#"), 30*time.Second)
	} else {
		var err error
		m, err = serialmux.NewRealSerialMux(*serialPath, cfg.PortOptions())
		if err != nil {
			log.Fatalf("Failed to open serial port %s: %v", *serialPath, err)
		}
	}
	defer m.Close()

	strips := make([]ledstrip.Strip, cfg.GetStripCount())
	for i := range strips {
		// In-memory strips stand in for the WS281x driver; the real
		// hardware binding satisfies the same Strip interface.
		strips[i] = ledstrip.NewMemoryStrip(cfg.GetLEDsPerStrip())
	}
	surface := ledstrip.NewStripSurface(strips, cfg.GetLEDsPerStrip())
	defer surface.Close()

	eng := engine.New(cfg.EngineConfig(), surface, nil, timeutil.RealClock{})
	link := devicelink.New(m, eng)
	eng.SetAnnouncer(link)

	url := cfg.GetNotifyURL()
	if *notifyURL != "" {
		url = *notifyURL
	}
	if url != "" {
		eng.SetCompletionSink(notify.New(url))
	}

	var st *store.Store
	if *dbFile != "" {
		var err error
		st, err = store.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open history database: %v", err)
		}
		defer st.Close()
		if err := st.MigrateUp(); err != nil {
			log.Fatalf("Failed to migrate history database: %v", err)
		}
		eng.SetRecorder(st)
		link.SetRecorder(st)
	}

	var wg sync.WaitGroup
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run the monitor routine to manage IO on the serial port
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && err != context.Canceled {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()

	// consume device frames and drive the engine
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := link.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("device link terminated: %v", err)
		}
		log.Print("device link routine terminated")
	}()

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		handler := api.LoggingMiddleware(api.NewServer(m, eng, st, cfg).ServeMux())
		server := &http.Server{
			Addr:    *listen,
			Handler: handler,
		}

		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()
	eng.TurnOffAll()
	log.Printf("Graceful shutdown complete")
}
