// Package api exposes the warehouse-facing HTTP surface: pick activation,
// history queries, raw device commands and a live frame tail.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/banshee-data/picklight/internal/config"
	"github.com/banshee-data/picklight/internal/engine"
	"github.com/banshee-data/picklight/internal/serialmux"
	"github.com/banshee-data/picklight/internal/store"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

type Server struct {
	m     serialmux.SerialMuxInterface
	eng   *engine.Engine
	store *store.Store
	cfg   *config.TuningConfig
}

// NewServer builds the HTTP server. store may be nil when history
// persistence is disabled.
func NewServer(m serialmux.SerialMuxInterface, eng *engine.Engine, st *store.Store, cfg *config.TuningConfig) *Server {
	return &Server{m: m, eng: eng, store: st, cfg: cfg}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/pick/leds", s.pickLEDsHandler)
	mux.HandleFunc("/pick/stop", s.stopHandler)
	mux.HandleFunc("/events", s.listEvents)
	mux.HandleFunc("/api/blocks", s.listBlocks)
	mux.HandleFunc("/command", s.sendCommandHandler)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/debug/tail", s.tailFrames)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// pickPayload is the activation contract used by the warehouse system.
// init.shelves carries per-shelf pin offsets; shelves carries the LED
// commands themselves.
type pickPayload struct {
	Data struct {
		Init struct {
			Shelves map[string]struct {
				Controlled json.Number `json:"controlled"`
			} `json:"shelves"`
		} `json:"init"`
		Shelves map[string]struct {
			Leds map[string]ledCommand `json:"leds"`
		} `json:"shelves"`
	} `json:"data"`
}

type ledCommand struct {
	On       bool   `json:"on"`
	Blinking bool   `json:"blinking"`
	Color    string `json:"color,omitempty"`
}

// pickLEDsHandler applies one activation payload: lit LEDs become a single
// pick or a block depending on how many there are, blinking LEDs join the
// timeout-blink set, dark LEDs are turned off.
func (s *Server) pickLEDsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var payload pickPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON payload: %v", err))
		return
	}

	offsets := make(map[string]int)
	for shelf, init := range payload.Data.Init.Shelves {
		if v, err := init.Controlled.Int64(); err == nil {
			offsets[shelf] = int(v)
		}
	}

	s.echoCommand("Start")

	var (
		onEntries []engine.SequenceEntry
		blinking  []int
	)
	for _, shelf := range sortedKeys(payload.Data.Shelves) {
		leds := payload.Data.Shelves[shelf].Leds
		for _, ledID := range sortedLEDKeys(leds) {
			cmd := leds[strconv.Itoa(ledID)]
			pin := ledID + offsets[shelf]
			s.echoCommand(fmt.Sprintf("LED %d", pin))

			switch {
			case cmd.On && cmd.Blinking:
				blinking = append(blinking, pin)
			case cmd.On:
				onEntries = append(onEntries, engine.SequenceEntry{ShelfID: shelf, LedID: ledID})
			default:
				s.eng.TurnOffPin(pin)
			}
		}
	}

	if len(blinking) > 0 {
		s.eng.SetActiveLEDs(blinking)
	}

	response := map[string]any{"status": "ok"}
	switch {
	case len(onEntries) == 1:
		s.eng.SetSingleMode(onEntries[0].LedID + offsets[onEntries[0].ShelfID])
		response["mode"] = "single"
	case len(onEntries) > 1:
		id, err := s.eng.StartBlock(onEntries, offsets)
		if err != nil {
			s.echoCommand("Stop")
			if errors.Is(err, engine.ErrBlockActive) {
				s.writeJSONError(w, http.StatusConflict, err.Error())
			} else {
				s.writeJSONError(w, http.StatusBadRequest, err.Error())
			}
			return
		}
		response["mode"] = "block"
		response["block_id"] = id
	}

	s.echoCommand("Stop")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.eng.StopBlinking()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "stopped"})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "history persistence is disabled")
		return
	}

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 {
			s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = parsed
	}

	dets, err := s.store.RecentDetections(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type eventAPI struct {
		Pin       int       `json:"pin"`
		Correct   bool      `json:"correct"`
		Timestamp time.Time `json:"timestamp"`
	}
	out := make([]eventAPI, 0, len(dets))
	for _, d := range dets {
		out = append(out, eventAPI{Pin: d.Pin, Correct: d.Correct, Timestamp: d.Timestamp})
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) listBlocks(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "history persistence is disabled")
		return
	}

	blocks, err := s.store.Blocks(100)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type blockAPI struct {
		ID          string     `json:"id"`
		Pins        []int      `json:"pins"`
		Source      string     `json:"source"`
		StartedAt   time.Time  `json:"started_at"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
	}
	out := make([]blockAPI, 0, len(blocks))
	for _, b := range blocks {
		out = append(out, blockAPI{
			ID:          b.ID,
			Pins:        b.Pins,
			Source:      b.Source,
			StartedAt:   b.StartedAt,
			CompletedAt: b.CompletedAt,
		})
	}
	json.NewEncoder(w).Encode(out)
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}

	if err := s.m.SendCommand(command); err != nil {
		http.Error(w, "Failed to send command", http.StatusInternalServerError)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	confirmed, total, active := s.eng.BlockProgress()
	out := map[string]any{
		"mode":   s.eng.Mode().String(),
		"tuning": s.cfg,
	}
	if active {
		out["block"] = map[string]any{
			"id":        s.eng.CurrentBlockID(),
			"confirmed": confirmed,
			"total":     total,
			"pins":      s.eng.ActiveBlockPins(),
		}
	}
	json.NewEncoder(w).Encode(out)
}

// tailFrames streams frame payloads from the serial port as server-sent
// events until the client goes away.
func (s *Server) tailFrames(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	id, ch := s.m.Subscribe()
	defer s.m.Unsubscribe(id)

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// echoCommand writes a legacy control line to the device, best-effort.
func (s *Server) echoCommand(cmd string) {
	if s.m == nil {
		return
	}
	if err := s.m.SendCommand(cmd); err != nil {
		log.Printf("api: send %q: %v", cmd, err)
	}
}

func sortedKeys(m map[string]struct {
	Leds map[string]ledCommand `json:"leds"`
}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// sortedLEDKeys returns the numeric LED IDs in ascending order, skipping
// anything unparseable.
func sortedLEDKeys(leds map[string]ledCommand) []int {
	ids := make([]int, 0, len(leds))
	for k := range leds {
		id, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
