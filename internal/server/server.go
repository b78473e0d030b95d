package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"phototag/internal/pipeline"
	"phototag/internal/storage"
)

// Server exposes the processing pipeline over HTTP.
type Server struct {
	addr      string
	pipe      *pipeline.Pipeline
	store     *storage.Store
	hub       *Hub
	log       *slog.Logger
	origins   []string
	maxUpload int64
	server    *http.Server
}

// NewServer creates a server for the given pipeline and request store.
func NewServer(addr string, pipe *pipeline.Pipeline, store *storage.Store, origins []string, maxUploadMB int64, log *slog.Logger) *Server {
	if maxUploadMB <= 0 {
		maxUploadMB = 32
	}
	return &Server{
		addr:      addr,
		pipe:      pipe,
		store:     store,
		hub:       NewHub(log),
		log:       log,
		origins:   origins,
		maxUpload: maxUploadMB << 20,
	}
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forwardEvents(ctx)

	r := mux.NewRouter()
	s.setupRoutes(r)

	cors := handlers.CORS(
		handlers.AllowedOrigins(s.origins),
		handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: cors(r),
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/api/process-image", s.handleProcessImage).Methods("POST")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/stream", s.handleEventStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

// forwardEvents relays pipeline outcomes to websocket clients.
func (s *Server) forwardEvents(ctx context.Context) {
	events, unsubscribe := s.pipe.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			s.hub.Broadcast(payload)
		}
	}
}

type filePayload struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
	Mimetype string `json:"mimetype"`
}

type processResponse struct {
	File          filePayload    `json:"file"`
	Metadata      map[string]any `json:"metadata"`
	CleanupFailed bool           `json:"cleanupFailed"`
}

type errorResponse struct {
	Error         string `json:"error"`
	CleanupFailed bool   `json:"cleanupFailed,omitempty"`
}

func (s *Server) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid multipart form"})
		return
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "image file is required"})
		return
	}
	defer file.Close()

	image, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "failed to read image"})
		return
	}

	download, _ := strconv.ParseBool(r.FormValue("download"))
	req := pipeline.Request{
		Image:       image,
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Latitude:    r.FormValue("latitude"),
		Longitude:   r.FormValue("longitude"),
		Tags:        r.FormValue("tags"),
		Comments:    r.FormValue("comments"),
		Format:      r.FormValue("format"),
		Download:    download,
	}

	out, err := s.pipe.Process(r.Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidCoordinates) {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid coordinates"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, errorResponse{
			Error:         err.Error(),
			CleanupFailed: out.CleanupFailed,
		})
		return
	}

	if req.Download {
		w.Header().Set("Content-Type", out.Mimetype)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", out.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
		w.Write(out.Data)
		return
	}

	writeJSON(w, http.StatusOK, processResponse{
		File: filePayload{
			Data:     base64.StdEncoding.EncodeToString(out.Data),
			Filename: out.Filename,
			Mimetype: out.Mimetype,
		},
		Metadata:      out.Metadata,
		CleanupFailed: out.CleanupFailed,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentRequests(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.pipe.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(ev)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
