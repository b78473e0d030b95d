package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"phototag/internal/exiftool"
	"phototag/internal/logging"
	"phototag/internal/spool"
	"phototag/internal/storage"
)

// Stage errors. The handler maps these to HTTP status codes.
var (
	ErrInvalidCoordinates = errors.New("Invalid coordinates")
	ErrEncodeFailed       = errors.New("image encode failed")
	ErrEncodeIncomplete   = errors.New("encoded file missing")
	ErrMetadataWrite      = errors.New("metadata write failed")
	ErrMetadataRead       = errors.New("metadata read failed")
)

// Encoder re-encodes raw image bytes into a file in the given format.
type Encoder interface {
	Encode(ctx context.Context, src []byte, format, outPath string) error
}

// MetadataTool embeds and reads back image metadata.
type MetadataTool interface {
	Embed(ctx context.Context, f exiftool.Fields, src, dst string) error
	ReadMetadata(ctx context.Context, path string) (map[string]any, error)
}

// Request carries one decoded upload. Coordinate and format values stay raw
// strings so validation owns the parsing.
type Request struct {
	Image       []byte
	Title       string
	Description string
	Latitude    string
	Longitude   string
	Tags        string
	Comments    string
	Format      string
	Download    bool
}

// Outcome is the processed result. Data holds the final artifact's bytes; the
// artifact itself is already deleted by the time Process returns.
type Outcome struct {
	RequestID     string
	Data          []byte
	Filename      string
	Mimetype      string
	Metadata      map[string]any
	CleanupFailed bool
}

// Event is broadcast to subscribers after every request.
type Event struct {
	RequestID     string `json:"requestId"`
	Status        string `json:"status"`
	Format        string `json:"format"`
	Error         string `json:"error,omitempty"`
	CleanupFailed bool   `json:"cleanupFailed"`
	DurationMS    int64  `json:"durationMs"`
}

// Pipeline drives encode, metadata embedding, read-back and cleanup for each
// request. Requests are isolated purely by artifact path uniqueness; there is
// no shared mutable state beyond the subscriber list.
type Pipeline struct {
	enc     Encoder
	tool    MetadataTool
	spool   *spool.Store
	remover *spool.Remover
	store   *storage.Store
	log     *slog.Logger

	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New wires a Pipeline. store may be nil when request history is disabled.
func New(enc Encoder, tool MetadataTool, sp *spool.Store, remover *spool.Remover, store *storage.Store, log *slog.Logger) *Pipeline {
	return &Pipeline{
		enc:     enc,
		tool:    tool,
		spool:   sp,
		remover: remover,
		store:   store,
		log:     log,
		subs:    make(map[int]chan Event),
	}
}

// Process runs the full pipeline for one request. The returned Outcome is
// always non-nil so CleanupFailed reaches the caller on error paths too.
// Cleanup runs over every computed artifact regardless of which stage failed.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Outcome, error) {
	start := time.Now()
	id := uuid.NewString()
	out := &Outcome{RequestID: id}

	fields, err := validate(req)
	if err != nil {
		// Fail fast: no artifact paths computed, no side effects to undo.
		return out, err
	}

	format := normalizeFormat(req.Format)
	logging.LogRequestStart(p.log, id, format, req.Download)
	_ = p.store.RecordStart(id, format)

	intermediate := p.spool.NewArtifact(spool.RoleIntermediate, format)
	final := p.spool.NewArtifact(spool.RoleFinal, format)

	err = p.run(ctx, req, fields, format, intermediate, final, out)

	// Cleanup is unconditional: whichever stage failed, only already-written
	// artifacts exist and absent paths delete idempotently.
	out.CleanupFailed = !p.remover.RemoveAll(intermediate.Path, final.Path)

	duration := time.Since(start)
	if err != nil {
		logging.LogRequestError(p.log, id, duration, err, out.CleanupFailed)
		_ = p.store.RecordResult(id, "failed", "", err.Error(), out.CleanupFailed)
		p.broadcast(Event{RequestID: id, Status: "failed", Format: format, Error: err.Error(), CleanupFailed: out.CleanupFailed, DurationMS: duration.Milliseconds()})
		return out, err
	}

	logging.LogRequestComplete(p.log, id, duration, out.CleanupFailed)
	_ = p.store.RecordResult(id, "completed", out.Filename, "", out.CleanupFailed)
	_ = p.store.RecordMetadata(id, out.Metadata)
	p.broadcast(Event{RequestID: id, Status: "completed", Format: format, CleanupFailed: out.CleanupFailed, DurationMS: duration.Milliseconds()})
	return out, nil
}

func (p *Pipeline) run(ctx context.Context, req Request, fields exiftool.Fields, format string, intermediate, final spool.Artifact, out *Outcome) error {
	if err := p.enc.Encode(ctx, req.Image, format, intermediate.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}

	// Guard against an encoder that returned before its write was flushed.
	if _, err := os.Stat(intermediate.Path); err != nil {
		return fmt.Errorf("%w: %s", ErrEncodeIncomplete, intermediate.Path)
	}

	if err := p.tool.Embed(ctx, fields, intermediate.Path, final.Path); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataWrite, err)
	}

	if !req.Download {
		meta, err := p.tool.ReadMetadata(ctx, final.Path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMetadataRead, err)
		}
		out.Metadata = meta
	}

	// Only read the final artifact once embedding has unambiguously
	// succeeded; a partial file never reaches the caller.
	data, err := os.ReadFile(final.Path)
	if err != nil {
		return fmt.Errorf("read final artifact: %w", err)
	}
	out.Data = data
	out.Filename = fmt.Sprintf("processed-image-%s.%s", out.RequestID, format)
	out.Mimetype = "image/" + format
	return nil
}

// validate parses and checks coordinates before any filesystem or subprocess
// work, and assembles the metadata fields.
func validate(req Request) (exiftool.Fields, error) {
	lat, latErr := strconv.ParseFloat(req.Latitude, 64)
	lon, lonErr := strconv.ParseFloat(req.Longitude, 64)
	if latErr != nil || lonErr != nil ||
		math.IsNaN(lat) || math.IsNaN(lon) ||
		lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return exiftool.Fields{}, ErrInvalidCoordinates
	}
	return exiftool.Fields{
		Title:       req.Title,
		Description: req.Description,
		Comment:     req.Comments,
		Tags:        exiftool.SplitTags(req.Tags),
		Latitude:    lat,
		Longitude:   lon,
	}, nil
}

func normalizeFormat(format string) string {
	switch format {
	case "png", "webp":
		return format
	default:
		return "jpeg"
	}
}

// Subscribe returns a channel of request events and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
		default:
			p.log.Warn("event channel full", "subscriber", id, "request", ev.RequestID)
		}
	}
}
