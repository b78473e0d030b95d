package exiftool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// Fields carries the metadata to embed into an image. All values come from
// untrusted request input and are passed to exiftool as discrete arguments,
// never through a shell.
type Fields struct {
	Title       string
	Description string
	Comment     string
	Tags        []string
	Latitude    float64
	Longitude   float64
}

// Tool is a resolved exiftool binary.
type Tool struct {
	path string
}

// Status reports availability of an external binary.
type Status struct {
	Available bool
	Version   string
	Path      string
	Error     error
}

// Resolve locates exiftool at the explicit path, or on PATH when the path is
// empty. Resolution happens once at startup so a missing tool fails fast.
func Resolve(path string) (*Tool, error) {
	if path == "" {
		found, err := exec.LookPath("exiftool")
		if err != nil {
			return nil, fmt.Errorf("exiftool not found on PATH: %w", err)
		}
		path = found
	} else if _, err := exec.LookPath(path); err != nil {
		return nil, fmt.Errorf("exiftool not found at %s: %w", path, err)
	}
	return &Tool{path: path}, nil
}

// Path returns the resolved binary path.
func (t *Tool) Path() string { return t.path }

// Probe runs a version check against the resolved binary.
func (t *Tool) Probe(ctx context.Context) Status {
	cmd := exec.CommandContext(ctx, t.path, "-ver")
	output, err := cmd.Output()
	if err != nil {
		return Status{Available: false, Path: t.path, Error: err}
	}
	return Status{Available: true, Version: strings.TrimSpace(string(output)), Path: t.path}
}

// WriteArgs builds the argument vector for the metadata-write invocation.
// Latitude and longitude are decomposed into unsigned magnitude plus
// hemisphere reference because exiftool's GPS fields are not signed floats.
// Zero maps to the north/east reference.
func WriteArgs(f Fields, src, dst string) []string {
	title := f.Title
	if title == "" {
		title = "Untitled"
	}

	args := []string{
		"-overwrite_original",
		"-Title=" + title,
		"-Description=" + f.Description,
	}
	for _, tag := range f.Tags {
		args = append(args, "-Keywords="+tag)
	}
	args = append(args,
		"-Comment="+f.Comment,
		"-GPSLatitude="+formatCoord(f.Latitude),
		"-GPSLatitudeRef="+latitudeRef(f.Latitude),
		"-GPSLongitude="+formatCoord(f.Longitude),
		"-GPSLongitudeRef="+longitudeRef(f.Longitude),
		src,
		"-o", dst,
	)
	return args
}

// Embed writes metadata from src into dst. Failure carries exiftool's
// diagnostic output verbatim.
func (t *Tool) Embed(ctx context.Context, f Fields, src, dst string) error {
	cmd := exec.CommandContext(ctx, t.path, WriteArgs(f, src, dst)...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("exiftool: %s", msg)
		}
		return fmt.Errorf("exiftool: %w", err)
	}
	return nil
}

// ReadMetadata runs exiftool -json against path and returns the single
// record as an opaque key/value map.
func (t *Tool) ReadMetadata(ctx context.Context, path string) (map[string]any, error) {
	cmd := exec.CommandContext(ctx, t.path, "-json", path)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("exiftool: %s", msg)
		}
		return nil, fmt.Errorf("exiftool: %w", err)
	}
	var parsed []map[string]any
	if err := json.Unmarshal(out.Bytes(), &parsed); err != nil {
		return nil, fmt.Errorf("parse exiftool output: %w", err)
	}
	if len(parsed) == 0 {
		return nil, fmt.Errorf("exiftool returned no metadata for %s", path)
	}
	return parsed[0], nil
}

// SplitTags decomposes a comma-separated tag list, trimming whitespace and
// dropping empties while preserving order.
func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var tags []string
	for _, part := range strings.Split(s, ",") {
		if tag := strings.TrimSpace(part); tag != "" {
			tags = append(tags, tag)
		}
	}
	return tags
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
}

func latitudeRef(lat float64) string {
	if lat >= 0 {
		return "N"
	}
	return "S"
}

func longitudeRef(lon float64) string {
	if lon >= 0 {
		return "E"
	}
	return "W"
}
