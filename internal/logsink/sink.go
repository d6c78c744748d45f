// Package logsink ships task output to an append-only log destination, one
// stream per Task Instance under a per-deployment group.
package logsink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/coughsense/coughsense-go/internal/platform/env"
)

const (
	DefaultRetentionDays = 30
	// MaxLineBytes bounds a single event; longer lines are truncated.
	MaxLineBytes = 256 * 1024
)

const (
	KindCloudWatch = "cloudwatch"
	KindSlog       = "slog"
)

type Line struct {
	At      time.Time
	Message string
}

// Sink is append-only: there is no read, query or delete.
type Sink interface {
	EnsureGroup(ctx context.Context, group string, retentionDays int) error
	// Append writes lines in order and reports how many leading lines were
	// stored, also when it fails partway.
	Append(ctx context.Context, group, stream string, lines []Line) (int, error)
}

func GroupName(deployment string) string {
	return "/coughsense/" + strings.TrimSpace(deployment)
}

// ScanLines splits r into timestamped lines. Blank lines are dropped.
func ScanLines(r io.Reader, now func() time.Time) ([]Line, error) {
	if now == nil {
		now = time.Now
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineBytes*4)
	var out []Line
	for sc.Scan() {
		text := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(text) == "" {
			continue
		}
		out = append(out, Line{At: now().UTC(), Message: clampLine(text)})
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("scan log lines: %w", err)
	}
	return out, nil
}

// clampLine makes text valid UTF-8 of at most MaxLineBytes, cutting only on
// a rune boundary.
func clampLine(text string) string {
	text = strings.ToValidUTF8(text, "\uFFFD")
	if len(text) <= MaxLineBytes {
		return text
	}
	cut := MaxLineBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

type Config struct {
	Kind   string
	Region string
	// RetentionDays overrides the deployment's log retention; 0 keeps it.
	RetentionDays int
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Kind:   strings.ToLower(env.String("COUGHSENSE_LOG_SINK", KindSlog)),
		Region: env.String("COUGHSENSE_LOG_REGION", env.String("AWS_REGION", "")),
	}
	var err error
	if cfg.RetentionDays, err = env.Int("COUGHSENSE_LOG_RETENTION_DAYS", 0); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Kind {
	case KindCloudWatch, KindSlog:
	default:
		return fmt.Errorf("COUGHSENSE_LOG_SINK must be %s or %s", KindCloudWatch, KindSlog)
	}
	if c.RetentionDays < 0 {
		return errors.New("COUGHSENSE_LOG_RETENTION_DAYS must not be negative")
	}
	return nil
}

// Retention is the log group retention to apply, given the deployment's.
func (c Config) Retention(deploymentDays int) int {
	if c.RetentionDays > 0 {
		return c.RetentionDays
	}
	if deploymentDays > 0 {
		return deploymentDays
	}
	return DefaultRetentionDays
}
