package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSignalTimeout bounds each signal collection
const DefaultSignalTimeout = 2 * time.Second

// Signal is one hardware or platform attribute that contributes to the
// device fingerprint
type Signal interface {
	Name() string
	Collect(ctx context.Context) (string, error)
}

// FingerprintSource produces the fingerprint presented to the activation
// service
type FingerprintSource interface {
	Generate(ctx context.Context) (*Fingerprint, error)
}

// Fingerprint is a stable device identifier. It is never persisted.
type Fingerprint struct {
	Value    string   `json:"value"`
	Signals  []string `json:"signals,omitempty"`
	Degraded []string `json:"degraded,omitempty"`
}

// Short returns a prefix of the fingerprint suitable for logs
func (f *Fingerprint) Short() string {
	return ShortFingerprint(f.Value)
}

// ShortFingerprint returns the first 8 characters of a fingerprint value
func ShortFingerprint(v string) string {
	if len(v) > 8 {
		return v[:8]
	}
	return v
}

// Generator computes the device fingerprint from a set of signals. Every
// call recomputes; nothing is cached.
type Generator struct {
	signals []Signal
	timeout time.Duration
	logger  *slog.Logger
}

// GeneratorOption configures a Generator
type GeneratorOption func(*Generator)

// WithSignals replaces the default signal set
func WithSignals(signals ...Signal) GeneratorOption {
	return func(g *Generator) {
		g.signals = signals
	}
}

// WithSignalTimeout sets the per-signal collection timeout
func WithSignalTimeout(d time.Duration) GeneratorOption {
	return func(g *Generator) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// NewGenerator creates a generator over the default signals
func NewGenerator(logger *slog.Logger, opts ...GeneratorOption) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Generator{
		signals: DefaultSignals(),
		timeout: DefaultSignalTimeout,
		logger:  logger.With(slog.String("component", "fingerprint")),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate collects all signals concurrently and combines them. A signal
// that fails or comes back empty is replaced by "unknown-<name>"; only
// cancellation of ctx makes Generate fail.
func (g *Generator) Generate(ctx context.Context) (*Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	values := make([]string, len(g.signals))
	failures := make([]error, len(g.signals))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, sig := range g.signals {
		eg.Go(func() error {
			values[i], failures[i] = g.collect(egCtx, sig)
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fp := &Fingerprint{}
	pairs := make([]string, 0, len(g.signals))
	for i, sig := range g.signals {
		name := sig.Name()
		value := values[i]
		if failures[i] != nil {
			value = "unknown-" + name
			fp.Degraded = append(fp.Degraded, name)
			g.logger.WarnContext(ctx, "fingerprint signal unavailable, using fallback",
				slog.String("signal", name),
				slog.String("error", failures[i].Error()),
			)
		}
		fp.Signals = append(fp.Signals, name)
		pairs = append(pairs, name+"="+value)
	}

	fp.Value = Combine(pairs)
	sort.Strings(fp.Signals)
	sort.Strings(fp.Degraded)

	g.logger.DebugContext(ctx, "device fingerprint generated",
		slog.String("fingerprint", fp.Short()),
		slog.Int("signals", len(fp.Signals)),
		slog.Int("degraded", len(fp.Degraded)),
		slog.Duration("duration", time.Since(start)),
	)
	return fp, nil
}

func (g *Generator) collect(ctx context.Context, sig Signal) (string, error) {
	sctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	type result struct {
		value string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := sig.Collect(sctx)
		done <- result{strings.TrimSpace(v), err}
	}()

	select {
	case <-sctx.Done():
		return "", fmt.Errorf("collect %s: %w", sig.Name(), sctx.Err())
	case r := <-done:
		if r.err != nil {
			return "", r.err
		}
		if r.value == "" {
			return "", errors.New("empty value")
		}
		return r.value, nil
	}
}

// Combine hashes name=value pairs into a fingerprint value. Pairs are
// sorted first so signal order never changes the result.
func Combine(pairs []string) string {
	sorted := append([]string(nil), pairs...)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "|")))
	return hex.EncodeToString(sum[:])
}

// Static is a fingerprint source that always returns the same value
type Static string

// Generate returns the static value
func (s Static) Generate(ctx context.Context) (*Fingerprint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Fingerprint{Value: string(s)}, nil
}
