package process

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/conclave-ai/conclave/internal/config"
	"github.com/conclave-ai/conclave/pkg/models"
)

// Readiness keywords scraped from llama-server stderr, matched
// case-insensitively as substrings.
var readyPatterns = []string{
	"http server listening",
	"server is listening",
	"listening on",
	"server started",
	"ready to receive requests",
}

// Critical patterns abort startup immediately instead of waiting out the
// startup budget.
var criticalPatterns = []string{
	"error loading model",
	"failed to load",
	"cannot open model file",
	"cuda error",
	"cublas error",
	"failed to initialize cuda",
	"out of memory",
}

// verdict classifies one stderr line during startup.
type verdict int

const (
	verdictNone verdict = iota
	verdictReady
	verdictCritical
)

// classifyStartupLine checks a stderr line against the critical patterns
// first, then the readiness patterns.
func classifyStartupLine(line string) verdict {
	lower := strings.ToLower(line)
	for _, p := range criticalPatterns {
		if strings.Contains(lower, p) {
			return verdictCritical
		}
	}
	for _, p := range readyPatterns {
		if strings.Contains(lower, p) {
			return verdictReady
		}
	}
	return verdictNone
}

// classifyLogLevel tags a streamed server log line with a coarse severity.
func classifyLogLevel(line string) models.Severity {
	lower := strings.ToLower(line)
	for _, kw := range []string{"error", "failed", "exception"} {
		if strings.Contains(lower, kw) {
			return models.SeverityError
		}
	}
	for _, kw := range []string{"warn", "warning"} {
		if strings.Contains(lower, kw) {
			return models.SeverityWarning
		}
	}
	return models.SeverityInfo
}

// buildArgs composes the llama-server argv from global runtime settings
// overridden by per-model fields. The server binds to loopback only.
func buildArgs(cfg config.ServersConfig, m *models.DiscoveredModel, port int) []string {
	gpuLayers := cfg.NGPULayers
	if m.Runtime.NGPULayers != 0 {
		gpuLayers = m.Runtime.NGPULayers
	}
	ctxSize := cfg.CtxSize
	if m.Runtime.CtxSize != 0 {
		ctxSize = m.Runtime.CtxSize
	}
	threads := cfg.NThreads
	if m.Runtime.NThreads != 0 {
		threads = m.Runtime.NThreads
	}
	batch := cfg.BatchSize
	if m.Runtime.BatchSize != 0 {
		batch = m.Runtime.BatchSize
	}
	ubatch := cfg.UBatchSize
	if m.Runtime.UBatchSize != 0 {
		ubatch = m.Runtime.UBatchSize
	}

	args := []string{
		"--model", m.FilePath,
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--n-gpu-layers", strconv.Itoa(gpuLayers),
		"--ctx-size", strconv.Itoa(ctxSize),
		"--threads", strconv.Itoa(threads),
		"--batch-size", strconv.Itoa(batch),
		"--ubatch-size", strconv.Itoa(ubatch),
	}
	if cfg.FlashAttention {
		args = append(args, "--flash-attn")
	}
	if cfg.NoMmap {
		args = append(args, "--no-mmap")
	}
	return args
}

// stderrTail keeps the last n lines seen on a server's stderr so startup
// failures can carry useful context.
type stderrTail struct {
	lines []string
	max   int
}

func newStderrTail(max int) *stderrTail {
	return &stderrTail{max: max}
}

func (t *stderrTail) add(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[1:]
	}
}

func (t *stderrTail) String() string {
	return strings.Join(t.lines, "\n")
}

// ErrNoPort is returned when a model without an allocated port is started.
type ErrNoPort struct {
	ModelID string
}

func (e *ErrNoPort) Error() string {
	return fmt.Sprintf("model %s has no allocated port; update the port range or rescan", e.ModelID)
}
