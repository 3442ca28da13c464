package target

import (
	"bufio"
	"context"
	"fmt"
	"labfuzz/internal/request"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ProbeMonitor flags a crash when the target stops accepting connections
// after a test case.
type ProbeMonitor struct {
	target *Target
}

func NewProbeMonitor(t *Target) *ProbeMonitor {
	return &ProbeMonitor{target: t}
}

func (p *ProbeMonitor) Name() string { return "probe" }

func (p *ProbeMonitor) PreSend(ctx context.Context, _ request.TestCase) {}

func (p *ProbeMonitor) PostSend(ctx context.Context, _ request.TestCase) (bool, string) {
	if p.target.Alive(ctx) {
		return false, ""
	}
	return true, fmt.Sprintf("target %s stopped accepting connections", p.target.Info())
}

// SanitizerReport is a sanitizer log file attributed to a test case.
type SanitizerReport struct {
	Path    string
	Summary string // first "ERROR:" or "SUMMARY:" line
}

// SanitizerMonitor consumes paths of new sanitizer reports (ASAN_OPTIONS
// log_path) and attributes any that arrive during a test case to it.
type SanitizerMonitor struct {
	logger  *zap.Logger
	settle  time.Duration
	reports <-chan string

	mu      sync.Mutex
	pending []string
}

// NewSanitizerMonitor starts draining reports. settle is how long PostSend
// waits for the sanitizer to flush its report.
func NewSanitizerMonitor(ctx context.Context, reports <-chan string, settle time.Duration, logger *zap.Logger) *SanitizerMonitor {
	m := &SanitizerMonitor{
		logger:  logger,
		settle:  settle,
		reports: reports,
	}
	go m.drain(ctx)
	return m
}

func (m *SanitizerMonitor) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path, ok := <-m.reports:
			if !ok {
				return
			}
			m.mu.Lock()
			m.pending = append(m.pending, path)
			m.mu.Unlock()
		}
	}
}

func (m *SanitizerMonitor) Name() string { return "sanitizer" }

// PreSend drops reports left over from earlier test cases so they are not
// blamed on this one.
func (m *SanitizerMonitor) PreSend(ctx context.Context, tc request.TestCase) {
	m.mu.Lock()
	stale := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, p := range stale {
		m.logger.Debug("discarding stale sanitizer report", zap.String("report", p))
	}
}

func (m *SanitizerMonitor) PostSend(ctx context.Context, tc request.TestCase) (bool, string) {
	if m.settle > 0 {
		select {
		case <-time.After(m.settle):
		case <-ctx.Done():
		}
	}

	m.mu.Lock()
	found := m.pending
	m.pending = nil
	m.mu.Unlock()
	if len(found) == 0 {
		return false, ""
	}

	reasons := make([]string, 0, len(found))
	for _, path := range found {
		report := ReadSanitizerReport(path)
		m.logger.Warn("sanitizer report attributed to test case",
			zap.Int("test_case", tc.Index),
			zap.String("report", report.Path),
			zap.String("summary", report.Summary))
		reasons = append(reasons, fmt.Sprintf("%s: %s", filepath.Base(report.Path), report.Summary))
	}
	return true, strings.Join(reasons, "; ")
}

// ReadSanitizerReport extracts the headline of a sanitizer report. Unreadable
// files still produce a report with an empty summary.
func ReadSanitizerReport(path string) SanitizerReport {
	report := SanitizerReport{Path: path}
	f, err := os.Open(path)
	if err != nil {
		return report
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "SUMMARY:") {
			report.Summary = line
			return report
		}
		if report.Summary == "" && strings.Contains(line, "ERROR:") {
			report.Summary = line
		}
	}
	return report
}
