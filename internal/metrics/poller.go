package metrics

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jetvision/agent/internal/config"
	"github.com/jetvision/agent/internal/retry"
)

// Polling modes.
const (
	ModeTegrastats = "tegrastats"
	ModeHost       = "host"
)

const (
	restartBaseDelay = time.Second
	restartMaxDelay  = 30 * time.Second
	// A tegrastats process that lived this long resets the restart backoff.
	healthyRun = time.Minute
	// At most one parse failure is logged per window.
	parseLogEvery = 30 * time.Second
)

// Poller keeps Slot up to date, from tegrastats when it is available and
// from the host collectors otherwise. Its lifecycle is independent of any
// dispatch run.
type Poller struct {
	slot     *Slot
	interval time.Duration
	mode     string
	command  string
	host     *HostSampler
	logger   *zap.Logger

	parseFailures atomic.Uint64
	lastParseLog  time.Time
}

// NewPoller creates a poller. command is the resolved tegrastats path and
// selects tegrastats mode when non-empty; host is used otherwise.
func NewPoller(cfg config.MetricsConfig, slot *Slot, command string, host *HostSampler, logger *zap.Logger) (*Poller, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Poller{
		slot:     slot,
		interval: cfg.Interval.Duration,
		command:  command,
		host:     host,
		logger:   logger.Named("metrics"),
	}

	switch {
	case command != "":
		p.mode = ModeTegrastats
	case host != nil:
		p.mode = ModeHost
	default:
		return nil, fmt.Errorf("metrics: neither tegrastats nor host sampler available")
	}
	return p, nil
}

// Mode reports which source the poller reads.
func (p *Poller) Mode() string { return p.mode }

// ParseFailures reports how many tegrastats lines were rejected.
func (p *Poller) ParseFailures() uint64 { return p.parseFailures.Load() }

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("Metrics poller started",
		zap.String("mode", p.mode),
		zap.Duration("interval", p.interval))
	defer p.logger.Info("Metrics poller stopped")

	if p.mode == ModeTegrastats {
		p.runTegrastats(ctx)
		return
	}
	p.runHost(ctx)
}

func (p *Poller) runHost(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.slot.Store(p.host.Sample(ctx))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.slot.Store(p.host.Sample(ctx))
		}
	}
}

// runTegrastats keeps one tegrastats process alive, restarting it with
// backoff whenever it exits.
func (p *Poller) runTegrastats(ctx context.Context) {
	attempt := 0
	for {
		started := time.Now()
		err := p.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}

		if time.Since(started) >= healthyRun {
			attempt = 0
		}
		attempt++
		delay := retry.Backoff(attempt, restartBaseDelay, restartMaxDelay)
		p.logger.Warn("tegrastats exited, restarting",
			zap.Error(err),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) error {
	ms := strconv.FormatInt(p.interval.Milliseconds(), 10)
	cmd := exec.CommandContext(ctx, p.command, "--interval", ms)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", p.command, err)
	}

	n := p.consume(ctx, stdout)
	p.logger.Debug("tegrastats output ended", zap.Int("lines", n))

	if err := cmd.Wait(); err != nil {
		return err
	}
	return io.ErrUnexpectedEOF
}

// consume parses lines from r until it ends or ctx is cancelled and
// returns the number of lines read.
func (p *Poller) consume(ctx context.Context, r io.Reader) int {
	scanner := bufio.NewScanner(r)
	n := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return n
		}
		n++
		p.handleLine(scanner.Text())
	}
	return n
}

// handleLine publishes the parsed line. A line that does not parse leaves
// the previous snapshot in place but is still kept as the raw line.
func (p *Poller) handleLine(line string) {
	p.slot.StoreRaw(line)
	snap, err := ParseTegrastats(line, time.Now())
	if err != nil {
		count := p.parseFailures.Add(1)
		if time.Since(p.lastParseLog) >= parseLogEvery {
			p.lastParseLog = time.Now()
			p.logger.Warn("Skipping tegrastats line",
				zap.Error(err),
				zap.String("line", line),
				zap.Uint64("failures", count))
		}
		return
	}
	p.slot.Store(snap)
}
