package runner

import (
	"bufio"
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/blockci/enginecore/internal/domain"
	"github.com/blockci/enginecore/internal/ports"
)

// maxPersistedLinesPerStep is how many lines of one step's output, stdout
// and stderr together, the run repository's log store retains (memory's
// maxBuffered and sqlite's maxStepLogLines). A runaway step (a build loop
// stuck printing, a verbose test suite) must not let one step's log grow
// without bound, so once the step crosses this many lines the oldest
// persisted line is dropped to make room for the newest — the live tail on
// the event bus still sees every line either way.
const maxPersistedLinesPerStep = 10000

// LogSink hands a step's output to the run repository and the event bus one
// line at a time instead of as a single whole-file blob, masking secret
// values first. Adapted from the teacher's LogStorage
// (internal/storage/logs.go), which wrote one whole-file dump per
// stage/step after the fact; every Environment implementation here still
// collects a step's combined output before Run returns (see host.go,
// container.go), so a watcher's first line shows up once the process has
// already exited, not mid-execution — but persistence is still bounded and
// per-line rather than one unbounded post-hoc write.
type LogSink struct {
	bus      ports.EventBus
	runs     ports.RunRepository
	runID    domain.RunID
	stepID   domain.StepID
	leaseSeq uint64
	mask     MaskSet

	stdoutLine uint32
	stderrLine uint32
}

func NewLogSink(bus ports.EventBus, runs ports.RunRepository, runID domain.RunID, stepID domain.StepID, leaseSeq uint64, mask MaskSet) *LogSink {
	return &LogSink{bus: bus, runs: runs, runID: runID, stepID: stepID, leaseSeq: leaseSeq, mask: mask}
}

func (s *LogSink) Stdout(ctx context.Context) func(line string) {
	return func(line string) { s.emit(ctx, domain.StreamStdout, &s.stdoutLine, line) }
}

func (s *LogSink) Stderr(ctx context.Context) func(line string) {
	return func(line string) { s.emit(ctx, domain.StreamStderr, &s.stderrLine, line) }
}

// TruncatedLines returns how many lines across both streams have aged out
// of durable storage so far — every line past maxPersistedLinesPerStep for
// the step, since the repository drops the oldest persisted line to make
// room for each new one past that bound (repository.Runs.AppendStepLog).
func (s *LogSink) TruncatedLines() uint64 {
	total := uint64(atomic.LoadUint32(&s.stdoutLine)) + uint64(atomic.LoadUint32(&s.stderrLine))
	if total > maxPersistedLinesPerStep {
		return total - maxPersistedLinesPerStep
	}
	return 0
}

func (s *LogSink) emit(ctx context.Context, stream domain.LogStream, counter *uint32, line string) {
	masked := s.mask.Apply(line)
	n := atomic.AddUint32(counter, 1)

	// AppendStepLog bounds its own retention per step (drop-oldest once
	// past maxPersistedLinesPerStep), so the live tail on the bus keeps
	// streaming every line in real time while durable storage stays
	// bounded regardless of how long the step runs.
	_ = s.runs.AppendStepLog(ctx, s.stepID, masked)
	_ = s.bus.Publish(ctx, domain.StepOutputEvent{
		RunID:     s.runID,
		StepID:    s.stepID,
		LeaseSeq:  s.leaseSeq,
		Stream:    stream,
		LineNo:    n,
		Content:   masked,
		Timestamp: time.Now(),
	})
}

// scanLines feeds every newline-delimited line in output to fn, including a
// trailing partial line with no final newline.
func scanLines(output string, fn func(string)) {
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
}
