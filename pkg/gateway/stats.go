package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"gonum.org/v1/gonum/stat"
)

// histogram buffers samples between reports. Quantiles are computed over the
// samples seen since the last report, then the buffer is reset.
type histogram struct {
	name    string
	samples []float64
}

func newHistogram(name string) *histogram {
	return &histogram{name: name}
}

func (h *histogram) addSample(v float64) {
	h.samples = append(h.samples, v)
}

// report logs count/mean/p50/p99 for the interval and resets the buffer.
func (h *histogram) report(logger *slog.Logger) {
	if len(h.samples) == 0 {
		return
	}
	sort.Float64s(h.samples)
	logger.Info("stat",
		"name", h.name,
		"count", len(h.samples),
		"mean", stat.Mean(h.samples, nil),
		"p50", stat.Quantile(0.5, stat.Empirical, h.samples, nil),
		"p99", stat.Quantile(0.99, stat.Empirical, h.samples, nil),
	)
	h.samples = h.samples[:0]
}

// perFuncStats holds the per-function counters, created lazily on the first
// call for that function.
type perFuncStats struct {
	incomingRequests     uint64
	lastRequestTimestamp int64
	requestInterval      *histogram
	end2endDelay         *histogram
}

func newPerFuncStats(funcID uint16) *perFuncStats {
	return &perFuncStats{
		lastRequestTimestamp: -1,
		requestInterval:      newHistogram(statName("request_interval", funcID)),
		end2endDelay:         newHistogram(statName("end2end_delay", funcID)),
	}
}

func statName(base string, funcID uint16) string {
	return fmt.Sprintf("%s[%d]", base, funcID)
}

// StatsBlock aggregates the global and per-function dispatch counters. Tick
// and sample methods are called at the exact points the dispatcher defines;
// the internal mutex only coexists with the report loop, the dispatcher's
// calls are already serialized by the call table lock.
type StatsBlock struct {
	mu sync.Mutex

	incomingRequests     uint64
	lastRequestTimestamp int64

	requestInterval  *histogram
	instantRPS       *histogram
	inflightRequests *histogram
	runningRequests  *histogram
	queueingDelay    *histogram
	dispatchOverhead *histogram

	perFunc map[uint16]*perFuncStats

	logger *slog.Logger
}

func NewStatsBlock(logger *slog.Logger) *StatsBlock {
	return &StatsBlock{
		lastRequestTimestamp: -1,
		requestInterval:      newHistogram("request_interval"),
		instantRPS:           newHistogram("requests_instant_rps"),
		inflightRequests:     newHistogram("inflight_requests"),
		runningRequests:      newHistogram("running_requests"),
		queueingDelay:        newHistogram("queueing_delay"),
		dispatchOverhead:     newHistogram("dispatch_overhead"),
		perFunc:              make(map[uint16]*perFuncStats),
		logger:               logger.With("component", "stats"),
	}
}

// TickNewCall records the arrival of a call at the given monotonic
// timestamp. Timestamps are bumped to last+1 on clock ties so the
// last-request timestamps stay strictly increasing. inflight is the size of
// pending+running sampled at the same point.
func (s *StatsBlock) TickNewCall(funcID uint16, timestamp int64, inflight int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.incomingRequests++
	current := timestamp
	if current <= s.lastRequestTimestamp {
		current = s.lastRequestTimestamp + 1
	}
	if s.lastRequestTimestamp != -1 {
		interval := current - s.lastRequestTimestamp
		s.instantRPS.addSample(1e6 / float64(interval))
		s.requestInterval.addSample(float64(interval))
	}
	s.lastRequestTimestamp = current
	s.inflightRequests.addSample(float64(inflight))

	s.tickPerFunc(funcID, timestamp)
}

func (s *StatsBlock) tickPerFunc(funcID uint16, timestamp int64) {
	pf, ok := s.perFunc[funcID]
	if !ok {
		pf = newPerFuncStats(funcID)
		s.perFunc[funcID] = pf
	}
	pf.incomingRequests++
	current := timestamp
	if current <= pf.lastRequestTimestamp {
		current = pf.lastRequestTimestamp + 1
	}
	if pf.lastRequestTimestamp != -1 {
		pf.requestInterval.addSample(float64(current - pf.lastRequestTimestamp))
	}
	pf.lastRequestTimestamp = current
}

// SampleRunning records the size of the running set after a call entered it.
func (s *StatsBlock) SampleRunning(running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runningRequests.addSample(float64(running))
}

// SampleQueueingDelay records the time a queued call waited for a node.
func (s *StatsBlock) SampleQueueingDelay(micros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queueingDelay.addSample(float64(micros))
}

// SampleDispatchOverhead records gateway-side overhead for a completed call,
// clamped at zero since processing_time is engine-reported.
func (s *StatsBlock) SampleDispatchOverhead(micros int64) {
	if micros < 0 {
		micros = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatchOverhead.addSample(float64(micros))
}

// SampleEnd2EndDelay records accept-to-complete latency for an async call.
func (s *StatsBlock) SampleEnd2EndDelay(funcID uint16, micros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pf, ok := s.perFunc[funcID]
	if !ok {
		return
	}
	pf.end2endDelay.addSample(float64(micros))
}

// LastRequestTimestamp returns the bumped global arrival timestamp.
func (s *StatsBlock) LastRequestTimestamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRequestTimestamp
}

// FuncLastRequestTimestamp returns the bumped per-function arrival timestamp,
// or -1 if the function has not been called.
func (s *StatsBlock) FuncLastRequestTimestamp(funcID uint16) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	pf, ok := s.perFunc[funcID]
	if !ok {
		return -1
	}
	return pf.lastRequestTimestamp
}

// Run reports all counters on the given interval until ctx is cancelled.
func (s *StatsBlock) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.reportAll()
		}
	}
}

func (s *StatsBlock) reportAll() {
	s.mu.Lock()
	s.logger.Info("stat", "name", "incoming_requests", "count", s.incomingRequests)
	s.requestInterval.report(s.logger)
	s.instantRPS.report(s.logger)
	s.inflightRequests.report(s.logger)
	s.runningRequests.report(s.logger)
	s.queueingDelay.report(s.logger)
	s.dispatchOverhead.report(s.logger)
	for funcID, pf := range s.perFunc {
		s.logger.Info("stat", "name", statName("incoming_requests", funcID), "count", pf.incomingRequests)
		pf.requestInterval.report(s.logger)
		pf.end2endDelay.report(s.logger)
	}
	s.mu.Unlock()

	s.reportSystem()
}

// reportSystem samples gateway process host load alongside the dispatch
// counters.
func (s *StatsBlock) reportSystem() {
	cpuPercent, err1 := cpu.Percent(10*time.Millisecond, false)
	virtualMem, err2 := mem.VirtualMemory()
	if err1 != nil || err2 != nil || len(cpuPercent) == 0 {
		return
	}
	s.logger.Info("system", "cpu_percent", cpuPercent[0], "used_ram_percent", virtualMem.UsedPercent)
}
