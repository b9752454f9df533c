package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"
)

// Исходы сценария, которые не являются HTTP-кодами.
const (
	outcomeOK        = "ok"
	outcomeSoldOut   = "sold_out"
	outcomeTransport = "transport_error"
	outcomeSeed      = "cart_seed_failed"
	outcomeToken     = "token_failed"
	outcomeResponse  = "bad_response"
	outcomeCapture   = "capture_failed"

	scenarioKey = "scenario"
)

// Latency — распределение задержек в миллисекундах.
type Latency struct {
	Min  float64 `json:"min"`
	Mean float64 `json:"mean"`
	P50  float64 `json:"p50"`
	P90  float64 `json:"p90"`
	P95  float64 `json:"p95"`
	P99  float64 `json:"p99"`
	Max  float64 `json:"max"`
}

// Endpoint — итог по одному вызову или по сценарию целиком.
type Endpoint struct {
	Calls   int64            `json:"calls"`
	OK      int64            `json:"ok"`
	Failed  int64            `json:"failed"`
	Codes   map[string]int64 `json:"codes"`
	Latency Latency          `json:"latency_ms"`
}

// Summary — отчёт прогона.
type Summary struct {
	StartedAt  time.Time           `json:"started_at"`
	Elapsed    float64             `json:"elapsed_seconds"`
	Scenarios  int64               `json:"scenarios"`
	Created    int64               `json:"orders_created"`
	SoldOut    int64               `json:"sold_out"`
	Failed     int64               `json:"failed"`
	FailRate   float64             `json:"fail_rate"`
	Throughput float64             `json:"scenarios_per_second"`
	Latency    Latency             `json:"scenario_latency_ms"`
	Endpoints  map[string]Endpoint `json:"endpoints"`
}

type series struct {
	ok, failed int64
	codes      map[string]int64
	samples    []time.Duration
}

// tally собирает наблюдения всех воркеров.
type tally struct {
	mu     sync.Mutex
	series map[string]*series
}

func newTally() *tally {
	return &tally{series: make(map[string]*series)}
}

// observe учитывает один вызов; ok — засчитан ли он как успех.
func (t *tally) observe(name string, took time.Duration, code string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.series[name]
	if s == nil {
		s = &series{codes: make(map[string]int64)}
		t.series[name] = s
	}
	if ok {
		s.ok++
	} else {
		s.failed++
	}
	s.codes[code]++
	s.samples = append(s.samples, took)
}

func (t *tally) summary(started time.Time, elapsed time.Duration) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Summary{
		StartedAt: started.UTC(),
		Elapsed:   elapsed.Seconds(),
		Endpoints: make(map[string]Endpoint, len(t.series)),
	}
	for name, s := range t.series {
		out.Endpoints[name] = Endpoint{
			Calls:   s.ok + s.failed,
			OK:      s.ok,
			Failed:  s.failed,
			Codes:   maps.Clone(s.codes),
			Latency: distribution(s.samples),
		}
	}
	if sc, ok := out.Endpoints[scenarioKey]; ok {
		out.Scenarios = sc.Calls
		out.SoldOut = sc.Codes[outcomeSoldOut]
		out.Created = sc.OK - out.SoldOut
		out.Failed = sc.Failed
		out.Latency = sc.Latency
		if sc.Calls > 0 {
			out.FailRate = float64(sc.Failed) / float64(sc.Calls)
		}
	}
	if elapsed > 0 {
		out.Throughput = float64(out.Scenarios) / elapsed.Seconds()
	}
	return out
}

// distribution считает перцентили по ближайшему рангу.
func distribution(samples []time.Duration) Latency {
	if len(samples) == 0 {
		return Latency{}
	}
	sorted := slices.Clone(samples)
	slices.Sort(sorted)

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return Latency{
		Min:  millis(sorted[0]),
		Mean: millis(total / time.Duration(len(sorted))),
		P50:  millis(rank(sorted, 50)),
		P90:  millis(rank(sorted, 90)),
		P95:  millis(rank(sorted, 95)),
		P99:  millis(rank(sorted, 99)),
		Max:  millis(sorted[len(sorted)-1]),
	}
}

func rank(sorted []time.Duration, p int) time.Duration {
	i := (p*len(sorted) + 99) / 100
	return sorted[max(i, 1)-1]
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

// oversold проверяет, что созданных заказов не больше, чем позволял остаток.
func (s Summary) oversold(stock, qty int64) error {
	if stock <= 0 {
		return nil
	}
	if limit := stock / qty; s.Created > limit {
		return fmt.Errorf("oversold: %d orders created, stock allows %d", s.Created, limit)
	}
	return nil
}

func (s Summary) print(w io.Writer, set settings) {
	_, _ = fmt.Fprintf(w, "%s via %s, %s, %d workers\n", set.mode, set.provider, set.plan(), set.workers)
	_, _ = fmt.Fprintf(w, "scenarios=%d created=%d sold_out=%d failed=%d fail_rate=%.4f throughput=%.1f/s\n",
		s.Scenarios, s.Created, s.SoldOut, s.Failed, s.FailRate, s.Throughput)
	writeLatency(w, "scenario", s.Latency)

	for _, name := range slices.Sorted(maps.Keys(s.Endpoints)) {
		if name == scenarioKey {
			continue
		}
		e := s.Endpoints[name]
		codes := make([]string, 0, len(e.Codes))
		for _, code := range slices.Sorted(maps.Keys(e.Codes)) {
			codes = append(codes, fmt.Sprintf("%s=%d", code, e.Codes[code]))
		}
		_, _ = fmt.Fprintf(w, "%s: calls=%d failed=%d [%s]\n", name, e.Calls, e.Failed, strings.Join(codes, " "))
		writeLatency(w, "  latency", e.Latency)
	}
}

func writeLatency(w io.Writer, label string, l Latency) {
	_, _ = fmt.Fprintf(w, "%s ms: min=%.2f p50=%.2f p90=%.2f p95=%.2f p99=%.2f max=%.2f\n",
		label, l.Min, l.P50, l.P90, l.P95, l.P99, l.Max)
}

// save пишет отчёт в файл внутри текущего каталога.
func (s Summary) save(path string) error {
	clean := filepath.Clean(path)
	if !filepath.IsLocal(clean) {
		return fmt.Errorf("report path %q must be a file under the working directory", path)
	}
	raw, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	// #nosec G306 -- отчёт нагрузочного прогона, не секрет.
	return os.WriteFile(clean, append(raw, '\n'), 0o644)
}
