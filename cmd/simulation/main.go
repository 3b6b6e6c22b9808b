package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minDeliveries = 20
	maxDeliveries = 200
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	webhookToken  = "demo-token"
	webhookSecret = "demo-secret"
)

var actions = []string{"BUY", "SELL"}

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for a delivery category
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// simulationClient fires webhook deliveries at the intake endpoint and
// tallies how admission classified them.
type simulationClient struct {
	baseURL string
	client  *http.Client

	mu       sync.Mutex
	stats    map[string]*routeStats
	statuses map[int]int
}

func newSimulationClient() *simulationClient {
	return &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"fresh":     {name: "Fresh Delivery"},
			"duplicate": {name: "Duplicate Delivery"},
			"burst":     {name: "Burst Delivery"},
		},
		statuses: make(map[int]int),
	}
}

// deliver sends one webhook payload and records the response class.
func (sc *simulationClient) deliver(category string, payload []byte) (int, error) {
	url := fmt.Sprintf("%s/webhooks/%s", sc.baseURL, webhookToken)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", webhookSecret)

	start := time.Now()
	resp, err := sc.client.Do(req)
	elapsed := time.Since(start)

	sc.mu.Lock()
	defer sc.mu.Unlock()

	stats := sc.stats[category]
	stats.addDuration(elapsed)
	if err != nil {
		stats.failures++
		return 0, err
	}
	defer resp.Body.Close()
	//nolint:errcheck // body drained for connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	sc.statuses[resp.StatusCode]++
	if resp.StatusCode >= 500 {
		stats.failures++
	}
	return resp.StatusCode, nil
}

func freshPayload() []byte {
	payload, _ := json.Marshal(map[string]string{
		"action":    actions[rand.Intn(len(actions))],
		"timestamp": time.Now().Format(time.RFC3339Nano),
		"source":    "simulation",
	})
	return payload
}

func main() {
	total := minDeliveries + rand.Intn(maxDeliveries-minDeliveries+1)
	log.Info().Int("deliveries", total).Int("workers", numWorkers).Msg("starting webhook simulation")

	sc := newSimulationClient()

	jobs := make(chan int, total)
	var wg sync.WaitGroup

	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range jobs {
				payload := freshPayload()

				if _, err := sc.deliver("fresh", payload); err != nil {
					log.Warn().Err(err).Msg("delivery failed")
					continue
				}

				// A third of deliveries are retried byte-identically to
				// exercise the idempotency guard.
				if rand.Intn(3) == 0 {
					if _, err := sc.deliver("duplicate", payload); err != nil {
						log.Warn().Err(err).Msg("duplicate delivery failed")
					}
				}

				// Occasionally fire a burst to trip the sliding window.
				if rand.Intn(10) == 0 {
					for i := 0; i < 15; i++ {
						if _, err := sc.deliver("burst", freshPayload()); err != nil {
							break
						}
					}
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	printSummary(sc)
}

func printSummary(sc *simulationClient) {
	log.Info().Msg("simulation complete")

	for _, key := range []string{"fresh", "duplicate", "burst"} {
		stats := sc.stats[key]
		if stats.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95, p99 := stats.calculate()
		log.Info().
			Str("category", stats.name).
			Int("calls", stats.totalCalls).
			Int("failures", stats.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Dur("p99", p99).
			Msg("route statistics")
	}

	for status, count := range sc.statuses {
		log.Info().Int("status", status).Int("count", count).Msg("response status distribution")
	}
}
