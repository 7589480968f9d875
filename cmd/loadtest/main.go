// Command loadtest is a sustained-connection stress client for the
// gateway's local subscription endpoint, grounded on
// adred-codev-ws_poc/loadtest/main.go: ramp a target connection count up
// over time, hold it, and report throughput/error counters on an
// interval.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type config struct {
	wsURL             string
	targetConnections int
	rampPerSecond     int
	sustainSeconds    int
	reportSeconds     int
	exchange          string
	contractType      string
	symbols           []string
}

func parseFlags() config {
	wsURL := flag.String("url", "ws://127.0.0.1:8080/", "gateway subscription endpoint URL")
	target := flag.Int("connections", 50, "target number of concurrent subscriber connections")
	ramp := flag.Int("ramp", 10, "connections to open per second while ramping up")
	sustain := flag.Int("sustain", 30, "seconds to hold the target connection count")
	report := flag.Int("report", 5, "seconds between progress reports")
	exchange := flag.String("exchange", "binance", "exchange name sent in the subscribe envelope")
	contractType := flag.String("contract-type", "spot", "contract type sent in the subscribe envelope")
	symbols := flag.String("symbols", "BTCUSDT,ETHUSDT", "comma-separated symbol list")
	flag.Parse()

	return config{
		wsURL:             *wsURL,
		targetConnections: *target,
		rampPerSecond:     *ramp,
		sustainSeconds:    *sustain,
		reportSeconds:     *report,
		exchange:          *exchange,
		contractType:      *contractType,
		symbols:           strings.Split(*symbols, ","),
	}
}

type counters struct {
	activeConnections int64
	totalCreated      int64
	failedConnections int64
	eventsReceived    int64
	errorsReceived    int64
}

func main() {
	cfg := parseFlags()
	if _, err := url.Parse(cfg.wsURL); err != nil {
		log.Fatalf("invalid -url: %v", err)
	}

	var c counters
	var wg sync.WaitGroup

	log.Printf("load test: target=%d ramp=%d/s sustain=%ds url=%s", cfg.targetConnections, cfg.rampPerSecond, cfg.sustainSeconds, cfg.wsURL)

	stopReport := make(chan struct{})
	go reportLoop(&c, cfg.reportSeconds, stopReport)

	ticker := time.NewTicker(time.Second / time.Duration(max(cfg.rampPerSecond, 1)))
	defer ticker.Stop()

	for i := 0; i < cfg.targetConnections; i++ {
		<-ticker.C
		wg.Add(1)
		go runConnection(cfg, &c, &wg)
	}

	time.Sleep(time.Duration(cfg.sustainSeconds) * time.Second)
	close(stopReport)

	log.Printf("done: created=%d failed=%d events=%d errors=%d",
		atomic.LoadInt64(&c.totalCreated), atomic.LoadInt64(&c.failedConnections),
		atomic.LoadInt64(&c.eventsReceived), atomic.LoadInt64(&c.errorsReceived))
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func runConnection(cfg config, c *counters, wg *sync.WaitGroup) {
	defer wg.Done()

	conn, _, err := websocket.DefaultDialer.Dial(cfg.wsURL, nil)
	if err != nil {
		atomic.AddInt64(&c.failedConnections, 1)
		return
	}
	defer conn.Close()

	atomic.AddInt64(&c.totalCreated, 1)
	atomic.AddInt64(&c.activeConnections, 1)
	defer atomic.AddInt64(&c.activeConnections, -1)

	envelope := map[string]interface{}{
		"exchange":      cfg.exchange,
		"contract_type": cfg.contractType,
		"symbols":       cfg.symbols,
	}
	data, _ := json.Marshal(envelope)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		atomic.AddInt64(&c.failedConnections, 1)
		return
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var envType struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(msg, &envType) == nil && envType.Type == "error" {
			atomic.AddInt64(&c.errorsReceived, 1)
			continue
		}
		atomic.AddInt64(&c.eventsReceived, 1)
	}
}

func reportLoop(c *counters, everySeconds int, stop <-chan struct{}) {
	ticker := time.NewTicker(time.Duration(everySeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			fmt.Printf("active=%d created=%d failed=%d events=%d errors=%d\n",
				atomic.LoadInt64(&c.activeConnections), atomic.LoadInt64(&c.totalCreated),
				atomic.LoadInt64(&c.failedConnections), atomic.LoadInt64(&c.eventsReceived),
				atomic.LoadInt64(&c.errorsReceived))
		}
	}
}
