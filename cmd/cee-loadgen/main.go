// The cee-loadgen command drives the SSE live-resume gates against either
// a synthetic in-process stream (dry mode) or a running instance (full
// mode), and exits non-zero when any production gate is violated.
//
// Configuration comes from PERF_TARGET_URL, PERF_DURATION_SEC,
// PERF_CONCURRENT and PERF_MODE.
package main

import (
	"bufio"
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/olumi/cee/config"
	"github.com/olumi/cee/internal/stream"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	aggregate := stream.NewAggregateGates()
	deadline := time.Now().Add(time.Duration(cfg.Perf.DurationSec) * time.Second)

	var wg sync.WaitGroup
	for i := 0; i < cfg.Perf.Concurrent; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				switch cfg.Perf.Mode {
				case "full":
					runFullCycle(cfg, aggregate, logger)
				default:
					runDryCycle(aggregate)
				}
			}
		}(i)
	}
	wg.Wait()

	violations := aggregate.Check()
	if len(violations) > 0 {
		for _, v := range violations {
			fmt.Fprintf(os.Stderr, "GATE VIOLATION: %s\n", v)
		}
		os.Exit(1)
	}
	fmt.Println("all gates passed")
}

// runDryCycle exercises a synthetic in-process stream: produce events,
// issue a token mid-stream, resume, and count the outcome.
func runDryCycle(aggregate *stream.AggregateGates) {
	registry := stream.NewRegistry(stream.DefaultCapacity, time.Minute)
	defer registry.Close()

	start := time.Now()
	s := registry.Create()
	for i := 0; i < 5; i++ {
		_, _ = s.Append(stream.EventStage, map[string]any{"stage": fmt.Sprintf("STAGE_%d", i)})
	}
	token, err := registry.IssueResumeToken(s)
	if err != nil {
		aggregate.RecordRequest(true)
		return
	}
	for i := 5; i < 8; i++ {
		_, _ = s.Append(stream.EventStage, map[string]any{"stage": fmt.Sprintf("STAGE_%d", i)})
	}
	_, _ = s.Complete(nil)

	resumeStart := time.Now()
	res, err := registry.ResumeLive(token)
	aggregate.RecordResume(err == nil && res != nil && len(res.Replay) > 0, time.Since(resumeStart))
	aggregate.RecordStream(time.Since(start), s.Trims() > 0)
	aggregate.RecordRequest(err != nil)
}

// runFullCycle drives one stream+resume round trip over HTTP.
func runFullCycle(cfg *config.Config, aggregate *stream.AggregateGates, logger *zap.Logger) {
	target := cfg.Perf.TargetURL
	if target == "" {
		logger.Error("PERF_TARGET_URL is required in full mode")
		os.Exit(1)
	}

	client := &http.Client{Timeout: 60 * time.Second}
	body := []byte(`{"brief":"Should we buy a commercial CRM system or build our own?","seed":17}`)

	start := time.Now()
	req, err := http.NewRequest(http.MethodPost, target+"/assist/draft-graph/stream", bytes.NewReader(body))
	if err != nil {
		aggregate.RecordRequest(true)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if key := cfg.Auth.APIKey; key != "" {
		req.Header.Set("X-Olumi-Assist-Key", key)
	}

	resp, err := client.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		aggregate.RecordRequest(true)
		return
	}

	var resumeToken string
	completed := false
	trimmed := false
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "resume_token") {
			if i := strings.Index(line, `"resume_token":"`); i >= 0 {
				rest := line[i+len(`"resume_token":"`):]
				if j := strings.Index(rest, `"`); j >= 0 {
					resumeToken = rest[:j]
				}
			}
		}
		if strings.Contains(line, `"stage":"COMPLETE"`) {
			completed = true
			trimmed = strings.Contains(line, `"trims":0`) == false
			break
		}
	}
	resp.Body.Close()
	aggregate.RecordStream(time.Since(start), trimmed)
	aggregate.RecordRequest(!completed)

	if resumeToken == "" {
		return
	}
	resumeStart := time.Now()
	rreq, err := http.NewRequest(http.MethodPost, target+"/assist/draft-graph/resume?mode=live", nil)
	if err != nil {
		aggregate.RecordResume(false, time.Since(resumeStart))
		return
	}
	rreq.Header.Set("X-Resume-Token", resumeToken)
	rreq.Header.Set("X-Resume-Mode", "live")
	if key := cfg.Auth.APIKey; key != "" {
		rreq.Header.Set("X-Olumi-Assist-Key", key)
	}
	rresp, err := client.Do(rreq)
	if err != nil {
		aggregate.RecordResume(false, time.Since(resumeStart))
		return
	}
	ok := rresp.StatusCode == http.StatusOK
	rresp.Body.Close()
	aggregate.RecordResume(ok, time.Since(resumeStart))
}
