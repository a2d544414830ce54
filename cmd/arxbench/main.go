// Command arxbench is a developer benchmark harness: it packs a synthetic
// tree repeatedly across a worker pool and reports throughput,
// optionally checking the result against a saved baseline. It is not the
// archive engine's CLI surface (there isn't one) — it exists to catch
// throughput regressions the way the gateway this engine grew out of used
// its own load-test tool against latency baselines.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/arx/internal/container"
	"github.com/kenneth/arx/internal/metrics"
)

type baseline struct {
	PacksPerSecond float64 `json:"packs_per_second"`
}

func main() {
	var (
		duration     = flag.Duration("duration", 10*time.Second, "benchmark duration")
		workers      = flag.Int("workers", 4, "concurrent pack workers")
		fileCount    = flag.Int("files", 20, "files per synthetic tree")
		fileSize     = flag.Int("file-size", 256*1024, "bytes per synthetic file")
		baselinePath = flag.String("baseline", "", "path to a baseline JSON file to compare against")
		updateBase   = flag.Bool("update-baseline", false, "write the measured rate to -baseline instead of comparing")
		threshold    = flag.Float64("threshold", 10.0, "allowed regression percentage before failing")
		verbose      = flag.Bool("verbose", false, "enable debug logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	root, err := os.MkdirTemp("", "arxbench-*")
	if err != nil {
		logger.Fatalf("tempdir: %v", err)
	}
	defer os.RemoveAll(root)

	if err := generateTree(root, *fileCount, *fileSize); err != nil {
		logger.Fatalf("generate tree: %v", err)
	}

	m := metrics.New()

	var packs int64
	var wg sync.WaitGroup
	stop := make(chan struct{})
	start := time.Now()

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				out := filepath.Join(os.TempDir(), fmt.Sprintf("arxbench-%d-%d.arx", id, time.Now().UnixNano()))
				f, err := os.Create(out)
				if err != nil {
					logger.WithError(err).Error("create output")
					continue
				}
				_, err = container.Write(root, f, container.WriteOptions{Deterministic: true, Logger: logger, Metrics: m})
				f.Close()
				os.Remove(out)
				if err != nil {
					logger.WithError(err).Error("pack failed")
					continue
				}
				atomic.AddInt64(&packs, 1)
			}
		}(i)
	}

	time.Sleep(*duration)
	close(stop)
	wg.Wait()

	elapsed := time.Since(start).Seconds()
	rate := float64(packs) / elapsed
	logger.WithFields(logrus.Fields{"packs": packs, "seconds": elapsed, "packs_per_second": rate}).Info("benchmark complete")

	if *baselinePath == "" {
		return
	}
	if *updateBase {
		b, _ := json.MarshalIndent(baseline{PacksPerSecond: rate}, "", "  ")
		if err := os.WriteFile(*baselinePath, b, 0o644); err != nil {
			logger.Fatalf("write baseline: %v", err)
		}
		return
	}
	raw, err := os.ReadFile(*baselinePath)
	if err != nil {
		logger.Fatalf("read baseline: %v", err)
	}
	var base baseline
	if err := json.Unmarshal(raw, &base); err != nil {
		logger.Fatalf("parse baseline: %v", err)
	}
	regression := (base.PacksPerSecond - rate) / base.PacksPerSecond * 100
	if regression > *threshold {
		logger.Fatalf("regression: %.1f%% slower than baseline (%.2f vs %.2f packs/sec)", regression, rate, base.PacksPerSecond)
	}
}

func generateTree(root string, fileCount, fileSize int) error {
	src := rand.New(rand.NewSource(1))
	for i := 0; i < fileCount; i++ {
		data := make([]byte, fileSize)
		src.Read(data)
		if err := os.WriteFile(filepath.Join(root, fmt.Sprintf("file-%03d.bin", i)), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}
