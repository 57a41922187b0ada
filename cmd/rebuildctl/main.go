// Command rebuildctl drives a demo rebuild between two in-memory block
// devices. It exists to exercise the engine end to end without a real nexus
// or bdev layer, the same way the teacher's cmd/ublk-mem drives a real ublk
// device against an in-memory backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nexusrebuild/rebuild"
	"github.com/nexusrebuild/rebuild/internal/device"
	"github.com/nexusrebuild/rebuild/internal/logging"
)

func main() {
	var (
		sizeStr      = flag.String("size", "64M", "Size of each demo disk (e.g., 64M, 1G)")
		blockSize    = flag.Uint("block-size", 512, "Logical block size in bytes")
		segmentTasks = flag.Int("segment-tasks", 16, "Size of the concurrent copy-task pool")
		segmentSize  = flag.Int("segment-size", 128*1024, "Segment size in bytes (power of two, multiple of block-size)")
		verbose      = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	sizeBytes, err := parseSize(*sizeStr)
	if err != nil {
		log.Fatalf("invalid size %q: %v", *sizeStr, err)
	}
	sizeBlocks := uint64(sizeBytes) / uint64(*blockSize)

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	src := device.NewMemory("demo-src", uint32(*blockSize), sizeBlocks)
	dst := device.NewMemory("demo-dst", uint32(*blockSize), sizeBlocks)
	src.Fill(0xAB)
	const srcURI, dstURI = "mem://demo-src", "mem://demo-dst"
	device.Register(srcURI, src)
	device.Register(dstURI, dst)
	defer device.Unregister(srcURI)
	defer device.Unregister(dstURI)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	job, err := rebuild.New(ctx, "demo-nexus", srcURI, dstURI,
		rebuild.Range{Start: 0, End: sizeBlocks},
		rebuild.WithSegmentTasks(*segmentTasks),
		rebuild.WithSegmentSize(*segmentSize),
		rebuild.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to construct rebuild job", "error", err)
		os.Exit(1)
	}

	if err := job.Start(); err != nil {
		logger.Error("failed to start rebuild job", "error", err)
		os.Exit(1)
	}
	fmt.Printf("rebuild %s started: %s -> %s (%s)\n", job.ID(), srcURI, dstURI, *sizeStr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println("received shutdown signal, stopping rebuild")
			_ = job.Stop()
			state, _ := job.AwaitTerminal(context.Background())
			fmt.Printf("rebuild stopped: final state %s\n", state)
			return

		case <-ticker.C:
			stats := job.Stats()
			fmt.Printf("\rprogress %.1f%% (%d/%d blocks, %d active tasks, %.0f B/s)    ",
				stats.Progress, stats.BlocksTransferred+stats.BlocksSkipped, stats.BlocksTotal,
				stats.TasksActive, stats.WindowedThroughputBps)

			if job.State().Terminal() {
				fmt.Println()
				if job.State() == rebuild.Completed {
					fmt.Println("rebuild completed")
				} else {
					fmt.Printf("rebuild ended in state %s: %v\n", job.State(), job.TerminalError())
				}
				return
			}
		}
	}
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
