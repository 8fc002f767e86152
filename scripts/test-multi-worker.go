package main

import (
	"context"
	"flag"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AltairaLabs/renderfarm/internal/control"
)

// Submits a job to a running coordinator and polls until every frame is
// settled, printing per-worker state along the way.

var (
	adminAddr  = flag.String("addr", "localhost:50050", "Coordinator admin gRPC address")
	scenePath  = flag.String("scene", "", "Scene path on the coordinator (empty uses its default)")
	frameStart = flag.Int("start", 1, "First frame")
	frameEnd   = flag.Int("end", 20, "Last frame")
	format     = flag.String("format", "PNG", "Output format")
	timeout    = flag.Duration("timeout", 10*time.Minute, "Give up after this long")
)

func main() {
	flag.Parse()

	log.Println("Multi-Worker Render Test")
	log.Println("========================")

	conn, err := grpc.NewClient(*adminAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect to coordinator: %v", err)
	}
	defer conn.Close()

	client := control.NewAdminClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	peers, err := client.ListPeers(ctx)
	if err != nil {
		log.Fatalf("ListPeers failed: %v", err)
	}
	log.Printf("Phase 1: %d known workers", len(peers))
	for _, p := range peers {
		log.Printf("  %v", p)
	}

	args := map[string]any{
		"frame_start": *frameStart,
		"frame_end":   *frameEnd,
		"format":      *format,
	}
	if *scenePath != "" {
		args["scene_path"] = *scenePath
	}
	jobID, err := client.StartJob(ctx, args)
	if err != nil {
		log.Fatalf("StartJob failed: %v", err)
	}
	log.Printf("Phase 2: started job %s for frames %d..%d", jobID, *frameStart, *frameEnd)

	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = client.CancelJob(context.Background())
			log.Fatalf("Timed out after %v, job cancelled", time.Since(start))
		case <-ticker.C:
		}

		status, err := client.GetProgress(ctx)
		if err != nil {
			log.Printf("GetProgress failed: %v", err)
			continue
		}

		if last, ok := status["last_job"].(map[string]any); ok && last["job_id"] == jobID {
			log.Printf("Phase 3: job finished in %v: done=%v failed=%v",
				time.Since(start).Round(time.Millisecond), last["frames_done"], last["frames_failed"])
			return
		}

		p, _ := status["progress"].(map[string]any)
		log.Printf("  done=%v failed=%v in_flight=%v pending=%v workers=%v",
			p["frames_done"], p["frames_failed"], p["in_flight"], p["pending"], p["connected_worker_count"])
	}
}
