package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/trailhead-robotics/retrace/internal/config"
	"github.com/trailhead-robotics/retrace/internal/graph"
	"github.com/trailhead-robotics/retrace/internal/graph/graphdb"
	"github.com/trailhead-robotics/retrace/internal/se3"
	"github.com/trailhead-robotics/retrace/internal/tactic"
	"github.com/trailhead-robotics/retrace/internal/version"
)

var (
	configPath = flag.String("config", "", "Path to JSON navigation config (built-in defaults when empty)")
	archiveDB  = flag.String("archive", "", "SQLite file for graph persistence (overrides config)")
	frames     = flag.Int("frames", 50, "Frames to simulate per traversal")
	stepM      = flag.Float64("step", 0.2, "Forward motion per frame in metres")
	framerate  = flag.Duration("rate", 20*time.Millisecond, "Frame period")
	repeatPath = flag.Bool("repeat", true, "Repeat the taught path after teaching")
	verbose    = flag.Bool("verbose", false, "Enable diagnostic and trace logging")
	showVer    = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVer {
		fmt.Printf("retrace %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	if *verbose {
		tactic.SetLogWriters(tactic.LogWriters{Ops: os.Stderr, Diag: os.Stderr, Trace: os.Stderr})
	} else {
		tactic.SetLogWriters(tactic.LogWriters{Ops: os.Stderr})
	}

	opts := tactic.TeachRepeatOptions{
		SearchWindow: cfg.GetSearchWindow(),
		CandidateTTL: cfg.GetCandidateTTL(),
	}
	var err error
	if opts.Preprocessing, err = buildModules(cfg.Preprocessing); err != nil {
		log.Fatalf("Failed to build preprocessing modules: %v", err)
	}
	if opts.Odometry, err = buildModules(cfg.Odometry); err != nil {
		log.Fatalf("Failed to build odometry modules: %v", err)
	}
	if opts.VertexTest, err = buildModules(cfg.VertexTest); err != nil {
		log.Fatalf("Failed to build vertex test modules: %v", err)
	}
	if opts.Localization, err = buildModules(cfg.Localization); err != nil {
		log.Fatalf("Failed to build localization modules: %v", err)
	}

	archivePath := cfg.GetArchivePath()
	if *archiveDB != "" {
		archivePath = *archiveDB
	}
	if archivePath != "" {
		arch, err := graphdb.Open(archivePath)
		if err != nil {
			log.Fatalf("Failed to open graph archive: %v", err)
		}
		defer arch.Close()
		opts.Archive = arch
	}

	g := graph.New()
	pipeline := tactic.NewTeachRepeat(g, opts)
	tac := tactic.New(g, pipeline, tactic.Options{
		BufferSize: cfg.GetBufferSize(),
		Workers:    cfg.GetWorkers(),
		QueueSize:  cfg.GetTaskQueueSize(),
	})
	defer tac.Join()

	tac.SetStatusCallback(func(s tactic.Status) {
		if s.Mode == tactic.ModeRepeat {
			log.Printf("status: mode=%s frame=%d keyframes=%d trunk=%d localized=%v",
				s.Mode, s.Seq, s.KeyframeCount, s.TrunkSeqID, s.Localized)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := pipeline.StartTeach(ctx)
	if err != nil {
		log.Fatalf("Failed to start teaching: %v", err)
	}
	log.Printf("Teaching run %d: %d frames at %.2f m/frame", run, *frames, *stepM)
	if err := simulateTraversal(ctx, tac); err != nil {
		log.Fatalf("Teach traversal aborted: %v", err)
	}

	guard, err := tac.LockPipeline(ctx)
	if err != nil {
		log.Fatalf("Failed to drain pipeline: %v", err)
	}
	guard.Unlock()
	log.Printf("Taught %d keyframes over %d vertices", pipeline.Status().KeyframeCount, g.NumVertices())

	if !*repeatPath {
		return
	}

	ids, err := g.RunVertices(run)
	if err != nil {
		log.Fatalf("Failed to read taught path: %v", err)
	}
	if len(ids) == 0 {
		log.Fatal("Teach produced no keyframes; nothing to repeat")
	}

	repeatRun, err := pipeline.FollowPath(ctx, ids)
	if err != nil {
		log.Fatalf("Failed to start repeating: %v", err)
	}
	log.Printf("Repeating %.2f m path as run %d", pipeline.Chain().Length(), repeatRun)
	if err := simulateTraversal(ctx, tac); err != nil {
		log.Fatalf("Repeat traversal aborted: %v", err)
	}

	if err := pipeline.Halt(ctx); err != nil {
		log.Fatalf("Failed to halt pipeline: %v", err)
	}

	st := pipeline.Status()
	fmt.Printf("repeat finished: trunk=%d/%d localized=%v complete=%v error=%.3f m\n",
		st.TrunkSeqID, len(ids)-1, st.Localized, st.PathComplete,
		pipeline.Chain().TLeafTrunk().TranslationNorm())
}

// simulateTraversal drives synthetic scans through the pipeline at the
// configured rate until the frame budget or the signal context ends it.
func simulateTraversal(ctx context.Context, tac *tactic.Tactic) error {
	ticker := time.NewTicker(*framerate)
	defer ticker.Stop()
	for i := 0; i < *frames; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		scan := &tactic.Scan{
			Stamp:  time.Now(),
			Points: syntheticRing(64, float64(i)),
			Motion: se3.FromTranslation(r3.Vec{X: *stepM}),
		}
		if err := tac.Input(ctx, scan); err != nil {
			return err
		}
	}
	return nil
}

// syntheticRing fakes a planar range sensor: a ring of points around the
// robot with a phase-shifted ripple so consecutive scans differ.
func syntheticRing(n int, phase float64) []r3.Vec {
	pts := make([]r3.Vec, n)
	for i := range pts {
		theta := 2 * math.Pi * float64(i) / float64(n)
		r := 5.0 + 0.3*math.Sin(3*theta+phase*0.1)
		pts[i] = r3.Vec{X: r * math.Cos(theta), Y: r * math.Sin(theta)}
	}
	return pts
}

func buildModules(specs []config.ModuleSpec) ([]tactic.Module, error) {
	var out []tactic.Module
	for _, spec := range specs {
		m, err := tactic.NewModule(spec.Type, spec.Config)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
