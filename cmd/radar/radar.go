package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/mmwave.dsp/internal/config"
	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/db"
	"github.com/banshee-data/mmwave.dsp/internal/monitor"
	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
	"github.com/banshee-data/mmwave.dsp/internal/output"
	"github.com/banshee-data/mmwave.dsp/internal/pipeline"
	"github.com/banshee-data/mmwave.dsp/internal/serialmux"
	"github.com/banshee-data/mmwave.dsp/internal/source"
	"github.com/banshee-data/mmwave.dsp/internal/stream"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
	"github.com/banshee-data/mmwave.dsp/internal/version"
)

func main() {
	s, args, err := loadSettings(os.Args[1:])
	if err != nil {
		log.Fatal(err)
	}

	if len(args) > 0 {
		switch args[0] {
		case "migrate":
			err := db.RunMigrateCommand(args[1:], s.DBPath, os.Stdin, os.Stdout)
			if errors.Is(err, db.ErrMigrateUsage) {
				os.Exit(2)
			}
			if err != nil {
				log.Fatalf("migrate: %v", err)
			}
		case "version":
			fmt.Printf("radar %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		default:
			log.Fatalf("unknown command %q (want migrate or version)", args[0])
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, s); err != nil {
		log.Fatal(err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadRadarConfig builds the sensor configuration from the config file and
// the CLI script. The script's sensorStart and sensorStop commands are
// returned for the caller.
func loadRadarConfig(s Settings) (*config.Config, []*config.Command, error) {
	cfg := config.DefaultConfig()
	if s.Config != "" {
		var err error
		if cfg, err = config.LoadConfig(s.Config); err != nil {
			return nil, nil, err
		}
	}
	if s.CLIScript == "" {
		return cfg, nil, cfg.Validate()
	}
	f, err := os.Open(s.CLIScript)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	lifecycle, err := config.ApplyScript(f, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", s.CLIScript, err)
	}
	return cfg, lifecycle, nil
}

// autoStart reports whether the sensor starts without waiting for the
// CLI: a script decides with its last lifecycle command, otherwise the
// sensor starts unless a command UART will configure it.
func autoStart(s Settings, lifecycle []*config.Command) bool {
	if s.CLIScript != "" {
		return len(lifecycle) > 0 && lifecycle[len(lifecycle)-1].Kind == config.CmdSensorStart
	}
	return s.CLIPort == ""
}

var defaultTargets = []source.Target{
	{RangeM: 5, DopplerBin: 2, AzimuthDeg: 10, Amplitude: 1000},
	{RangeM: 8.5, DopplerBin: -3, AzimuthDeg: -25, Amplitude: 600},
}

// buildSource returns the chirp source named by s, or nil for none.
func buildSource(s Settings, p datapath.Profile, clock timeutil.Clock) (source.Source, error) {
	switch s.Source {
	case "", "none":
		return nil, nil
	case "sim":
		targets := s.Sim.Targets
		if len(targets) == 0 {
			targets = defaultTargets
		}
		return source.NewSimulator(p, source.SimulatorConfig{
			Targets:     targets,
			NoiseStd:    s.Sim.NoiseStd,
			Frames:      s.Sim.Frames,
			FramePeriod: s.Sim.Period,
			Seed:        s.Sim.Seed,
			Clock:       clock,
		})
	case "pcap":
		order, err := source.ParseSampleOrder(s.PCAP.Order)
		if err != nil {
			return nil, err
		}
		return source.NewPCAPSource(p, source.PCAPConfig{
			Path:     s.PCAP.File,
			Port:     s.PCAP.Port,
			Order:    order,
			Realtime: s.PCAP.Realtime,
			Clock:    clock,
		})
	default:
		return nil, fmt.Errorf("unknown source %q (want sim, pcap or none)", s.Source)
	}
}

// run wires the daemon and blocks until ctx is done, the source runs dry
// or processing faults.
func run(ctx context.Context, s Settings) error {
	monitoring.SetVerbose(s.Verbose)
	clock := timeutil.RealClock{}

	cfg, lifecycle, err := loadRadarConfig(s)
	if err != nil {
		return fmt.Errorf("failed to load sensor configuration: %w", err)
	}

	mon := monitor.New(clock)
	pubs := []output.Publisher{mon}

	if s.DataPort != "" {
		dp, err := serialmux.OpenDataPort(serialmux.RealSerialPortFactory{}, s.DataPort, serialmux.PortOptions{})
		if err != nil {
			return fmt.Errorf("failed to open data port: %w", err)
		}
		defer dp.Close()
		pubs = append(pubs, dp)
		log.Printf("writing packets to %s at %d baud", s.DataPort, serialmux.DataBaudRate)
	}

	var store *db.DB
	if s.DBPath != "" {
		store, err = db.NewDB(s.DBPath)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer store.Close()

		session, err := store.StartSession(clock, cfg)
		if err != nil {
			return err
		}
		rec := db.NewRecorder(store, session, clock)
		defer func() {
			rec.Close()
			recorded, failed := rec.Counts()
			log.Printf("session %s: %d frames recorded, %d failed", session, recorded, failed)
			if err := store.EndSession(clock, session); err != nil {
				log.Printf("failed to end session: %v", err)
			}
		}()
		pubs = append(pubs, rec)
	}

	if s.GRPC.Listen != "" {
		srv := stream.NewServer(stream.Config{ListenAddr: s.GRPC.Listen, MaxClients: s.GRPC.MaxClients})
		if _, err := srv.Start(); err != nil {
			return err
		}
		defer srv.Stop()
		pubs = append(pubs, srv)
	}

	src, err := buildSource(s, cfg.GetProfile(), clock)
	if err != nil {
		return err
	}
	p, err := pipeline.New(cfg, pipeline.Options{
		Source:     src,
		Publishers: pubs,
		Clock:      clock,
		AutoStart:  autoStart(s, lifecycle),
	})
	if err != nil {
		return fmt.Errorf("failed to build data path: %w", err)
	}
	defer p.Close()

	var cliMux serialmux.SerialMuxInterface
	if s.CLIPort != "" {
		cliMux, err = serialmux.NewRealSerialMux(s.CLIPort, serialmux.PortOptions{})
		if err != nil {
			return fmt.Errorf("failed to open command port: %w", err)
		}
	} else {
		cliMux = serialmux.NewDisabledSerialMux()
	}
	defer cliMux.Close()
	serveCLI := serialmux.Serve(cliMux, serialmux.NewCLI(cfg, p))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return p.Run(gctx)
	})
	g.Go(func() error { return ignoreCanceled(cliMux.Monitor(gctx)) })
	g.Go(func() error { return ignoreCanceled(serveCLI(gctx)) })

	if s.Listen != "" {
		mux := http.NewServeMux()
		cliMux.AttachAdminRoutes(mux)
		p.AttachAdminRoutes(mux)
		mon.AttachAdminRoutes(mux)
		if store != nil {
			store.AttachAdminRoutes(mux)
		}
		g.Go(func() error { return serveHTTP(gctx, s.Listen, mux) })
	}

	err = g.Wait()
	if ps, ok := src.(*source.PCAPSource); ok {
		st := ps.Stats()
		log.Printf("replay: %d frames from %d packets, %d incomplete, %d bytes lost",
			st.Frames, st.Packets, st.Incomplete, st.LostBytes)
	}
	c := p.Task().Counters()
	log.Printf("processed %d frames, %d chirp and %d frame events skipped",
		c.FramesProcessed, c.ChirpIntSkips, c.FrameIntSkips)
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	server := &http.Server{
		Addr:    addr,
		Handler: h,
	}
	errc := make(chan error, 1)
	go func() { errc <- server.ListenAndServe() }()
	log.Printf("debug pages on http://%s/debug/", addr)

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
	return nil
}
