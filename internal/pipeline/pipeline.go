package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/tsweb"

	"github.com/banshee-data/mmwave.dsp/internal/config"
	"github.com/banshee-data/mmwave.dsp/internal/datapath"
	"github.com/banshee-data/mmwave.dsp/internal/httputil"
	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
	"github.com/banshee-data/mmwave.dsp/internal/output"
	"github.com/banshee-data/mmwave.dsp/internal/source"
	"github.com/banshee-data/mmwave.dsp/internal/timeutil"
)

// DefaultHistoryLen is the number of frame processing times kept for the
// status page.
const DefaultHistoryLen = 256

// lifecycleTimeout bounds how long SensorStart waits for queued events to
// drain.
const lifecycleTimeout = 5 * time.Second

// Options wires a Pipeline.
type Options struct {
	// Source feeds chirps. Nil leaves the task waiting for events from
	// elsewhere.
	Source source.Source
	// Publishers receive every published packet.
	Publishers []output.Publisher
	// Clock defaults to the real clock.
	Clock timeutil.Clock
	// HistoryLen defaults to DefaultHistoryLen.
	HistoryLen int
	// AutoStart starts the sensor when Run begins instead of waiting for
	// a sensorStart command.
	AutoStart bool
	// OnFault is called once when processing stops with a fault.
	OnFault func(f *datapath.Fault)
}

// Pipeline runs one data path task.
type Pipeline struct {
	opts Options
	task *datapath.Task
	asm  *output.Assembler
	gate *output.LoggingGate

	mu  sync.Mutex // serialises the sensor lifecycle
	cfg *config.Config
}

// New builds the data path described by cfg. The sensor starts stopped.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	st, err := datapath.New(cfg.DataPath())
	if err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.HistoryLen <= 0 {
		opts.HistoryLen = DefaultHistoryLen
	}

	p := &Pipeline{opts: opts, cfg: cfg.Clone()}
	p.asm = output.NewAssembler(cfg.GetMonitorSelection())
	p.asm.MaxPacketLen = cfg.GetMaxPacketLen()
	p.gate = output.NewLoggingGate(p.asm, output.Multi(opts.Publishers...))
	p.task = datapath.NewTask(st, p.gate,
		datapath.WithClock(opts.Clock),
		datapath.WithFaultHandler(p),
		datapath.WithHistory(opts.HistoryLen),
	)

	g := st.Geometry()
	monitoring.Logf("[pipeline] %d range x %d doppler bins, %d virtual antennas, %s",
		g.NumRangeBins, g.NumDopplerBins, g.NumVirtualAntennas(), p.asm.Selection())
	return p, nil
}

// Task returns the processing task.
func (p *Pipeline) Task() *datapath.Task { return p.task }

// Config returns a copy of the applied configuration.
func (p *Pipeline) Config() *config.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.Clone()
}

// HandleFault implements datapath.FaultHandler.
func (p *Pipeline) HandleFault(f *datapath.Fault) {
	monitoring.Logf("[pipeline] processing stopped: %v", f)
	if p.opts.OnFault != nil {
		p.opts.OnFault(f)
	}
}

// SensorStart implements serialmux.Sensor. With reconfig the data path is
// rebuilt from cfg before the sensor starts; otherwise cfg is ignored and
// the sensor resumes with the applied configuration.
func (p *Pipeline) SensorStart(cfg *config.Config, reconfig bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f := p.task.Fault(); f != nil {
		return f
	}
	ctx, cancel := context.WithTimeout(context.Background(), lifecycleTimeout)
	defer cancel()

	if reconfig {
		p.task.Stop()
		if err := p.whenIdle(ctx, func() error { return p.task.Reconfigure(cfg.DataPath()) }); err != nil {
			return err
		}
		p.asm.SetSelection(cfg.GetMonitorSelection())
		p.asm.MaxPacketLen = cfg.GetMaxPacketLen()
		p.cfg = cfg.Clone()
	}
	return p.whenIdle(ctx, p.task.Start)
}

// SensorStop implements serialmux.Sensor.
func (p *Pipeline) SensorStop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.task.Stop()
	return nil
}

// whenIdle runs fn once the task has drained its events, retrying while an
// event slips in between.
func (p *Pipeline) whenIdle(ctx context.Context, fn func() error) error {
	for {
		if err := p.task.WaitIdle(ctx); err != nil {
			return err
		}
		if err := fn(); !errors.Is(err, datapath.ErrBusy) {
			return err
		}
	}
}

// Run processes frames until ctx is done, the source runs dry or a fault
// stops the task. Shutting down through ctx and an exhausted source both
// return nil.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.opts.AutoStart {
		if err := p.SensorStart(nil, false); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.task.Run(gctx) })
	if p.opts.Source != nil {
		g.Go(func() error {
			err := p.opts.Source.Run(gctx, p.task)
			if err == nil {
				monitoring.Logf("[pipeline] source finished after %d frames", p.task.Counters().FramesProcessed)
				cancel()
			}
			return err
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Close stops the sensor and releases the data path's working memory.
// Run must have returned.
func (p *Pipeline) Close() {
	p.task.Stop()
	p.task.State().Close()
}

// Status is the pipeline's state as served on the debug page.
type Status struct {
	TaskState string                   `json:"task_state"`
	Stopped   bool                     `json:"stopped"`
	Fault     string                   `json:"fault,omitempty"`
	Selection string                   `json:"selection"`
	Geometry  datapath.Geometry        `json:"geometry"`
	Counters  datapath.Counters        `json:"counters"`
	Timing    datapath.TimingStats     `json:"timing"`
	History   datapath.DurationSummary `json:"frame_processing"`
	Gate      output.GateStats         `json:"gate"`
}

// Status snapshots the task and gate counters.
func (p *Pipeline) Status() Status {
	s := Status{
		TaskState: p.task.TaskState().String(),
		Stopped:   p.task.Stopped(),
		Selection: p.asm.Selection().String(),
		Geometry:  p.task.State().Geometry(),
		Counters:  p.task.Counters(),
		Timing:    p.task.Timing(),
		History:   p.task.History(),
		Gate:      p.gate.Stats(),
	}
	if f := p.task.Fault(); f != nil {
		s.Fault = f.Error()
	}
	return s
}

// AttachAdminRoutes registers the status pages under /debug/mmwave/.
func (p *Pipeline) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	debug.HandleFunc("mmwave/status", "Data path counters and timing", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, p.Status())
	})
	debug.HandleFunc("mmwave/config", "Applied configuration", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, p.Config())
	})
}
