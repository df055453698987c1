package serialmux

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/mmwave.dsp/internal/config"
	"github.com/banshee-data/mmwave.dsp/internal/monitoring"
)

// Sensor is the lifecycle the CLI drives. SensorStart receives a private
// copy of the working configuration.
type Sensor interface {
	SensorStart(cfg *config.Config, reconfig bool) error
	SensorStop() error
}

// CLI applies command lines to a working configuration and starts and
// stops the sensor.
type CLI struct {
	mu     sync.Mutex
	cfg    *config.Config
	sensor Sensor

	executed atomic.Uint64
	failed   atomic.Uint64
}

// NewCLI returns a CLI editing a copy of cfg.
func NewCLI(cfg *config.Config, s Sensor) *CLI {
	return &CLI{cfg: cfg.Clone(), sensor: s}
}

// Config returns a copy of the working configuration.
func (c *CLI) Config() *config.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Clone()
}

// Counts returns the number of commands executed and rejected.
func (c *CLI) Counts() (executed, failed uint64) {
	return c.executed.Load(), c.failed.Load()
}

// Execute runs one CLI line and returns the reply, which is empty for
// blank lines and comments.
func (c *CLI) Execute(line string) (string, error) {
	cmd, err := config.ParseCommand(line)
	if err != nil {
		c.failed.Add(1)
		return "", err
	}
	if cmd == nil {
		return "", nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch cmd.Kind {
	case config.CmdConfigure:
		cmd.Apply(c.cfg)
	case config.CmdSensorStart:
		if err := c.cfg.Validate(); err != nil {
			c.failed.Add(1)
			return "", err
		}
		if err := c.sensor.SensorStart(c.cfg.Clone(), cmd.Reconfig); err != nil {
			c.failed.Add(1)
			return "", err
		}
	case config.CmdSensorStop:
		if err := c.sensor.SensorStop(); err != nil {
			c.failed.Add(1)
			return "", err
		}
	}
	c.executed.Add(1)
	return "Done", nil
}

// Serve subscribes to mux and returns the loop answering its lines, so no
// line received after Serve returns is missed. Every line gets its reply,
// if any, followed by the prompt. The loop ends when ctx is done or the
// mux closes.
func Serve(mux SerialMuxInterface, cli *CLI) func(ctx context.Context) error {
	id, lines := mux.Subscribe()
	return func(ctx context.Context) error {
		defer mux.Unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if err := answer(mux, cli, line); err != nil {
					return err
				}
			}
		}
	}
}

func answer(mux SerialMuxInterface, cli *CLI, line string) error {
	if ClassifyLine(line) == LineCommand {
		reply, err := cli.Execute(line)
		if err != nil {
			monitoring.Logf("[cli] %q: %v", line, err)
			reply = "Error: " + err.Error()
		} else {
			monitoring.Debugf("[cli] %q: %s", line, reply)
		}
		if err := mux.WriteLine(reply); err != nil {
			return err
		}
	}
	return mux.WriteLine(Prompt)
}
