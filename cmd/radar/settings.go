package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/banshee-data/mmwave.dsp/internal/source"
	"github.com/banshee-data/mmwave.dsp/internal/stream"
)

// Settings are the daemon's runtime options. Every option can be given as
// a flag, an MMWAVE_ environment variable (MMWAVE_PCAP_FILE for
// --pcap-file) or a key in the settings file, in that order of precedence.
type Settings struct {
	Listen     string       `mapstructure:"listen"`
	Verbose    bool         `mapstructure:"verbose"`
	Config     string       `mapstructure:"config"`
	CLIScript  string       `mapstructure:"cli-script"`
	CLIPort    string       `mapstructure:"cli-port"`
	DataPort   string       `mapstructure:"data-port"`
	DBPath     string       `mapstructure:"db-path"`
	GRPC       GRPCSettings `mapstructure:"grpc"`
	Source     string       `mapstructure:"source"`
	PCAP       PCAPSettings `mapstructure:"pcap"`
	Sim        SimSettings  `mapstructure:"sim"`
}

// GRPCSettings configure the detection stream.
type GRPCSettings struct {
	Listen     string `mapstructure:"listen"`
	MaxClients int    `mapstructure:"max-clients"`
}

// PCAPSettings configure the capture replay source.
type PCAPSettings struct {
	File     string `mapstructure:"file"`
	Port     int    `mapstructure:"port"`
	Order    string `mapstructure:"order"`
	Realtime bool   `mapstructure:"realtime"`
}

// SimSettings configure the simulated scene. Targets are only read from
// the settings file.
type SimSettings struct {
	Frames   int             `mapstructure:"frames"`
	NoiseStd float64         `mapstructure:"noise-std"`
	Seed     int64           `mapstructure:"seed"`
	Period   time.Duration   `mapstructure:"period"`
	Targets  []source.Target `mapstructure:"targets"`
}

// flagKeys maps flags whose settings key differs from the flag name.
var flagKeys = map[string]string{
	"grpc-listen":      "grpc.listen",
	"grpc-max-clients": "grpc.max-clients",
	"pcap-file":        "pcap.file",
	"pcap-port":        "pcap.port",
	"pcap-order":       "pcap.order",
	"pcap-realtime":    "pcap.realtime",
	"sim-frames":       "sim.frames",
	"sim-noise-std":    "sim.noise-std",
	"sim-seed":         "sim.seed",
	"sim-period":       "sim.period",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("radar", pflag.ContinueOnError)
	// Stop at the first positional argument so subcommand arguments are
	// left alone.
	fs.SetInterspersed(false)

	fs.String("settings", "", "Settings file (default: mmwave.{yaml,json,toml} in /etc/mmwave or .)")
	fs.String("listen", ":8080", "HTTP listen address for the debug pages; empty disables")
	fs.BoolP("verbose", "v", false, "Log per-frame diagnostics")
	fs.String("config", "", "Sensor configuration file (.json or .yaml)")
	fs.String("cli-script", "", "CLI command script applied at startup, e.g. config/xwr16xx_default.cfg")
	fs.String("cli-port", "", "Serial port of the command UART; empty serves the CLI on the debug page only")
	fs.String("data-port", "", "Serial port of the data UART; empty disables")
	fs.String("db-path", "mmwave.db", "SQLite database recording frames; empty disables")
	fs.String("grpc-listen", "", "gRPC listen address for the detection stream, e.g. "+stream.DefaultConfig().ListenAddr+"; empty disables")
	fs.Int("grpc-max-clients", stream.DefaultConfig().MaxClients, "Concurrent detection stream clients")
	fs.String("source", "sim", "Chirp source: sim, pcap or none")
	fs.String("pcap-file", "", "DCA1000 capture to replay")
	fs.Int("pcap-port", source.DCA1000DataPort, "UDP port of the raw ADC data in the capture")
	fs.String("pcap-order", source.OrderTwoLane.String(), "ADC sample order in the capture: two-lane or iq")
	fs.Bool("pcap-realtime", false, "Replay frames at their capture spacing")
	fs.Int("sim-frames", 0, "Frames to simulate; zero runs until stopped")
	fs.Float64("sim-noise-std", 8, "Simulated noise standard deviation in ADC counts")
	fs.Int64("sim-seed", 1, "Simulated noise seed")
	fs.Duration("sim-period", 0, "Simulated frame period; zero uses the profile's, negative runs flat out")
	return fs
}

// loadSettings parses args and merges the environment and settings file.
// The positional arguments are returned.
func loadSettings(args []string) (Settings, []string, error) {
	var s Settings
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return s, nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("MMWAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "settings" {
			return
		}
		key, ok := flagKeys[f.Name]
		if !ok {
			key = f.Name
		}
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return s, nil, bindErr
	}

	if path, _ := fs.GetString("settings"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return s, nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
	} else {
		v.SetConfigName("mmwave")
		v.AddConfigPath("/etc/mmwave")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return s, nil, fmt.Errorf("failed to read settings: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&s); err != nil {
		return s, nil, fmt.Errorf("invalid settings: %w", err)
	}
	return s, fs.Args(), nil
}
