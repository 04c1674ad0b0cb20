// Command phasectl drives case pipelines from the terminal or serves them
// over HTTP.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"

	phase "github.com/goliatone/go-phase"
	"github.com/goliatone/go-phase/config"
)

var version = "dev"

// Globals are shared by every command.
type Globals struct {
	Config    string `help:"Path to a YAML config file." type:"path" env:"PHASECTL_CONFIG" short:"c"`
	LogLevel  string `help:"Log level (trace, debug, info, warn, error)." env:"PHASECTL_LOG_LEVEL"`
	LogFormat string `help:"Log format (console, json, text)." env:"PHASECTL_LOG_FORMAT"`

	Out io.Writer `kong:"-"`
}

type CLI struct {
	Globals

	Run     RunCmd           `cmd:"" help:"Run one case through the pipeline against the simulated worker."`
	Serve   ServeCmd         `cmd:"" help:"Serve the HTTP API and event stream."`
	Catalog CatalogCmd       `cmd:"" help:"Print the phase catalog."`
	Policy  PolicyCmd        `cmd:"" help:"Print the recovery decision table."`
	Version kong.VersionFlag `help:"Print version and exit."`
}

// load reads the config file, if any, and applies flag overrides.
func (g *Globals) load() (config.Config, error) {
	cfg := config.Default()
	if g.Config != "" {
		loaded, err := config.Load(g.Config)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogFormat != "" {
		cfg.Log.Format = g.LogFormat
	}
	return cfg, cfg.Validate()
}

func (g *Globals) out() io.Writer {
	if g.Out == nil {
		return os.Stdout
	}
	return g.Out
}

func (g *Globals) logger(cfg config.Config) phase.Logger {
	return cfg.Logger(os.Stderr)
}

func main() {
	cli := CLI{Globals: Globals{Out: os.Stdout}}
	ctx := kong.Parse(&cli,
		kong.Name("phasectl"),
		kong.Description("Phase orchestration for case pipelines."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&cli.Globals); err != nil {
		fmt.Fprintf(os.Stderr, "phasectl: %v\n", err)
		os.Exit(1)
	}
}
