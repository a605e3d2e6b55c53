package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/config"
	"github.com/goliatone/go-orchestrator/logging"
)

// CLI is the kong command tree.
type CLI struct {
	Config   string `short:"c" type:"path" env:"ORCHESTRATOR_CONFIG" help:"YAML configuration file."`
	Driver   string `env:"ORCHESTRATOR_DB_DRIVER" help:"Override database.driver."`
	DSN      string `env:"ORCHESTRATOR_DB_DSN" help:"Override database.dsn."`
	LogLevel string `name:"log-level" help:"Override logging.level."`

	Serve     ServeCmd     `cmd:"" help:"Run the engine and the timeout sweep until interrupted."`
	Deploy    DeployCmd    `cmd:"" help:"Deploy process definition documents."`
	Start     StartCmd     `cmd:"" help:"Start a process."`
	Poll      PollCmd      `cmd:"" help:"Claim external tasks of a topic."`
	Complete  CompleteCmd  `cmd:"" help:"Complete an external task."`
	Fail      FailCmd      `cmd:"" help:"Fail an external task."`
	Correlate CorrelateCmd `cmd:"" help:"Deliver a message to a waiting process."`
	Suspend   SuspendCmd   `cmd:"" help:"Suspend the processes of a definition."`
	Resume    ResumeCmd    `cmd:"" help:"Resume the processes of a definition."`
	Sweep     SweepCmd     `cmd:"" help:"Fail timed out external tasks once."`
	Show      ShowCmd      `cmd:"" help:"Print a process with its activities and variables."`
}

// App is bound into every command's Run.
type App struct {
	ctx    context.Context
	cfg    config.Config
	logger logging.Logger
	out    io.Writer
}

// withEngine opens an engine, runs fn and lets follow up steps settle
// before closing.
func (a *App) withEngine(fn func(*orchestrator.Engine) error) error {
	e, err := orchestrator.New(a.ctx, a.cfg, orchestrator.WithLogger(a.logger))
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(context.Background()); cerr != nil {
			a.logger.Error("close engine: %v", cerr)
		}
	}()
	if err := fn(e); err != nil {
		return err
	}
	e.Wait()
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("orchestrator"),
		kong.Description("Process orchestration engine."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := cli.config()
	if err != nil {
		return err
	}
	app := &App{
		ctx:    ctx,
		cfg:    cfg,
		logger: logging.NewGlogLogger(stderr, cfg.Logging.Level, cfg.Logging.Format),
		out:    stdout,
	}
	return kctx.Run(app)
}

func (c CLI) config() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return config.Config{}, err
	}
	if c.Driver != "" {
		cfg.Database.Driver = c.Driver
	}
	if c.DSN != "" {
		cfg.Database.DSN = c.DSN
	}
	if c.LogLevel != "" {
		cfg.Logging.Level = c.LogLevel
	}
	return cfg, cfg.Validate()
}
