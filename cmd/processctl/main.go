package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/goliatone/go-process"
	"github.com/goliatone/go-process/config"
	"github.com/goliatone/go-process/cron"
	"github.com/goliatone/go-process/events"
	"github.com/goliatone/go-process/execution"
	"github.com/goliatone/go-process/logging"
	"github.com/goliatone/go-process/registry"
	"github.com/goliatone/go-process/steps"
)

type CLI struct {
	Config    string   `short:"c" default:"process.yaml" env:"PROCESS_CONFIG" help:"Pipeline configuration file (YAML or JSON)."`
	EnvFile   []string `name:"env-file" help:"Additional dotenv files loaded before the config is read."`
	LogLevel  string   `name:"log-level" env:"PROCESS_LOG_LEVEL" help:"Overrides logging.level from the config."`
	LogFormat string   `name:"log-format" env:"PROCESS_LOG_FORMAT" help:"Overrides logging.format from the config."`
	Events    []string `name:"events" help:"Only log events whose type matches one of these patterns, e.g. chain.* or #.failed."`

	Plan     PlanCmd     `cmd:"" help:"Print the resolved execution plan."`
	Run      RunCmd      `cmd:"" help:"Run a pipeline once."`
	Schedule ScheduleCmd `cmd:"" help:"Run the configured schedules until interrupted."`
}

// app is what every command needs, built from the config file.
type app struct {
	file     config.File
	logger   logging.Logger
	ec       *execution.Context
	registry *registry.Registry
}

func (c *CLI) load(out io.Writer) (*app, error) {
	if len(c.EnvFile) > 0 {
		if err := godotenv.Load(c.EnvFile...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	file, err := config.Load(c.Config)
	if err != nil {
		return nil, err
	}
	if c.LogLevel != "" {
		file.Logging.Level = c.LogLevel
	}
	switch c.LogFormat {
	case "":
	case "text", "json":
		file.Logging.Format = c.LogFormat
	default:
		return nil, fmt.Errorf("unsupported log format %q", c.LogFormat)
	}
	logger := file.Logging.Build(out)

	ec, err := file.Context.Build(execution.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	reg := registry.New()
	if err := steps.Register(reg); err != nil {
		_ = ec.Close()
		return nil, err
	}
	return &app{file: file, logger: logger, ec: ec, registry: reg}, nil
}

func (c *CLI) observer(logger logging.Logger) events.Observer {
	return events.Filter(events.LogObserver{Logger: logger}, c.Events...)
}

type PlanCmd struct{}

func (p *PlanCmd) Run(cli *CLI, out io.Writer) error {
	a, err := cli.load(out)
	if err != nil {
		return err
	}
	defer a.ec.Close()

	ec := a.ec
	fmt.Fprintf(out, "tenant:       %s\n", ec.Tenant())
	fmt.Fprintf(out, "environment:  %s\n", ec.Environment())
	fmt.Fprintf(out, "scale:        %s\n", ec.Scale())
	fmt.Fprintf(out, "parallelism:  %d\n", ec.RecommendedParallelism())
	fmt.Fprintf(out, "strategy:     %s\n", process.DetermineStrategy(ec))

	chains, err := a.registry.BuildAll(a.file)
	if err != nil {
		return err
	}
	for _, def := range a.file.Pipelines {
		c := chains[def.Name]
		fmt.Fprintf(out, "\npipeline %s\n", def.Name)
		for _, info := range c.StepInfo() {
			fmt.Fprintf(out, "  %d. %-12s %s -> %s\n", info.Index, info.Name, info.InputType, info.OutputType)
		}
		_ = c.Close()
	}
	return nil
}

type RunCmd struct {
	Pipeline string        `arg:"" help:"Pipeline name."`
	Input    string        `arg:"" optional:"" help:"Pipeline input; read from stdin when omitted."`
	Scale    string        `help:"Overrides the configured scale (small, medium, large, auto)."`
	Timeout  time.Duration `help:"Cancels the run after this long."`
}

func (r *RunCmd) Run(ctx context.Context, cli *CLI, out io.Writer, in io.Reader) error {
	a, err := cli.load(out)
	if err != nil {
		return err
	}
	defer a.ec.Close()

	if r.Scale != "" {
		scale, err := execution.ParseScale(r.Scale)
		if err != nil {
			return err
		}
		if err := a.ec.UpdateScale(scale); err != nil {
			return err
		}
	}

	def, ok := a.file.Pipeline(r.Pipeline)
	if !ok {
		return fmt.Errorf("pipeline %q is not defined in %s", r.Pipeline, cli.Config)
	}
	c, err := a.registry.Build(def)
	if err != nil {
		return err
	}
	defer c.Close()

	input := r.Input
	if input == "" && in != nil {
		data, err := io.ReadAll(in)
		if err != nil {
			return err
		}
		input = strings.TrimRight(string(data), "\n")
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	_, drained := a.ec.Observe(cli.observer(a.logger))
	res, runErr := c.Run(ctx, a.ec, input)
	_ = a.ec.Close()
	<-drained

	if runErr != nil {
		return runErr
	}
	fmt.Fprintln(out, res)
	return nil
}

type ScheduleCmd struct {
	StopTimeout time.Duration `name:"stop-timeout" default:"10s" help:"How long to wait for running jobs on shutdown."`
}

func (s *ScheduleCmd) Run(ctx context.Context, cli *CLI, out io.Writer) error {
	a, err := cli.load(out)
	if err != nil {
		return err
	}
	defer a.ec.Close()

	if len(a.file.Schedules) == 0 {
		return fmt.Errorf("no schedules defined in %s", cli.Config)
	}

	chains, err := a.registry.BuildAll(a.file)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range chains {
			_ = c.Close()
		}
	}()

	scheduler := cron.NewScheduler(cron.WithLogger(a.logger), cron.WithParser(cron.StandardParser))
	for _, sc := range a.file.Schedules {
		logger := a.logger
		name := sc.Pipeline
		job := cron.PipelineJob(a.ec, chains[sc.Pipeline], sc.Input,
			cron.WithObserver(cli.observer(logger)),
			cron.WithResult(func(output any, err error) {
				if err == nil {
					logger.Info("pipeline %s produced %v", name, output)
				}
			}),
		)
		if _, err := scheduler.ScheduleCron(cron.JobConfig{Name: sc.Pipeline, Expression: sc.Expression}, job); err != nil {
			return err
		}
	}

	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	a.logger.Info("running %d schedules", len(a.file.Schedules))
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), s.StopTimeout)
	defer cancel()
	return scheduler.Stop(stopCtx)
}

func run(ctx context.Context, args []string, out io.Writer, in io.Reader) error {
	if in == nil {
		in = strings.NewReader("")
	}
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("processctl"),
		kong.Description("Plan, run and schedule process pipelines."),
		kong.UsageOnError(),
		kong.Writers(out, out),
		kong.BindTo(ctx, (*context.Context)(nil)),
		kong.BindTo(out, (*io.Writer)(nil)),
		kong.BindTo(in, (*io.Reader)(nil)),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kctx.Run(&cli)
}

func main() {
	// a missing .env is fine, variables may be set directly
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stdin); err != nil {
		die(err)
	}
}

func die(err error) {
	fmt.Fprintf(os.Stderr, "processctl: %v\n", err)
	os.Exit(1)
}
