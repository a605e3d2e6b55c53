package config

import (
	"fmt"
	"os"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	apperrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-orchestrator/engine"
	"github.com/goliatone/go-orchestrator/queue"
	"gopkg.in/yaml.v3"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	DefaultDSN     = "file:orchestrator.db?_busy_timeout=5000&_foreign_keys=on"
	DefaultWorkers = 16
)

type Config struct {
	Database   Database   `yaml:"database"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Queue      Queue      `yaml:"queue"`
	Engine     Engine     `yaml:"engine"`
	Logging    Logging    `yaml:"logging"`
}

type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Dispatcher struct {
	Workers        int           `yaml:"workers"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// MaxRetries is the default retry budget of handlers registered on the
	// engine dispatcher by the host application. Engine steps never retry.
	MaxRetries     int           `yaml:"max_retries"`
}

type Queue struct {
	SweepSchedule    string `yaml:"sweep_schedule"`
	TimeoutBatchSize int    `yaml:"timeout_batch_size"`
	SuspendBatchSize int    `yaml:"suspend_batch_size"`
}

type Engine struct {
	DefaultTaskTimeout time.Duration               `yaml:"default_task_timeout"`
	DefaultTaskRetries int                         `yaml:"default_task_retries"`
	Processes          map[string]ProcessOverrides `yaml:"processes"`
}

// ProcessOverrides applies to every external task of one process
// definition key. Activities is keyed by topic.
type ProcessOverrides struct {
	ActivityTimeout time.Duration            `yaml:"activity_timeout"`
	ActivityRetries *int                     `yaml:"activity_retries"`
	Activities      map[string]TaskOverrides `yaml:"activities"`
}

type TaskOverrides struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries *int          `yaml:"retries"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Database: Database{Driver: DriverSQLite, DSN: DefaultDSN},
		Dispatcher: Dispatcher{
			Workers: DefaultWorkers,
		},
		Queue: Queue{
			SweepSchedule:    queue.DefaultSweepSchedule,
			TimeoutBatchSize: queue.DefaultTimeoutBatchSize,
			SuspendBatchSize: queue.DefaultSuspendBatchSize,
		},
		Engine: Engine{
			DefaultTaskTimeout: engine.DefaultTaskTimeout,
			DefaultTaskRetries: engine.DefaultTaskRetries,
		},
		Logging: Logging{Level: "info", Format: "console"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, apperrors.Wrap(err, apperrors.CategoryBadInput, "parse config").
			WithTextCode("INVALID_CONFIG")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	err := validation.Errors{
		"database":   c.Database.validate(),
		"dispatcher": c.Dispatcher.validate(),
		"queue":      c.Queue.validate(),
		"engine":     c.Engine.validate(),
		"logging":    c.Logging.validate(),
	}.Filter()
	if err != nil {
		return apperrors.FromOzzoValidation(err, "invalid configuration").
			WithTextCode("INVALID_CONFIG")
	}
	return nil
}

func (d Database) validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In(DriverMemory, DriverSQLite, DriverPostgres)),
		validation.Field(&d.DSN, validation.Required.When(d.Driver != DriverMemory)),
	)
}

func (d Dispatcher) validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Workers, validation.Required, validation.Min(1)),
		validation.Field(&d.HandlerTimeout, validation.Min(time.Duration(0))),
		validation.Field(&d.MaxRetries, validation.Min(0)),
	)
}

func (q Queue) validate() error {
	return validation.ValidateStruct(&q,
		validation.Field(&q.SweepSchedule, validation.Required),
		validation.Field(&q.TimeoutBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&q.SuspendBatchSize, validation.Required, validation.Min(1)),
	)
}

func (e Engine) validate() error {
	return validation.ValidateStruct(&e,
		validation.Field(&e.DefaultTaskTimeout, validation.Required, validation.Min(time.Second)),
		validation.Field(&e.DefaultTaskRetries, validation.Min(0)),
	)
}

func (l Logging) validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level, validation.In("trace", "debug", "info", "warn", "error", "fatal")),
		validation.Field(&l.Format, validation.In("json", "console")),
	)
}

// EngineSettings converts the engine section for engine.WithSettings.
func (c Config) EngineSettings() engine.Settings {
	s := engine.Settings{
		DefaultTaskTimeout: c.Engine.DefaultTaskTimeout,
		DefaultTaskRetries: c.Engine.DefaultTaskRetries,
	}
	if len(c.Engine.Processes) == 0 {
		return s
	}
	s.Processes = make(map[string]engine.ProcessSettings, len(c.Engine.Processes))
	for key, p := range c.Engine.Processes {
		ps := engine.ProcessSettings{
			TaskSettings: engine.TaskSettings{Timeout: p.ActivityTimeout, Retries: p.ActivityRetries},
		}
		if len(p.Activities) > 0 {
			ps.Topics = make(map[string]engine.TaskSettings, len(p.Activities))
			for topic, t := range p.Activities {
				ps.Topics[topic] = engine.TaskSettings{Timeout: t.Timeout, Retries: t.Retries}
			}
		}
		s.Processes[key] = ps
	}
	return s
}
