package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	orchestrator "github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/engine"
	"github.com/goliatone/go-orchestrator/queue"
	"gopkg.in/yaml.v3"
)

// Vars holds key=value flags. Values are decoded as YAML scalars so
// numbers and booleans keep their type.
type Vars map[string]string

func (v Vars) decode() (map[string]any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(v))
	for k, raw := range v {
		var value any
		if err := yaml.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("variable %s: %w", k, err)
		}
		out[k] = value
	}
	return out, nil
}

func (a *App) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type ServeCmd struct{}

func (c *ServeCmd) Run(app *App) error {
	e, err := orchestrator.New(app.ctx, app.cfg, orchestrator.WithLogger(app.logger))
	if err != nil {
		return err
	}
	if err := e.Start(app.ctx); err != nil {
		_ = e.Close(app.ctx)
		return err
	}
	<-app.ctx.Done()
	app.logger.Info("shutting down")
	return e.Close(context.Background())
}

type DeployCmd struct {
	Files []string `arg:"" type:"existingfile" help:"YAML or JSON definition documents."`
}

func (c *DeployCmd) Run(app *App) error {
	return app.withEngine(func(e *orchestrator.Engine) error {
		var ids []string
		for _, path := range c.Files {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			defs, err := e.DeployDocument(app.ctx, data)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			for _, def := range defs {
				ids = append(ids, def.ID)
			}
		}
		return app.print(ids)
	})
}

type StartCmd struct {
	Key         string `xor:"definition" required:"" help:"Definition key, latest version."`
	ID          string `name:"id" xor:"definition" help:"Definition id."`
	BusinessKey string `short:"b" help:"Business key."`
	Var         Vars   `short:"v" help:"Process variable as key=value."`
}

func (c *StartCmd) Validate() error {
	if c.Key == "" && c.ID == "" {
		return fmt.Errorf("one of --key or --id is required")
	}
	return nil
}

func (c *StartCmd) Run(app *App) error {
	vars, err := c.Var.decode()
	if err != nil {
		return err
	}
	return app.withEngine(func(e *orchestrator.Engine) error {
		start := e.StartByDefinitionKey
		ref := c.Key
		if c.ID != "" {
			start, ref = e.StartByDefinitionID, c.ID
		}
		p, err := start(app.ctx, ref, c.BusinessKey, vars)
		if err != nil {
			return err
		}
		return app.print(p)
	})
}

type PollCmd struct {
	Topic string `arg:"" help:"Task topic."`
	Key   string `short:"k" required:"" help:"Process definition key."`
	Limit int    `short:"n" default:"10" help:"Maximum number of tasks."`
}

func (c *PollCmd) Run(app *App) error {
	return app.withEngine(func(e *orchestrator.Engine) error {
		tasks, err := e.Poll(app.ctx, c.Topic, c.Key, c.Limit)
		if err != nil {
			return err
		}
		return app.print(tasks)
	})
}

type CompleteCmd struct {
	TaskID string `arg:"" help:"Task id returned by poll."`
	Var    Vars   `short:"v" help:"Output variable as key=value."`
}

func (c *CompleteCmd) Run(app *App) error {
	vars, err := c.Var.decode()
	if err != nil {
		return err
	}
	return app.withEngine(func(e *orchestrator.Engine) error {
		return e.CompleteTask(app.ctx, c.TaskID, vars)
	})
}

type FailCmd struct {
	TaskID string `arg:"" help:"Task id returned by poll."`
	Reason string `short:"r" help:"Failure reason."`
	Var    Vars   `short:"v" help:"Variable as key=value."`
}

func (c *FailCmd) Run(app *App) error {
	vars, err := c.Var.decode()
	if err != nil {
		return err
	}
	return app.withEngine(func(e *orchestrator.Engine) error {
		return e.FailTask(app.ctx, c.TaskID, c.Reason, vars)
	})
}

type CorrelateCmd struct {
	Message     string `arg:"" help:"Message name."`
	BusinessKey string `short:"b" help:"Business key of the target process."`
	Key         Vars   `short:"k" help:"Correlation key as key=value."`
	Var         Vars   `short:"v" help:"Variable as key=value."`
}

func (c *CorrelateCmd) Run(app *App) error {
	keys, err := c.Key.decode()
	if err != nil {
		return err
	}
	vars, err := c.Var.decode()
	if err != nil {
		return err
	}
	return app.withEngine(func(e *orchestrator.Engine) error {
		id, err := e.CorrelateMessage(app.ctx, engine.CorrelateMessage{
			Message:     c.Message,
			BusinessKey: c.BusinessKey,
			Keys:        keys,
			Variables:   vars,
		})
		if err != nil {
			return err
		}
		return app.print(map[string]string{"processId": id})
	})
}

// DefinitionFlags selects processes by definition id or key.
type DefinitionFlags struct {
	Key string `xor:"definition" required:"" help:"Every version of a definition key."`
	ID  string `name:"id" xor:"definition" help:"One definition id."`
}

func (s DefinitionFlags) Validate() error {
	return s.selector().Validate()
}

func (s DefinitionFlags) selector() queue.DefinitionSelector {
	if s.ID != "" {
		return queue.ByDefinitionID(s.ID)
	}
	return queue.ByDefinitionKey(s.Key)
}

type SuspendCmd struct {
	DefinitionFlags `embed:""`
}

func (c *SuspendCmd) Run(app *App) error {
	return app.withEngine(func(e *orchestrator.Engine) error {
		n, err := e.Suspend(app.ctx, c.selector())
		if err != nil {
			return err
		}
		return app.print(map[string]int{"suspended": n})
	})
}

type ResumeCmd struct {
	DefinitionFlags `embed:""`
}

func (c *ResumeCmd) Run(app *App) error {
	return app.withEngine(func(e *orchestrator.Engine) error {
		n, err := e.Resume(app.ctx, c.selector())
		if err != nil {
			return err
		}
		return app.print(map[string]int{"resumed": n})
	})
}

type SweepCmd struct{}

func (c *SweepCmd) Run(app *App) error {
	return app.withEngine(func(e *orchestrator.Engine) error {
		n, err := e.SweepTimeouts(app.ctx)
		if err != nil {
			return err
		}
		return app.print(map[string]int{"failed": n})
	})
}

type ShowCmd struct {
	ProcessID string `arg:"" help:"Process id."`
}

func (c *ShowCmd) Run(app *App) error {
	return app.withEngine(func(e *orchestrator.Engine) error {
		snap, err := e.Inspect(app.ctx, c.ProcessID)
		if err != nil {
			return err
		}
		return app.print(snap)
	})
}
