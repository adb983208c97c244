package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/qiniu/routeops/internal/osrm/deploy"
	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/qiniu/routeops/internal/osrm/service"
)

// errReported marks a failure whose details were already written to out.
var errReported = errors.New("command failed")

// controller is the slice of the orchestrator service the CLI drives.
type controller interface {
	Registry() *model.Registry
	Build(ctx context.Context, instance string) (*model.BuildRecord, error)
	BuildAll(ctx context.Context) []service.BuildResult
	BuildStatus(ctx context.Context) ([]service.InstanceBuildStatus, error)
	BuildHistory(ctx context.Context, instance string, limit int) ([]*model.BuildRecord, error)
	Start(ctx context.Context, instance string) error
	Stop(ctx context.Context, instance string) error
	Restart(ctx context.Context, instance string) error
	Rebuild(ctx context.Context, instance string) (*model.BuildRecord, error)
	RollingRestart(ctx context.Context, profile string) (*deploy.Result, error)
	HealthCheck(ctx context.Context, instance string) error
	ContainerStatus(ctx context.Context) ([]*model.ContainerStatus, error)
}

// startsBuilds reports whether a command submits builds. Only those run crash
// recovery, so inspecting a store shared with a running server never fails
// its in-flight builds.
func startsBuilds(name string) bool {
	return name == "build" || name == "rebuild"
}

type commands struct {
	ctl   controller
	out   io.Writer
	limit int
}

func (c *commands) execute(ctx context.Context, args []string) error {
	name, rest := args[0], args[1:]
	switch name {
	case "build":
		if len(rest) == 0 {
			return c.buildAll(ctx)
		}
		return c.build(ctx, rest[0])
	case "start", "stop":
		if len(rest) != 1 {
			return fmt.Errorf("usage: routectl %s <instance>", name)
		}
		return c.lifecycle(ctx, name, rest[0])
	case "restart":
		if len(rest) != 1 {
			return fmt.Errorf("usage: routectl restart <instance|profile>")
		}
		return c.restart(ctx, rest[0])
	case "rebuild":
		if len(rest) != 1 {
			return fmt.Errorf("usage: routectl rebuild <instance>")
		}
		return c.rebuild(ctx, rest[0])
	case "status":
		return c.status(ctx)
	case "health":
		return c.health(ctx)
	case "history":
		if len(rest) != 1 {
			return fmt.Errorf("usage: routectl history <instance>")
		}
		return c.history(ctx, rest[0])
	default:
		return fmt.Errorf("unknown command %q", name)
	}
}

func (c *commands) build(ctx context.Context, instance string) error {
	rec, err := c.ctl.Build(ctx, instance)
	if rec == nil {
		return err
	}
	c.printBuilds([]*model.BuildRecord{rec})
	if err != nil {
		return errReported
	}
	return nil
}

func (c *commands) buildAll(ctx context.Context) error {
	results := c.ctl.BuildAll(ctx)
	w := tabwriter.NewWriter(c.out, 2, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tBUILD\tSTATUS\tERROR")
	failed := false
	for _, r := range results {
		id, status := "-", "-"
		if r.Build != nil {
			id, status = r.Build.BuildID, string(r.Build.Status)
		}
		msg := "-"
		if r.Error != "" {
			msg = r.Error
			failed = true
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Instance, id, status, msg)
	}
	w.Flush()
	if failed {
		return errReported
	}
	return nil
}

func (c *commands) lifecycle(ctx context.Context, action, instance string) error {
	op := c.ctl.Start
	if action == "stop" {
		op = c.ctl.Stop
	}
	if err := op(ctx, instance); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s: %s ok\n", instance, action)
	return nil
}

func (c *commands) restart(ctx context.Context, target string) error {
	if !c.ctl.Registry().HasProfile(target) {
		if err := c.ctl.Restart(ctx, target); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: restart ok\n", target)
		return nil
	}

	res, err := c.ctl.RollingRestart(ctx, target)
	if err != nil {
		return err
	}
	build := "-"
	if res.Build != nil {
		build = res.Build.BuildID
	}
	fmt.Fprintf(c.out, "%s: active %s -> %s (build %s, %s)\n",
		res.Profile, res.Previous, res.Active, build, res.Duration.Round(time.Millisecond))
	return nil
}

func (c *commands) rebuild(ctx context.Context, instance string) error {
	rec, err := c.ctl.Rebuild(ctx, instance)
	if rec != nil {
		c.printBuilds([]*model.BuildRecord{rec})
	}
	return err
}

func (c *commands) status(ctx context.Context) error {
	items, err := c.ctl.ContainerStatus(ctx)
	if err != nil {
		return err
	}
	builds, err := c.ctl.BuildStatus(ctx)
	if err != nil {
		return err
	}
	inFlight := make(map[string]service.InstanceBuildStatus, len(builds))
	for _, b := range builds {
		inFlight[b.Instance] = b
	}

	w := tabwriter.NewWriter(c.out, 2, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tPROFILE\tPORT\tROLE\tRUNNING\tHEALTHY\tPID\tBUILD")
	for _, st := range items {
		build := "-"
		if b, ok := inFlight[st.Instance]; ok && b.Build != nil {
			build = fmt.Sprintf("%s (%d queued)", b.Build.Status, b.Pending-1)
		}
		pid := "-"
		if st.PID > 0 {
			pid = strconv.Itoa(int(st.PID))
		}
		role := string(st.Role)
		if role == "" {
			role = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%t\t%t\t%s\t%s\n",
			st.Instance, st.Profile, st.Port, role, st.Running, st.Healthy, pid, build)
	}
	return w.Flush()
}

func (c *commands) health(ctx context.Context) error {
	w := tabwriter.NewWriter(c.out, 2, 0, 3, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tHEALTHY\tERROR")
	unhealthy := 0
	for _, inst := range c.ctl.Registry().Instances() {
		if err := c.ctl.HealthCheck(ctx, inst.Name); err != nil {
			unhealthy++
			fmt.Fprintf(w, "%s\tfalse\t%v\n", inst.Name, err)
			continue
		}
		fmt.Fprintf(w, "%s\ttrue\t-\n", inst.Name)
	}
	w.Flush()
	if unhealthy > 0 {
		return errReported
	}
	return nil
}

func (c *commands) history(ctx context.Context, instance string) error {
	recs, err := c.ctl.BuildHistory(ctx, instance, c.limit)
	if err != nil {
		return err
	}
	c.printBuilds(recs)
	return nil
}

func (c *commands) printBuilds(recs []*model.BuildRecord) {
	w := tabwriter.NewWriter(c.out, 2, 0, 3, ' ', 0)
	fmt.Fprintln(w, "BUILD\tINSTANCE\tSTATUS\tCREATED\tSEGMENTS\tERROR")
	for _, r := range recs {
		segments := "-"
		if r.TotalSegments != nil {
			segments = strconv.FormatInt(*r.TotalSegments, 10)
		}
		msg := "-"
		if r.ErrorMessage != nil {
			msg = *r.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.BuildID, r.InstanceName, r.Status, r.CreatedAt.Format(time.RFC3339), segments, msg)
	}
	w.Flush()
}
