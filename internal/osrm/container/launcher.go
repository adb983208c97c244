package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/qiniu/routeops/internal/osrm/model"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"
)

// Handle tracks a launch until the instance is confirmed up.
type Handle interface {
	// Exited yields the exit error if the server dies early. May be nil.
	Exited() <-chan error
	// Abort forcibly tears down what Launch started.
	Abort() error
}

// Launcher starts and stops osrm-routed for an instance.
type Launcher interface {
	Launch(ctx context.Context, inst model.Instance, alg model.Algorithm) (Handle, error)
	// Terminate asks the server to shut down, waiting at most grace.
	Terminate(ctx context.Context, inst model.Instance, owner *PortOwner, grace time.Duration) error
	Kill(ctx context.Context, inst model.Instance, owner *PortOwner) error
}

// RoutedArgs returns the osrm-routed flags for an instance.
func RoutedArgs(alg model.Algorithm, ip string, port, maxTableSize int, dataset string) []string {
	args := []string{"--algorithm", string(alg)}
	if ip != "" {
		args = append(args, "--ip", ip)
	}
	if port > 0 {
		args = append(args, "--port", strconv.Itoa(port))
	}
	return append(args, "--max-table-size", strconv.Itoa(maxTableSize), dataset)
}

// ===== process runtime =====

// ProcessLauncher runs osrm-routed as a detached child process.
type ProcessLauncher struct {
	Binary       string
	BindIP       string
	MaxTableSize int
}

type procHandle struct {
	pid    int
	exited chan error
}

func (h *procHandle) Exited() <-chan error { return h.exited }

func (h *procHandle) Abort() error {
	err := syscall.Kill(-h.pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (l ProcessLauncher) Launch(_ context.Context, inst model.Instance, alg model.Algorithm) (Handle, error) {
	logPath := filepath.Join(inst.DataPath, "osrm-routed.log")
	logf, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", logPath, err)
	}
	defer logf.Close()

	args := RoutedArgs(alg, l.BindIP, inst.Port, l.MaxTableSize, inst.ArtifactPath())
	// not bound to ctx: the server must outlive the request that started it
	cmd := exec.Command(l.Binary, args...)
	cmd.Dir = inst.DataPath
	cmd.Stdout = logf
	cmd.Stderr = logf
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", l.Binary, err)
	}

	h := &procHandle{pid: cmd.Process.Pid, exited: make(chan error, 1)}
	go func() {
		err := cmd.Wait()
		if err == nil {
			err = errors.New("osrm-routed exited")
		}
		h.exited <- err
		close(h.exited)
	}()

	log.Info().Str("instance", inst.Name).Int("pid", h.pid).Strs("args", args).Msg("osrm-routed launched")
	return h, nil
}

func (l ProcessLauncher) Terminate(ctx context.Context, inst model.Instance, owner *PortOwner, _ time.Duration) error {
	proc, err := ownerProcess(ctx, inst, owner)
	if err != nil {
		return err
	}
	return proc.TerminateWithContext(ctx)
}

func (l ProcessLauncher) Kill(ctx context.Context, inst model.Instance, owner *PortOwner) error {
	proc, err := ownerProcess(ctx, inst, owner)
	if err != nil {
		return err
	}
	return proc.KillWithContext(ctx)
}

func ownerProcess(ctx context.Context, inst model.Instance, owner *PortOwner) (*process.Process, error) {
	if owner == nil || owner.PID <= 0 {
		return nil, fmt.Errorf("cannot resolve the process listening on port %d of %s", inst.Port, inst.Name)
	}
	proc, err := process.NewProcessWithContext(ctx, owner.PID)
	if err != nil {
		return nil, fmt.Errorf("process %d for %s: %w", owner.PID, inst.Name, err)
	}
	return proc, nil
}

// ===== docker runtime =====

// DockerLauncher runs osrm-routed in a container named routeops-<instance>.
type DockerLauncher struct {
	Binary       string
	Image        string
	BindIP       string
	MaxTableSize int
}

type dockerHandle struct {
	l    DockerLauncher
	name string
}

func (h dockerHandle) Exited() <-chan error { return nil }

func (h dockerHandle) Abort() error {
	_, err := h.l.docker(context.Background(), "rm", "-f", h.name)
	return err
}

// ContainerName returns the docker container name of an instance.
func ContainerName(inst model.Instance) string {
	return "routeops-" + inst.Name
}

func (l DockerLauncher) Launch(ctx context.Context, inst model.Instance, alg model.Algorithm) (Handle, error) {
	name := ContainerName(inst)
	// a stopped container with the same name blocks docker run
	_, _ = l.docker(ctx, "rm", "-f", name)

	publish := strconv.Itoa(inst.Port) + ":5000"
	if l.BindIP != "" {
		publish = l.BindIP + ":" + publish
	}
	args := []string{
		"run", "-d", "--name", name,
		"-p", publish,
		"-v", inst.DataPath + ":/data",
		l.Image, "osrm-routed",
	}
	args = append(args, RoutedArgs(alg, "", 0, l.MaxTableSize, "/data/"+model.ArtifactBase+".osrm")...)
	out, err := l.docker(ctx, args...)
	if err != nil {
		return nil, err
	}

	log.Info().Str("instance", inst.Name).Str("container", name).Str("id", strings.TrimSpace(out)).Msg("osrm-routed container launched")
	return dockerHandle{l: l, name: name}, nil
}

func (l DockerLauncher) Terminate(ctx context.Context, inst model.Instance, _ *PortOwner, grace time.Duration) error {
	name := ContainerName(inst)
	secs := int(grace.Seconds())
	if secs < 1 {
		secs = 1
	}
	if _, err := l.docker(ctx, "stop", "-t", strconv.Itoa(secs), name); err != nil && !noSuchContainer(err) {
		return err
	}
	if _, err := l.docker(ctx, "rm", name); err != nil && !noSuchContainer(err) {
		return err
	}
	return nil
}

func (l DockerLauncher) Kill(ctx context.Context, inst model.Instance, _ *PortOwner) error {
	if _, err := l.docker(ctx, "rm", "-f", ContainerName(inst)); err != nil && !noSuchContainer(err) {
		return err
	}
	return nil
}

func (l DockerLauncher) docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, l.Binary, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func noSuchContainer(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No such container")
}
