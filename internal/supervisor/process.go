package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"

	"shardfleet/internal/logging"
	"shardfleet/internal/shard"
)

// ProcessSpec describes one worker process to start.
type ProcessSpec struct {
	ClusterID int
	Shards    shard.Range

	// Env holds the bootstrap variables for this cluster.
	Env []string
}

// Process is a running worker. Stdin and Stdout carry the control channel.
type Process interface {
	Pid() int
	Stdin() io.WriteCloser
	Stdout() io.Reader

	// Wait blocks until the process exits and returns its exit code. A
	// process terminated by a signal reports -1. Callers must finish reading
	// Stdout before calling Wait.
	Wait() (int, error)

	// Kill terminates the process without giving it a chance to clean up.
	Kill() error
}

// Spawner starts worker processes.
type Spawner interface {
	Spawn(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ExecSpawner runs workers as OS processes.
type ExecSpawner struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// Spawn starts the worker and relays its stderr into the worker log.
func (e *ExecSpawner) Spawn(ctx context.Context, spec ProcessSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.Path == "" {
		return nil, errors.New("empty worker path")
	}

	cmd := exec.Command(e.Path, e.Args...)
	cmd.Dir = e.Dir
	cmd.Env = append(append(os.Environ(), e.Env...), spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", e.Path, err)
	}

	p := &execProcess{
		cmd:        cmd,
		stdin:      stdin,
		stdout:     stdout,
		stderrDone: make(chan struct{}),
	}
	go p.readStderr(stderr, spec.ClusterID)

	logging.SupervisorDebug("started worker pid=%d for cluster %d", cmd.Process.Pid, spec.ClusterID)
	return p, nil
}

type execProcess struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	stderrDone chan struct{}
}

func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func (p *execProcess) Wait() (int, error) {
	<-p.stderrDone
	err := p.cmd.Wait()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

// readStderr logs every line the worker writes to stderr. If a line is too
// long to log, the rest of the stream is discarded so the worker never blocks
// on a full pipe.
func (p *execProcess) readStderr(r io.Reader, clusterID int) {
	defer close(p.stderrDone)
	log := logging.Get(logging.CategoryWorker).With("cluster", clusterID)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		log.Info("[STDERR] %s", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		log.Warn("stderr no longer logged: %v", err)
	}
	_, _ = io.Copy(io.Discard, r)
}
