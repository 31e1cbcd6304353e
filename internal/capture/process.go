package capture

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/mikeyg42/mecam/internal/recorder/recorderlog"
)

// Process is a running encoder.
type Process interface {
	Pid() int
	Stdout() io.Reader
	// Terminate asks the process group to exit.
	Terminate() error
	// Kill forcibly ends the process group.
	Kill() error
	// Wait blocks until exit. It must be called once, after Stdout is drained.
	Wait() error
}

// Executor starts encoder processes.
type Executor interface {
	Start(name string, args []string) (Process, error)
}

// ExecExecutor runs real subprocesses in their own process group so the
// whole pipeline (e.g. a shell wrapper and its child) is signalled together.
type ExecExecutor struct {
	Logger recorderlog.Logger
}

func (e ExecExecutor) Start(name string, args []string) (Process, error) {
	logger := e.Logger
	if logger == nil {
		logger = recorderlog.L()
	}

	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &execProcess{cmd: cmd, stdout: stdout, stderrDone: make(chan struct{})}
	go func() {
		defer close(p.stderrDone)
		l := logger.Named("stderr").With(recorderlog.String("program", name), recorderlog.Int("pid", cmd.Process.Pid))
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			l.Debug(sc.Text())
		}
	}()
	return p, nil
}

type execProcess struct {
	cmd        *exec.Cmd
	stdout     io.Reader
	stderrDone chan struct{}
}

func (p *execProcess) Pid() int          { return p.cmd.Process.Pid }
func (p *execProcess) Stdout() io.Reader { return p.stdout }

func (p *execProcess) Terminate() error {
	return p.signalGroup(unix.SIGTERM)
}

func (p *execProcess) Kill() error {
	return p.signalGroup(unix.SIGKILL)
}

func (p *execProcess) signalGroup(sig unix.Signal) error {
	err := unix.Kill(-p.cmd.Process.Pid, sig)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

func (p *execProcess) Wait() error {
	<-p.stderrDone
	return p.cmd.Wait()
}
