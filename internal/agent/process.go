package agent

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/rs/zerolog"

	"github.com/204313508/iflow2web/internal/buffer"
)

// ProcessOptions describes how to launch the agent CLI.
type ProcessOptions struct {
	// Command is the CLI command line, split with shell quoting rules.
	Command string
	Args    []string
	// Dir is the process working directory. Empty means inherit.
	Dir string
	Env []string
	// TailSize is how many bytes of combined stdout/stderr to keep.
	TailSize int
}

// Process is a running agent CLI.
type Process struct {
	cmd    *exec.Cmd
	output *buffer.RingBuffer
	logger zerolog.Logger

	done    chan struct{}
	exitErr error

	stopOnce sync.Once
}

// StartProcess launches the agent CLI and starts waiting for it in the background.
func StartProcess(opts ProcessOptions, logger zerolog.Logger) (*Process, error) {
	parts, err := splitCommand(opts.Command)
	if err != nil {
		return nil, err
	}
	args := append(parts[1:], opts.Args...)

	cmd := exec.Command(parts[0], args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)

	output := buffer.NewRingBuffer(opts.TailSize)
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", parts[0], err)
	}

	p := &Process{
		cmd:    cmd,
		output: output,
		logger: logger.With().Int("pid", cmd.Process.Pid).Logger(),
		done:   make(chan struct{}),
	}
	p.logger.Info().Str("command", opts.Command).Strs("args", opts.Args).Msg("agent process started")

	go p.waitLoop()
	return p, nil
}

func (p *Process) waitLoop() {
	err := p.cmd.Wait()
	p.exitErr = err
	close(p.done)

	if err != nil {
		p.logger.Info().Err(err).Msg("agent process exited")
	} else {
		p.logger.Info().Msg("agent process exited")
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitErr returns the result of Wait. Only valid after Done is closed.
func (p *Process) ExitErr() error {
	<-p.done
	return p.exitErr
}

// Tail returns the most recent output of the process.
func (p *Process) Tail() string {
	return p.output.String()
}

// PID returns the process ID.
func (p *Process) PID() int {
	return p.cmd.Process.Pid
}

// Stop interrupts the process and kills it if it has not exited after grace.
// Calling Stop more than once is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			return
		default:
		}

		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = killErr
			}
			return
		}

		select {
		case <-p.done:
		case <-time.After(grace):
			p.logger.Warn().Dur("grace", grace).Msg("agent process did not exit, killing")
			if killErr := p.cmd.Process.Kill(); killErr != nil && !errors.Is(killErr, os.ErrProcessDone) {
				err = killErr
			}
			<-p.done
		}
	})
	return err
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

func portArgs(port int) []string {
	return []string{"--experimental-acp", "--port", strconv.Itoa(port)}
}

// splitCommand splits a command line into words using shell quoting and escaping rules.
func splitCommand(cmd string) ([]string, error) {
	parts, err := shlex.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("invalid agent command %q: %w", cmd, err)
	}
	if len(parts) == 0 {
		return nil, errors.New("agent command is empty")
	}
	return parts, nil
}
