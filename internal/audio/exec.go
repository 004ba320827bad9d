package audio

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	shellwords "github.com/mattn/go-shellwords"
)

// ExecSink pipes raw PCM into a player process such as
// "aplay -q -t raw -f S16_LE -r {rate} -c {channels}". One process plays one
// stream: it starts on the first Append, Finish closes its stdin and the
// stream ends when it exits. {rate} and {channels} in the command are
// replaced with the stream format.
type ExecSink struct {
	args []string
	log  *slog.Logger

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}
}

func NewExecSink(command string, format Format, logger *slog.Logger) (*ExecSink, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("exec sink command is empty")
	}
	expanded := strings.NewReplacer(
		"{rate}", strconv.Itoa(format.SampleRate),
		"{channels}", strconv.Itoa(format.Channels),
	).Replace(command)
	args, err := shellwords.Parse(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse sink command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("exec sink command is empty")
	}
	return &ExecSink{
		args: args,
		log:  logger.With(slog.String("component", "sink-exec")),
	}, nil
}

func (s *ExecSink) Append(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stdin == nil {
		// A finished stream's process has exited by the time a new stream
		// begins, unless the stream was abandoned.
		s.killLocked()
		if err := s.startLocked(); err != nil {
			return err
		}
	}
	if _, err := s.stdin.Write(pcm); err != nil {
		s.killLocked()
		return fmt.Errorf("write to player: %w", err)
	}
	return nil
}

func (s *ExecSink) Finish() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		ended := make(chan struct{})
		close(ended)
		return ended, nil
	}
	if s.stdin != nil {
		if err := s.stdin.Close(); err != nil {
			s.log.Debug("close player stdin", slog.String("error", err.Error()))
		}
		s.stdin = nil
	}
	// The player drains its input and exits on its own. Reset still kills
	// it while it drains.
	return s.exited, nil
}

func (s *ExecSink) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.killLocked()
	return nil
}

func (s *ExecSink) startLocked() error {
	cmd := exec.Command(s.args[0], s.args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("player stdin: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderr, n: 512}
	// Children of a killed player may hold stderr open.
	cmd.WaitDelay = 500 * time.Millisecond
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player: %w", err)
	}
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		if err := cmd.Wait(); err != nil {
			s.log.Debug("player exited",
				slog.String("error", err.Error()),
				slog.String("stderr", strings.TrimSpace(stderr.String())))
		}
	}()
	s.cmd = cmd
	s.stdin = stdin
	s.exited = exited
	s.log.Debug("player started", slog.Int("pid", cmd.Process.Pid))
	return nil
}

func (s *ExecSink) killLocked() {
	if s.cmd == nil {
		return
	}
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	<-s.exited
	s.cmd = nil
	s.stdin = nil
	s.exited = nil
}

// limitedWriter keeps the first n bytes written to it.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n > 0 {
		keep := p
		if len(keep) > l.n {
			keep = keep[:l.n]
		}
		written, err := l.w.Write(keep)
		l.n -= written
		if err != nil {
			return written, err
		}
	}
	return len(p), nil
}
