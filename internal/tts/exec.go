package tts

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"
)

type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
	catalog    Catalog
	mu         sync.Mutex
}

type execRequest struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`
	Language   string  `json:"language,omitempty"`
	Style      string  `json:"style,omitempty"`
	Rate       float64 `json:"rate,omitempty"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
}

type execResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error,omitempty"`
}

func NewExecSynth(command string, sampleRate, channels int, catalog Catalog) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels, catalog: catalog}, nil
}

func (e *execSynth) Validate(req SynthRequest) error {
	return e.catalog.Validate(req)
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	schunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(schunks)
		defer close(errs)

		// One synthesis process at a time; a canceled predecessor is killed
		// by its context before the lock is released.
		e.mu.Lock()
		defer e.mu.Unlock()

		if err := ctx.Err(); err != nil {
			errs <- err
			return
		}

		reqPayload := execRequest{
			Text:       req.Text,
			Voice:      req.Voice,
			Language:   req.Language,
			Style:      req.Style,
			Rate:       req.Rate,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
		}
		data, err := json.Marshal(reqPayload)
		if err != nil {
			errs <- err
			return
		}

		base := e.cmd[0]
		args := append([]string{}, e.cmd[1:]...)
		cmd := exec.CommandContext(ctx, base, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			errs <- err
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			errs <- err
			return
		}
		if err := cmd.Start(); err != nil {
			errs <- err
			return
		}

		fail := func(err error) {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			errs <- err
		}

		if _, err := stdin.Write(data); err != nil {
			fail(err)
			return
		}
		stdin.Close()

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		sequence := 0
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			var resp execResponse
			if err := json.Unmarshal(line, &resp); err != nil {
				fail(fmt.Errorf("decode tts response: %w", err))
				return
			}
			if resp.Error != "" {
				fail(fmt.Errorf("tts command: %s", resp.Error))
				return
			}
			pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
			if err != nil {
				fail(fmt.Errorf("decode tts pcm: %w", err))
				return
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				PCM:        pcm,
				Final:      resp.Final,
			}
			select {
			case schunks <- chunk:
			case <-ctx.Done():
				fail(ctx.Err())
				return
			}
			sequence++
		}
		scanErr := scanner.Err()
		err = cmd.Wait()
		if ctxErr := ctx.Err(); ctxErr != nil {
			errs <- ctxErr
			return
		}
		if err != nil {
			errs <- fmt.Errorf("tts command failed: %w", err)
			return
		}
		if scanErr != nil {
			errs <- scanErr
		}
	}()
	return schunks, errs
}
