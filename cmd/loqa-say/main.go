package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-playback/internal/bus"
	"github.com/loqalabs/loqa-playback/internal/config"
	"github.com/loqalabs/loqa-playback/internal/protocol"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

type options struct {
	servers string
	prefix  string
	timeout time.Duration
}

func (o *options) register(fs *flag.FlagSet) {
	fs.StringVar(&o.servers, "servers", nats.DefaultURL, "Comma separated NATS server URLs")
	fs.StringVar(&o.prefix, "prefix", protocol.DefaultSubjectPrefix, "Control subject prefix")
	fs.DurationVar(&o.timeout, "timeout", 30*time.Second, "How long to wait for the session to end")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'speak', 'stop', 'pause', 'resume' or 'version'")
		os.Exit(2)
	}

	var opts options
	switch os.Args[1] {
	case "speak":
		var req protocol.SpeakRequest
		speakCmd := flag.NewFlagSet("speak", flag.ExitOnError)
		opts.register(speakCmd)
		speakCmd.StringVar(&req.Voice, "voice", "", "Voice name")
		speakCmd.StringVar(&req.Language, "language", "", "Language tag")
		speakCmd.StringVar(&req.Style, "style", "", "Speaking style")
		speakCmd.Float64Var(&req.Rate, "rate", 0, "Speaking rate multiplier")
		speakCmd.Parse(os.Args[2:])
		req.Text = strings.Join(speakCmd.Args(), " ")
		if err := runSpeak(opts, req); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "stop", "pause", "resume":
		cmd := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
		opts.register(cmd)
		cmd.Parse(os.Args[2:])
		if err := runAck(opts, os.Args[1]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func connect(ctx context.Context, opts options) (*bus.Client, error) {
	cfg := config.BusConfig{
		Servers:        strings.Split(opts.servers, ","),
		ConnectTimeout: 2000,
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, cfg, "loqa-say", log)
}

// runSpeak submits text and prints events until the session ends.
func runSpeak(opts options, req protocol.SpeakRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return errors.New("nothing to say")
	}
	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()
	subjects := protocol.NewSubjects(opts.prefix)

	// Subscribe first so the started event cannot be missed.
	msgs := make(chan *nats.Msg, 256)
	sub, err := client.Conn().ChanSubscribe(subjects.Events(), msgs)
	if err != nil {
		return fmt.Errorf("subscribe events: %w", err)
	}
	defer sub.Unsubscribe()

	req.RequestID = uuid.NewString()
	var reply protocol.SpeakReply
	if err := client.RequestJSON(ctx, subjects.Speak(), req, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("speak rejected: %s", reply.Error)
	}
	fmt.Printf("session %d\n", reply.SessionID)

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for session %d: %w", reply.SessionID, ctx.Err())
		case msg := <-msgs:
			var evt protocol.PlaybackEvent
			if err := json.Unmarshal(msg.Data, &evt); err != nil || evt.SessionID != reply.SessionID {
				continue
			}
			if evt.Kind == "chunk" {
				continue
			}
			line := evt.Kind
			if evt.Reason != "" {
				line += ": " + evt.Reason
			}
			if evt.Total > 0 {
				line += fmt.Sprintf(" (%d bytes)", evt.Total)
			}
			fmt.Println(line)
			if evt.Terminal() {
				if evt.Kind == "failed" {
					return fmt.Errorf("session %d failed", evt.SessionID)
				}
				return nil
			}
		}
	}
}

func runAck(opts options, action string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := connect(ctx, opts)
	if err != nil {
		return err
	}
	defer client.Close()
	subjects := protocol.NewSubjects(opts.prefix)

	subject := map[string]string{
		"stop":   subjects.Stop(),
		"pause":  subjects.Pause(),
		"resume": subjects.Resume(),
	}[action]
	var ack protocol.Ack
	if err := client.RequestJSON(ctx, subject, struct{}{}, &ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%s not acknowledged", action)
	}
	return nil
}
