package tts

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"
)

// AzureOptions configures the Azure Speech REST backend.
type AzureOptions struct {
	Region          string
	Endpoint        string // overrides the region-derived endpoint
	SubscriptionKey string
	DefaultVoice    string
	DefaultLanguage string
	SampleRate      int
	ChunkBytes      int
	Timeout         time.Duration
	Catalog         Catalog
	Client          *http.Client
}

type azureSynth struct {
	endpoint     string
	key          string
	voice        string
	language     string
	sampleRate   int
	outputFormat string
	chunkBytes   int
	timeout      time.Duration
	catalog      Catalog
	client       *http.Client
	logger       *slog.Logger
}

var azureFormats = map[int]string{
	8000:  "raw-8khz-16bit-mono-pcm",
	16000: "raw-16khz-16bit-mono-pcm",
	22050: "raw-22050hz-16bit-mono-pcm",
	24000: "raw-24khz-16bit-mono-pcm",
	44100: "raw-44100hz-16bit-mono-pcm",
	48000: "raw-48khz-16bit-mono-pcm",
}

func NewAzureSynth(opts AzureOptions, logger *slog.Logger) (Synthesizer, error) {
	if opts.SubscriptionKey == "" {
		return nil, errors.New("azure subscription key empty")
	}
	endpoint := strings.TrimRight(opts.Endpoint, "/")
	if endpoint == "" {
		if opts.Region == "" {
			return nil, errors.New("azure region or endpoint required")
		}
		endpoint = fmt.Sprintf("https://%s.tts.speech.microsoft.com", opts.Region)
	}
	format, ok := azureFormats[opts.SampleRate]
	if !ok {
		return nil, fmt.Errorf("azure tts does not stream raw pcm at %d Hz", opts.SampleRate)
	}
	chunkBytes := opts.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 4800
	}
	client := opts.Client
	if client == nil {
		client = http.DefaultClient
	}
	return &azureSynth{
		endpoint:     endpoint + "/cognitiveservices/v1",
		key:          opts.SubscriptionKey,
		voice:        opts.DefaultVoice,
		language:     opts.DefaultLanguage,
		sampleRate:   opts.SampleRate,
		outputFormat: format,
		chunkBytes:   chunkBytes - chunkBytes%2,
		timeout:      opts.Timeout,
		catalog:      opts.Catalog,
		client:       client,
		logger:       logger.With(slog.String("component", "tts-azure")),
	}, nil
}

func (a *azureSynth) Validate(req SynthRequest) error {
	return a.catalog.Validate(req)
}

func (a *azureSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := a.stream(ctx, req, chunks); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			errs <- err
		}
	}()
	return chunks, errs
}

func (a *azureSynth) stream(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	reqCtx := ctx
	if a.timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	body, err := a.ssml(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/ssml+xml")
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", a.key)
	httpReq.Header.Set("X-Microsoft-OutputFormat", a.outputFormat)
	httpReq.Header.Set("User-Agent", "loqa-playback")

	started := time.Now()
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("azure tts request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if len(bytes.TrimSpace(detail)) > 0 {
			return fmt.Errorf("azure tts returned status %s: %s", resp.Status, bytes.TrimSpace(detail))
		}
		return fmt.Errorf("azure tts returned status %s", resp.Status)
	}

	sequence := 0
	for {
		buf := make([]byte, a.chunkBytes)
		n, readErr := io.ReadFull(resp.Body, buf)
		if n > 0 {
			if sequence == 0 {
				a.logger.Debug("first audio byte", slog.Duration("latency", time.Since(started)))
			}
			chunk := SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   sequence,
				SampleRate: a.sampleRate,
				Channels:   1,
				PCM:        buf[:n],
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return ctx.Err()
			}
			sequence++
		}
		switch {
		case readErr == nil:
			continue
		case errors.Is(readErr, io.EOF), errors.Is(readErr, io.ErrUnexpectedEOF):
			return nil
		default:
			return fmt.Errorf("azure tts stream: %w", readErr)
		}
	}
}

func (a *azureSynth) ssml(req SynthRequest) ([]byte, error) {
	voice := req.Voice
	if voice == "" {
		voice = a.voice
	}
	if voice == "" {
		return nil, fmt.Errorf("%w: no voice configured", ErrUnsupportedVoice)
	}
	language := req.Language
	if language == "" {
		language = a.language
	}
	if language == "" {
		language = "en-US"
	}

	var text bytes.Buffer
	if err := xml.EscapeText(&text, []byte(req.Text)); err != nil {
		return nil, err
	}
	inner := text.String()
	if req.Rate != 0 && req.Rate != 1 {
		inner = fmt.Sprintf("<prosody rate='%+d%%'>%s</prosody>", int(math.Round((req.Rate-1)*100)), inner)
	}
	if req.Style != "" {
		inner = fmt.Sprintf("<mstts:express-as style='%s'>%s</mstts:express-as>", xmlAttr(req.Style), inner)
	}

	var doc bytes.Buffer
	fmt.Fprintf(&doc, "<speak version='1.0' xml:lang='%s' xmlns='http://www.w3.org/2001/10/synthesis' xmlns:mstts='https://www.w3.org/2001/mstts'>", xmlAttr(language))
	fmt.Fprintf(&doc, "<voice name='%s'>%s</voice></speak>", xmlAttr(voice), inner)
	return doc.Bytes(), nil
}

func xmlAttr(value string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(value))
	return buf.String()
}
