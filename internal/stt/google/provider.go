// Package google recognizes speech with Google Cloud Speech-to-Text
// streaming recognition.
package google

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/google/uuid"
	"google.golang.org/api/option"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/voice"
)

type openFunc func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// Provider opens one single-utterance streaming recognition per session.
type Provider struct {
	ctx    context.Context
	open   openFunc
	client *speech.Client
	source audio.Source
	stt    config.STTConfig
	model  string
	log    *slog.Logger
}

// New dials Google using cfg.CredentialsFile, or application default
// credentials when it is empty.
func New(ctx context.Context, cfg config.GoogleConfig, sttCfg config.STTConfig, source audio.Source, log *slog.Logger) (*Provider, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	p := newProvider(ctx, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return client.StreamingRecognize(ctx)
	}, source, sttCfg, cfg.Model, log)
	p.client = client
	return p, nil
}

func newProvider(ctx context.Context, open openFunc, source audio.Source, sttCfg config.STTConfig, model string, log *slog.Logger) *Provider {
	return &Provider{
		ctx:    ctx,
		open:   open,
		source: source,
		stt:    sttCfg,
		model:  model,
		log:    log.With(slog.String("component", "stt-google")),
	}
}

func (p *Provider) Available() bool {
	return p.open != nil && p.source != nil
}

// Close releases the underlying gRPC connection.
func (p *Provider) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}

func (p *Provider) NewRecognition(language string) (voice.Recognition, error) {
	id := uuid.NewString()
	return &recognition{
		provider: p,
		id:       id,
		language: language,
		log:      p.log.With(slog.String("stream", id)),
		stopSend: make(chan struct{}),
	}, nil
}

type recognition struct {
	voice.Emitter

	provider *Provider
	id       string
	language string
	log      *slog.Logger

	stopOnce sync.Once
	stopSend chan struct{}
}

func (r *recognition) Begin() error {
	ctx, cancel := context.WithCancel(r.provider.ctx)
	stream, err := r.provider.open(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("open streaming recognize: %w", err)
	}
	if err := stream.Send(r.streamingConfig()); err != nil {
		cancel()
		return fmt.Errorf("send streaming config: %w", err)
	}
	frames, err := r.provider.source.Open(ctx, r.id)
	if err != nil {
		_ = stream.CloseSend()
		cancel()
		return fmt.Errorf("open audio: %w", err)
	}

	go r.pump(ctx, stream, frames)
	go r.receive(stream, cancel)
	return nil
}

func (r *recognition) streamingConfig() *speechpb.StreamingRecognizeRequest {
	cfg := r.provider.stt
	return &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
			StreamingConfig: &speechpb.StreamingRecognitionConfig{
				Config: &speechpb.RecognitionConfig{
					Encoding:          speechpb.RecognitionConfig_LINEAR16,
					SampleRateHertz:   int32(cfg.SampleRate),
					AudioChannelCount: int32(cfg.Channels),
					LanguageCode:      r.language,
					MaxAlternatives:   1,
					Model:             r.provider.model,
				},
				InterimResults:  true,
				SingleUtterance: true,
			},
		},
	}
}

// pump owns the send side of the stream; CloseSend is only called here.
func (r *recognition) pump(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient, frames <-chan audio.Frame) {
	defer func() {
		if err := stream.CloseSend(); err != nil {
			r.log.Debug("close send failed", slog.String("error", err.Error()))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopSend:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if len(frame.PCM) > 0 {
				err := stream.Send(&speechpb.StreamingRecognizeRequest{
					StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: frame.PCM},
				})
				if err != nil {
					r.log.Warn("send audio failed", slog.String("error", err.Error()))
					return
				}
			}
			if frame.Final {
				return
			}
		}
	}
}

func (r *recognition) receive(stream speechpb.Speech_StreamingRecognizeClient, cancel context.CancelFunc) {
	defer cancel()
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			r.EmitEnd()
			return
		}
		if err != nil {
			r.EmitError(err)
			return
		}
		if st := resp.GetError(); st != nil && st.GetCode() != 0 {
			r.EmitError(fmt.Errorf("speech error %d: %s", st.GetCode(), st.GetMessage()))
			return
		}
		if resp.GetSpeechEventType() == speechpb.StreamingRecognizeResponse_END_OF_SINGLE_UTTERANCE {
			r.closeSend()
		}
		if result, ok := toResult(resp); ok {
			r.EmitResult(result)
		}
	}
}

func toResult(resp *speechpb.StreamingRecognizeResponse) (voice.Result, bool) {
	var segments []voice.Segment
	for _, res := range resp.GetResults() {
		alts := res.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		segments = append(segments, voice.Segment{Transcript: alts[0].GetTranscript(), Final: res.GetIsFinal()})
	}
	return voice.Result{Segments: segments}, len(segments) > 0
}

func (r *recognition) closeSend() {
	r.stopOnce.Do(func() { close(r.stopSend) })
}

// Halt half-closes the stream; Google answers with any pending final
// result and then EOF.
func (r *recognition) Halt() error {
	r.closeSend()
	return nil
}
