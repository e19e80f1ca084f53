package stt

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// transcriber buffers one utterance and schedules recognizer runs: interim
// passes at most every PartialEveryMS with one in flight, then a single final
// pass over the whole buffer once finish is called.
type transcriber struct {
	ctx        context.Context
	recognizer Recognizer
	cfg        config.STTConfig
	language   string
	log        *slog.Logger

	// onPartial and onFinal run on recognizer goroutines, one at a time.
	onPartial func(TranscriptResult)
	onFinal   func(TranscriptResult, error)

	mu           sync.Mutex
	buffer       []byte
	sampleRate   int
	channels     int
	lastPartial  time.Time
	inflight     bool
	pendingFinal bool
	finished     bool
	wg           sync.WaitGroup
}

func newTranscriber(ctx context.Context, recognizer Recognizer, cfg config.STTConfig, language string, log *slog.Logger) *transcriber {
	return &transcriber{
		ctx:        ctx,
		recognizer: recognizer,
		cfg:        cfg,
		language:   language,
		log:        log,
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		onPartial:  func(TranscriptResult) {},
		onFinal:    func(TranscriptResult, error) {},
	}
}

// append adds PCM and starts an interim pass when one is due.
func (t *transcriber) append(pcm []byte, sampleRate, channels int) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.buffer = append(t.buffer, pcm...)
	if sampleRate > 0 {
		t.sampleRate = sampleRate
	}
	if channels > 0 {
		t.channels = channels
	}
	due := t.partialDueLocked()
	t.mu.Unlock()

	if due {
		t.schedule(false)
	}
}

func (t *transcriber) partialDueLocked() bool {
	if !t.cfg.PublishInterim || t.inflight {
		return false
	}
	if t.lastPartial.IsZero() {
		t.lastPartial = time.Now()
		return true
	}
	interval := time.Duration(t.cfg.PartialEveryMS) * time.Millisecond
	if interval <= 0 {
		return false
	}
	if time.Since(t.lastPartial) >= interval {
		t.lastPartial = time.Now()
		return true
	}
	return false
}

func (t *transcriber) setLanguage(language string) {
	t.mu.Lock()
	t.language = language
	t.mu.Unlock()
}

// finish requests the final pass. Later calls are ignored.
func (t *transcriber) finish() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	t.mu.Unlock()
	t.schedule(true)
}

func (t *transcriber) schedule(final bool) {
	t.mu.Lock()
	if t.inflight {
		if final {
			t.pendingFinal = true
		}
		t.mu.Unlock()
		return
	}
	req := Request{
		PCM:        append([]byte(nil), t.buffer...),
		SampleRate: t.sampleRate,
		Channels:   t.channels,
		Language:   t.language,
		Final:      final,
	}
	t.inflight = true
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		timeout := time.Duration(t.cfg.TimeoutMS) * time.Millisecond
		if timeout <= 0 {
			timeout = 45 * time.Second
		}
		var result TranscriptResult
		var err error
		if len(req.PCM) > 0 {
			ctx, cancel := context.WithTimeout(t.ctx, timeout)
			result, err = t.recognizer.Transcribe(ctx, req)
			cancel()
		}

		if final {
			t.onFinal(result, err)
		} else if err != nil {
			t.log.Warn("interim transcription failed", slogError(err))
		} else if result.Text != "" {
			t.onPartial(result)
		}

		t.mu.Lock()
		t.inflight = false
		pendingFinal := t.pendingFinal && !final
		t.pendingFinal = false
		if !final {
			t.lastPartial = time.Now()
		}
		t.mu.Unlock()

		if pendingFinal {
			t.schedule(true)
		}
	}()
}

// wait blocks until no recognizer pass is running.
func (t *transcriber) wait() {
	t.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
