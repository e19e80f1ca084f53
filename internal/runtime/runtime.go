package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/audio"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capability"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/control"
	"github.com/loqalabs/loqa-voice/internal/events"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/remote"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/stt/google"
	"github.com/loqalabs/loqa-voice/internal/voice"
	"github.com/nats-io/nats.go"
)

const pruneInterval = time.Hour

// Hooks lets a front end observe the voice stack it is embedded in.
type Hooks struct {
	// Sinks receive every voice event alongside the configured ones.
	Sinks []events.Sink
	// OnScore is called for each interview.score report on the bus.
	OnScore func(protocol.ScoreReport)
}

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	telemetry     *telemetry
	ready         atomic.Bool
	wg            sync.WaitGroup

	cancel     context.CancelFunc
	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	store      *eventstore.Store
	registry   *capability.Registry
	sttService *stt.Service
	controller *voice.Controller
	bridge     *events.Bridge
	control    *control.Service
	scoreSub   *nats.Subscription
	closers    []func() error
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Controller is the session controller built by Build.
func (r *Runtime) Controller() *voice.Controller {
	return r.controller
}

// Build wires the bus, storage, capability and voice components. Close
// releases whatever Build managed to create, including on error.
func (r *Runtime) Build(ctx context.Context, hooks Hooks) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if r.cfg.Bus.Enabled {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store
	if store.Enabled() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			store.RunPruner(ctx, pruneInterval)
		}()
	}

	if r.bus != nil {
		if err := r.startCapabilities(ctx); err != nil {
			return err
		}
	}

	provider, err := r.buildProvider(ctx)
	if err != nil {
		return fmt.Errorf("build %s provider: %w", r.cfg.Voice.Provider, err)
	}

	r.controller = voice.NewController(provider, r.logger)
	r.bridge = events.NewBridge(r.controller, r.logger, append(r.sinks(), hooks.Sinks...)...)
	r.controller.Configure(r.bridge.Wrap(voice.Options{
		Language: r.cfg.Voice.Language,
		OnFinal: func(text string) {
			r.logger.Info("final transcript", slog.String("session", r.bridge.SessionID()), slog.Int("chars", len(text)))
		},
	}))

	if r.bus == nil {
		return nil
	}

	r.control = control.NewService(r.bus, r.controller, r.bridge, r.logger)
	if err := r.control.Start(); err != nil {
		return fmt.Errorf("start voice control: %w", err)
	}

	onScore := hooks.OnScore
	if onScore == nil {
		onScore = func(report protocol.ScoreReport) {
			r.logger.Info("interview score received", slog.String("session", report.SessionID), slog.String("score", formatScore(report.Score)))
		}
	}
	r.scoreSub, err = events.SubscribeScores(r.bus, r.logger, onScore)
	if err != nil {
		return fmt.Errorf("subscribe scores: %w", err)
	}
	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	return nil
}

func (r *Runtime) startCapabilities(ctx context.Context) error {
	nodeCfg := r.cfg.Node
	if r.cfg.STT.ServeBus {
		recognizer, err := stt.NewRecognizer(r.cfg.STT)
		if err != nil {
			return fmt.Errorf("create recognizer: %w", err)
		}
		r.sttService = stt.NewService(ctx, r.cfg.STT, r.bus, recognizer, r.logger)
		if err := r.sttService.Start(); err != nil {
			return fmt.Errorf("start stt service: %w", err)
		}
		if !advertises(nodeCfg, r.cfg.Remote.Capability) {
			nodeCfg.Capabilities = append(append([]config.NodeCapability(nil), nodeCfg.Capabilities...),
				config.NodeCapability{Name: r.cfg.Remote.Capability, Tier: "balanced"})
		}
	}

	registry, err := capability.NewRegistry(ctx, nodeCfg, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) buildProvider(ctx context.Context) (voice.Provider, error) {
	log := r.logger
	switch r.cfg.Voice.Provider {
	case "none":
		return nil, nil
	case "scripted":
		return stt.NewScriptedProvider(ctx, nil, 0, log), nil
	case "remote":
		if r.registry == nil {
			return nil, errors.New("remote provider requires the bus")
		}
		waitFor := time.Duration(r.cfg.Node.HeartbeatTimeout) * time.Millisecond
		if !r.registry.WaitFor(ctx, r.cfg.Remote.Capability, waitFor) {
			log.Warn("no node advertises the remote capability", slog.String("capability", r.cfg.Remote.Capability))
		}
		var source audio.Source
		if r.cfg.Voice.AudioSource == "wav" && r.cfg.Voice.WAVPath != "" {
			source = r.wavSource()
		}
		return remote.New(ctx, r.bus, r.registry, source, r.cfg.Remote, log), nil
	}

	source, err := r.audioSource()
	if err != nil {
		return nil, err
	}
	switch r.cfg.Voice.Provider {
	case "mock":
		return stt.NewProvider(ctx, stt.NewMockRecognizer(), source, r.cfg.STT, log), nil
	case "exec":
		recognizer, err := stt.NewExecRecognizer(r.cfg.STT)
		if err != nil {
			return nil, err
		}
		return stt.NewProvider(ctx, recognizer, source, r.cfg.STT, log), nil
	case "google":
		provider, err := google.New(ctx, r.cfg.Google, r.cfg.STT, source, log)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, provider.Close)
		return provider, nil
	}
	return nil, fmt.Errorf("unknown voice provider %q", r.cfg.Voice.Provider)
}

func (r *Runtime) audioSource() (audio.Source, error) {
	if r.cfg.Voice.AudioSource == "wav" {
		return r.wavSource(), nil
	}
	if r.bus == nil {
		return nil, errors.New("bus audio source requires the bus")
	}
	return audio.NewBusSource(r.bus, r.logger), nil
}

func (r *Runtime) wavSource() *audio.WAVSource {
	return &audio.WAVSource{
		Path:          r.cfg.Voice.WAVPath,
		FrameDuration: time.Duration(r.cfg.STT.FrameDurationMS) * time.Millisecond,
		Pace:          true,
	}
}

func (r *Runtime) sinks() []events.Sink {
	var sinks []events.Sink
	if r.cfg.Events.NATS && r.bus != nil {
		sinks = append(sinks, events.NewNATSSink(r.bus))
	}
	if r.cfg.Events.Store && r.store.Enabled() {
		sinks = append(sinks, events.NewStoreSink(r.store, r.logger))
	}
	if r.cfg.Events.Kafka.Enabled {
		sinks = append(sinks, events.NewKafkaSink(r.cfg.Events.Kafka, r.cfg.Node.ID, r.logger))
	}
	return sinks
}

// Start builds the runtime, serves HTTP and blocks until ctx is done.
func (r *Runtime) Start(ctx context.Context) error {
	tel, err := newTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.Build(ctx, Hooks{}); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return errors.Join(err, r.Close(shutdownCtx))
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", r.telemetry.handler())
		r.metricsServer = &http.Server{
			Addr:              bind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("provider", r.cfg.Voice.Provider),
		slog.Bool("voice_available", r.controller.Available()))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return r.Close(shutdownCtx)
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

// Close stops the active session and tears components down in reverse
// order of construction.
func (r *Runtime) Close(ctx context.Context) error {
	r.ready.Store(false)
	var errs []error

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if r.controller != nil {
		r.controller.Stop()
	}
	if r.scoreSub != nil {
		if err := r.scoreSub.Unsubscribe(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe scores: %w", err))
		}
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.sttService != nil {
		r.sttService.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bridge != nil {
		r.bridge.Close()
	}
	for _, closeFn := range r.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	if r.store != nil {
		if err := r.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close event store: %w", err))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.telemetry != nil {
		if err := r.telemetry.shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Handler serves health, readiness, status and, when telemetry is set up,
// metrics.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if r.telemetry != nil {
		mux.Handle("/metrics", r.telemetry.handler())
	}
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type statusResponse struct {
	Provider  string `json:"provider"`
	Available bool   `json:"available"`
	Active    bool   `json:"active"`
	State     string `json:"state"`
	Session   string `json:"session,omitempty"`
	Language  string `json:"language"`
	LastStop  string `json:"last_stop,omitempty"`
	Bus       bool   `json:"bus"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if r.controller == nil {
		http.Error(w, "not built", http.StatusServiceUnavailable)
		return
	}
	snap := r.controller.Snapshot()
	resp := statusResponse{
		Provider:  r.cfg.Voice.Provider,
		Available: r.controller.Available(),
		Active:    r.controller.IsActive(),
		State:     snap.State.String(),
		Session:   r.bridge.SessionID(),
		Language:  snap.Language,
		LastStop:  string(snap.LastStop),
		Bus:       r.bus != nil && r.bus.Healthy(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func advertises(node config.NodeConfig, name string) bool {
	for _, c := range node.Capabilities {
		if c.Name == name {
			return true
		}
	}
	return false
}

func formatScore(score *float64) string {
	if score == nil {
		return "-"
	}
	return fmt.Sprintf("%g", *score)
}
