// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package driver implements the model driver: a state machine that owns the
// worker process lifecycle and exposes initialize, generate, validate and
// ping operations over the line protocol.
//
// Every Driver instance is a single logical thread of control: operations
// are delivered to one mailbox goroutine and processed strictly one at a
// time, in arrival order. That discipline is what keeps the state machine
// safe without locks around the protocol exchange.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/lingua/internal/model"
	"github.com/jeranaias/lingua/internal/protocol"
	"github.com/jeranaias/lingua/internal/worker"
)

// =============================================================================
// STATE TYPE
// =============================================================================

// State is the driver lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateStartingWorker
	StateLoadingModel
	StateReady
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateStartingWorker:
		return "StartingWorker"
	case StateLoadingModel:
		return "LoadingModel"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// Config holds driver configuration.
type Config struct {
	// Runtime is the worker interpreter (default: "python3").
	Runtime string

	// Script is the worker script path (default: "llm_server_py.py").
	Script string

	// ModelID is the model identifier passed to the worker.
	ModelID string

	// MaxTokens is the generation token budget (default: 256).
	MaxTokens int

	// Temperature is the generation temperature (default: 0.7).
	Temperature float64

	// ValidationMaxTokens bounds validation probe replies (default: 50).
	ValidationMaxTokens int

	// ValidationTemperature keeps validation answers consistent (default: 0.1).
	ValidationTemperature float64

	// StartupTimeout bounds the READY handshake wait (default: 60s).
	StartupTimeout time.Duration

	// ReadTimeout bounds each protocol read (default: 120s, 0 = none).
	ReadTimeout time.Duration

	// ShutdownTimeout bounds the graceful-exit wait (default: 5s).
	ShutdownTimeout time.Duration

	// RestartBudget is the lifetime burst of automatic restarts (default: 3).
	RestartBudget int

	// RestartInterval is how often one restart token is regained
	// (default: 5m).
	RestartInterval time.Duration

	// Sink receives worker stderr diagnostics (default: slog-backed).
	Sink worker.DiagnosticSink

	// Logger for driver lifecycle events (default: slog.Default()).
	Logger *slog.Logger
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() *Config {
	return &Config{
		Runtime:               "python3",
		Script:                "llm_server_py.py",
		ModelID:               "Qwen/Qwen2.5-3B-Instruct",
		MaxTokens:             256,
		Temperature:           0.7,
		ValidationMaxTokens:   50,
		ValidationTemperature: 0.1,
		StartupTimeout:        60 * time.Second,
		ReadTimeout:           120 * time.Second,
		ShutdownTimeout:       5 * time.Second,
		RestartBudget:         3,
		RestartInterval:       5 * time.Minute,
	}
}

func (c *Config) fillDefaults() {
	d := DefaultConfig()
	if c.Runtime == "" {
		c.Runtime = d.Runtime
	}
	if c.Script == "" {
		c.Script = d.Script
	}
	if c.ModelID == "" {
		c.ModelID = d.ModelID
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = d.MaxTokens
	}
	if c.Temperature == 0 {
		c.Temperature = d.Temperature
	}
	if c.ValidationMaxTokens == 0 {
		c.ValidationMaxTokens = d.ValidationMaxTokens
	}
	if c.ValidationTemperature == 0 {
		c.ValidationTemperature = d.ValidationTemperature
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = d.StartupTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.RestartBudget == 0 {
		c.RestartBudget = d.RestartBudget
	}
	if c.RestartInterval == 0 {
		c.RestartInterval = d.RestartInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// verifyPrompt is the fixed verification probe issued once after loading.
const (
	verifyPrompt    = "Hello"
	verifyMaxTokens = 5
)

// =============================================================================
// MAILBOX MESSAGES
// =============================================================================

type opKind int

const (
	opInitialize opKind = iota
	opGenerate
	opValidate
	opPing
	opTune
	opShutdown
)

type request struct {
	op   opKind
	ctx  context.Context
	gen  model.GenerationRequest
	lang string
	tune tuneParams

	// reply is buffered with capacity 1 so the mailbox loop never blocks on
	// delivery. nil for fire-and-forget self-initialization.
	reply chan result
}

type result struct {
	text       string
	validation model.ValidationResult
	ping       protocol.TestResult
	err        error
}

// tuneParams carries a live update of the generation parameters.
type tuneParams struct {
	maxTokens   int
	temperature float64
}

// =============================================================================
// DRIVER
// =============================================================================

// Driver drives one worker process. Construct with New; all methods are safe
// for concurrent use and are serialized through the driver's mailbox.
type Driver struct {
	cfg    *Config
	logger *slog.Logger

	mailbox chan request
	done    chan struct{}

	// Mailbox-goroutine state. Only the run loop touches these.
	handle    *worker.Handle
	restarted bool
	limiter   *rate.Limiter

	// state is observable from other goroutines.
	stateMu   sync.RWMutex
	state     State
	stateHook func(from, to State)
}

// New creates a driver and starts its mailbox goroutine. Initialization is
// self-triggered: the first message the driver processes is its own
// initialize, exactly as if a caller had requested it.
func New(cfg *Config) *Driver {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.fillDefaults()

	d := &Driver{
		cfg:     cfg,
		logger:  cfg.Logger,
		mailbox: make(chan request, 16),
		done:    make(chan struct{}),
		state:   StateUninitialized,
		limiter: rate.NewLimiter(rate.Every(cfg.RestartInterval), cfg.RestartBudget),
	}

	d.mailbox <- request{op: opInitialize, ctx: context.Background()}
	go d.run()
	return d
}

// SetStateHook installs an observer invoked on every state transition, from
// the mailbox goroutine. Intended for tests and status displays.
func (d *Driver) SetStateHook(fn func(from, to State)) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.stateHook = fn
}

// State returns the current driver state.
func (d *Driver) State() State {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

func (d *Driver) setState(s State) {
	d.stateMu.Lock()
	from := d.state
	d.state = s
	hook := d.stateHook
	d.stateMu.Unlock()

	if hook != nil && from != s {
		hook(from, s)
	}
}

// =============================================================================
// PUBLIC OPERATIONS
// =============================================================================

// Initialize brings the driver to Ready. It is idempotent: calling it while
// not Uninitialized logs and returns without side effects.
func (d *Driver) Initialize(ctx context.Context) error {
	res, err := d.send(ctx, request{op: opInitialize, ctx: ctx, reply: make(chan result, 1)})
	if err != nil {
		return err
	}
	return res.err
}

// Generate performs one synchronous generation exchange with the worker.
func (d *Driver) Generate(ctx context.Context, req model.GenerationRequest) (string, error) {
	res, err := d.send(ctx, request{op: opGenerate, ctx: ctx, gen: req, reply: make(chan result, 1)})
	if err != nil {
		return "", err
	}
	return res.text, res.err
}

// ValidateLanguage asks the worker whether it can converse in the given
// language and classifies the reply. Ambiguous replies are conservatively
// classified as invalid.
func (d *Driver) ValidateLanguage(ctx context.Context, language string) (model.ValidationResult, error) {
	res, err := d.send(ctx, request{op: opValidate, ctx: ctx, lang: language, reply: make(chan result, 1)})
	if err != nil {
		return model.ValidationResult{Language: language}, err
	}
	return res.validation, res.err
}

// Ping issues the worker's health probe and reports whether a model is
// loaded.
func (d *Driver) Ping(ctx context.Context) (protocol.TestResult, error) {
	res, err := d.send(ctx, request{op: opPing, ctx: ctx, reply: make(chan result, 1)})
	if err != nil {
		return protocol.TestResult{}, err
	}
	return res.ping, res.err
}

// Tune updates the generation parameters used for subsequent exchanges.
// Values outside their valid range are ignored. The update is serialized
// through the mailbox, so in-flight exchanges keep their original settings.
func (d *Driver) Tune(ctx context.Context, maxTokens int, temperature float64) error {
	p := tuneParams{maxTokens: maxTokens, temperature: temperature}
	_, err := d.send(ctx, request{op: opTune, ctx: ctx, tune: p, reply: make(chan result, 1)})
	return err
}

// Shutdown terminates the worker (gracefully, then by force on timeout) and
// stops the mailbox goroutine. The driver is terminal afterwards.
func (d *Driver) Shutdown(ctx context.Context) error {
	res, err := d.send(ctx, request{op: opShutdown, ctx: ctx, reply: make(chan result, 1)})
	if err != nil {
		return err
	}
	return res.err
}

// send enqueues a request and waits for its reply.
func (d *Driver) send(ctx context.Context, req request) (result, error) {
	select {
	case d.mailbox <- req:
	case <-d.done:
		return result{}, ErrClosed
	case <-ctx.Done():
		return result{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res, nil
	case <-d.done:
		return result{}, ErrClosed
	}
}

// =============================================================================
// MAILBOX LOOP
// =============================================================================

func (d *Driver) run() {
	for {
		select {
		case req := <-d.mailbox:
			res := d.handleRequest(req)
			if req.reply != nil {
				req.reply <- res
			}
			if req.op == opShutdown {
				close(d.done)
				return
			}
		case <-d.done:
			return
		}
	}
}

func (d *Driver) handleRequest(req request) result {
	switch req.op {
	case opInitialize:
		return result{err: d.initialize(req.ctx)}
	case opGenerate:
		text, err := d.generate(req.ctx, req.gen)
		return result{text: text, err: err}
	case opValidate:
		v, err := d.validateLanguage(req.ctx, req.lang)
		return result{validation: v, err: err}
	case opPing:
		p, err := d.ping(req.ctx)
		return result{ping: p, err: err}
	case opTune:
		d.tune(req.tune)
		return result{}
	case opShutdown:
		return result{err: d.shutdown()}
	default:
		return result{err: &Error{Type: ErrTypeUnknown, Message: fmt.Sprintf("unknown operation %d", req.op)}}
	}
}

// =============================================================================
// INITIALIZATION SEQUENCE
// =============================================================================

// initialize runs the spawn → handshake → load → verify sequence. All state
// transitions happen on the mailbox goroutine.
func (d *Driver) initialize(ctx context.Context) error {
	if d.State() != StateUninitialized {
		d.logger.Warn("initialize requested but driver already initialized", "state", d.State().String())
		return nil
	}

	d.logger.Info("starting initialization sequence", "script", d.cfg.Script, "model", d.cfg.ModelID)

	d.setState(StateStartingWorker)
	h, err := worker.Spawn(worker.SpawnConfig{
		Runtime:     d.cfg.Runtime,
		Script:      d.cfg.Script,
		ModelID:     d.cfg.ModelID,
		ReadTimeout: d.cfg.ReadTimeout,
		Sink:        d.cfg.Sink,
		Logger:      d.logger,
	})
	if err != nil {
		d.setState(StateFailed)
		return &Error{Type: ErrTypeSpawn, Message: "failed to start worker", Cause: err}
	}
	d.handle = h

	if err := d.awaitHandshake(ctx); err != nil {
		d.fail()
		return err
	}

	d.setState(StateLoadingModel)
	if err := d.loadModel(ctx); err != nil {
		d.fail()
		return err
	}

	if err := d.verifyModel(ctx); err != nil {
		d.fail()
		return err
	}

	d.setState(StateReady)
	d.logger.Info("model ready", "model", d.cfg.ModelID)
	return nil
}

// awaitHandshake waits for the READY line, which must be the very first
// line the worker emits.
func (d *Driver) awaitHandshake(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, d.cfg.StartupTimeout)
	defer cancel()

	line, err := d.handle.ReadLine(hsCtx)
	if err != nil {
		return &Error{Type: ErrTypeHandshake, Message: "worker produced no handshake", Cause: err}
	}
	if err := protocol.CheckHandshake(line); err != nil {
		return &Error{Type: ErrTypeHandshake, Message: "worker failed to start", Cause: err}
	}
	d.logger.Info("worker handshake complete", "pid", d.handle.Pid())
	return nil
}

func (d *Driver) loadModel(ctx context.Context) error {
	d.logger.Info("loading model (this may take a minute)", "model", d.cfg.ModelID)

	line, err := protocol.EncodeLoadModel()
	if err != nil {
		return &Error{Type: ErrTypeLoad, Message: "encoding load_model", Cause: err}
	}
	reply, err := d.exchange(ctx, line)
	if err != nil {
		return &Error{Type: ErrTypeLoad, Message: "load_model exchange failed", Cause: err}
	}
	if err := protocol.DecodeLoadResult(reply); err != nil {
		return &Error{Type: ErrTypeLoad, Message: "failed to load model", Cause: err}
	}
	d.logger.Info("model loaded")
	return nil
}

// verifyModel sends a short fixed probe and requires a reply carrying both
// text and a status before the driver is marked Ready.
func (d *Driver) verifyModel(ctx context.Context) error {
	d.logger.Info("verifying model with test prompt")

	line, err := protocol.EncodeGenerate(protocol.GenerateParams{
		Prompt:    verifyPrompt,
		MaxTokens: verifyMaxTokens,
	})
	if err != nil {
		return &Error{Type: ErrTypeVerify, Message: "encoding verification probe", Cause: err}
	}
	reply, err := d.exchange(ctx, line)
	if err != nil {
		return &Error{Type: ErrTypeVerify, Message: "verification exchange failed", Cause: err}
	}
	res, err := protocol.DecodeGenerateResult(reply)
	if err != nil {
		return &Error{Type: ErrTypeVerify, Message: "verification probe failed", Cause: err}
	}
	if res.Status == "" {
		return &Error{Type: ErrTypeVerify, Message: "verification reply missing status"}
	}
	d.logger.Info("model verification succeeded", "text", res.Text)
	return nil
}

// fail releases the worker handle and marks the driver Failed.
func (d *Driver) fail() {
	d.setState(StateFailed)
	d.releaseHandle()
}

func (d *Driver) releaseHandle() {
	if d.handle == nil {
		return
	}
	_ = d.handle.Terminate(true, d.cfg.ShutdownTimeout)
	d.handle = nil
}

// =============================================================================
// GENERATE / VALIDATE / PING
// =============================================================================

func (d *Driver) generate(ctx context.Context, req model.GenerationRequest) (string, error) {
	if err := d.requireReady(); err != nil {
		return "", err
	}

	line, err := protocol.EncodeGenerate(protocol.GenerateParams{
		Prompt:      req.LatestUser,
		MaxTokens:   d.cfg.MaxTokens,
		Temperature: d.cfg.Temperature,
		TargetLang:  req.TargetLang,
		History:     req.History.Contents(),
	})
	if err != nil {
		return "", &Error{Type: ErrTypeProtocol, Message: "encoding generate request", Cause: err}
	}

	reply, err := d.exchange(ctx, line)
	if err != nil {
		return "", d.classifyExchangeError("generation failed", err)
	}

	res, err := protocol.DecodeGenerateResult(reply)
	if err != nil {
		return "", d.classifyExchangeError("generation failed", err)
	}

	d.restarted = false
	return res.Text, nil
}

func (d *Driver) validateLanguage(ctx context.Context, language string) (model.ValidationResult, error) {
	invalid := model.ValidationResult{Language: language, Valid: false}

	if err := d.requireReady(); err != nil {
		return invalid, err
	}

	prompt := fmt.Sprintf(
		"Can you hold a decent conversation in '%s'? "+
			"Reply ONLY with 'YES' if you can continue the conversation in this language, "+
			"or 'NO: reason' if you cannot.",
		language,
	)

	line, err := protocol.EncodeGenerate(protocol.GenerateParams{
		Prompt:      prompt,
		MaxTokens:   d.cfg.ValidationMaxTokens,
		Temperature: d.cfg.ValidationTemperature,
	})
	if err != nil {
		return invalid, &Error{Type: ErrTypeProtocol, Message: "encoding validation request", Cause: err}
	}

	reply, err := d.exchange(ctx, line)
	if err != nil {
		return invalid, d.classifyExchangeError("language validation failed", err)
	}

	res, err := protocol.DecodeGenerateResult(reply)
	if err != nil {
		return invalid, d.classifyExchangeError("language validation failed", err)
	}

	d.restarted = false
	return ClassifyValidation(language, res.Text), nil
}

func (d *Driver) ping(ctx context.Context) (protocol.TestResult, error) {
	if err := d.requireReady(); err != nil {
		return protocol.TestResult{}, err
	}

	line, err := protocol.EncodeTest()
	if err != nil {
		return protocol.TestResult{}, &Error{Type: ErrTypeProtocol, Message: "encoding test request", Cause: err}
	}
	reply, err := d.exchange(ctx, line)
	if err != nil {
		return protocol.TestResult{}, d.classifyExchangeError("health probe failed", err)
	}
	res, err := protocol.DecodeTestResult(reply)
	if err != nil {
		return protocol.TestResult{}, d.classifyExchangeError("health probe failed", err)
	}
	return res, nil
}

// tune applies a generation-parameter update on the mailbox goroutine.
func (d *Driver) tune(p tuneParams) {
	if p.maxTokens > 0 && p.maxTokens != d.cfg.MaxTokens {
		d.logger.Info("generation max_tokens updated", "from", d.cfg.MaxTokens, "to", p.maxTokens)
		d.cfg.MaxTokens = p.maxTokens
	}
	if p.temperature >= 0 && p.temperature <= 2 && p.temperature != d.cfg.Temperature {
		d.logger.Info("generation temperature updated", "from", d.cfg.Temperature, "to", p.temperature)
		d.cfg.Temperature = p.temperature
	}
}

// requireReady fails fast, without touching the worker streams, when the
// driver is not Ready. When Uninitialized it opportunistically queues its
// own initialization as a side effect.
func (d *Driver) requireReady() error {
	s := d.State()
	if s == StateReady {
		return nil
	}
	if s == StateUninitialized {
		select {
		case d.mailbox <- request{op: opInitialize, ctx: context.Background()}:
			d.logger.Info("driver uninitialized, starting initialization")
		default:
		}
	}
	return &Error{Type: ErrTypeNotReady, Message: "model not ready, current state: " + s.String()}
}

// exchange performs one synchronous write/read protocol exchange.
func (d *Driver) exchange(ctx context.Context, line string) (string, error) {
	if err := d.handle.WriteLine(line); err != nil {
		return "", err
	}
	reply, err := d.handle.ReadLine(ctx)
	if err != nil {
		return "", fmt.Errorf("reading worker reply: %w", err)
	}
	return reply, nil
}

// classifyExchangeError maps a failed exchange to the error taxonomy and, if
// the worker is observed dead, performs crash recovery. Stdout EOF counts as
// death even before the process is reaped, since a healthy worker never
// closes its output mid-conversation.
func (d *Driver) classifyExchangeError(msg string, err error) error {
	if d.handle != nil && (errors.Is(err, io.EOF) || !d.handle.Alive()) {
		d.recoverFromCrash()
		return &Error{Type: ErrTypeWorkerDeath, Message: msg + ": worker process died", Cause: err}
	}

	var werr *protocol.WorkerError
	if errors.As(err, &werr) {
		return &Error{Type: ErrTypeWorker, Message: msg, Cause: err}
	}
	return &Error{Type: ErrTypeProtocol, Message: msg, Cause: err}
}

// recoverFromCrash performs the single-shot automatic restart: the state
// sequence is Ready → Failed → Uninitialized → StartingWorker → …, exactly
// once. A second consecutive worker death is surfaced to the caller as
// terminal, and the lifetime restart budget bounds restarts overall.
func (d *Driver) recoverFromCrash() {
	d.logger.Error("worker process died")
	d.fail()
	d.setState(StateUninitialized)

	if d.restarted {
		d.logger.Error("worker died again before recovering, not restarting")
		return
	}
	if !d.limiter.Allow() {
		d.logger.Error("restart budget exhausted, not restarting")
		return
	}

	d.restarted = true
	d.logger.Info("attempting worker restart")
	if err := d.initialize(context.Background()); err != nil {
		d.logger.Error("worker restart failed", "error", err)
	}
}

// shutdown releases the worker and marks the driver terminal.
func (d *Driver) shutdown() error {
	d.logger.Info("shutting down driver")
	err := error(nil)
	if d.handle != nil {
		err = d.handle.Terminate(true, d.cfg.ShutdownTimeout)
		d.handle = nil
	}
	d.setState(StateUninitialized)
	return err
}

// =============================================================================
// VALIDATION CLASSIFICATION
// =============================================================================

// ClassifyValidation classifies a raw validation reply. A case-insensitive
// "YES" prefix means supported; "NO" means unsupported with the remainder as
// the reason; anything else is conservatively rejected.
func ClassifyValidation(language, reply string) model.ValidationResult {
	text := strings.TrimSpace(reply)
	upper := strings.ToUpper(text)

	switch {
	case strings.HasPrefix(upper, "YES"):
		return model.ValidationResult{Language: language, Valid: true, Reason: "Language supported"}
	case strings.HasPrefix(upper, "NO"):
		reason := ""
		if len(text) > 3 {
			reason = strings.TrimSpace(text[3:])
		}
		if reason == "" {
			reason = "Language not supported"
		}
		return model.ValidationResult{Language: language, Valid: false, Reason: reason}
	default:
		return model.ValidationResult{Language: language, Valid: false, Reason: "Unclear validation response: " + text}
	}
}
