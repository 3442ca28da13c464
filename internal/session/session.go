package session

import (
	"context"
	"errors"
	"fmt"
	"labfuzz/config"
	"labfuzz/internal/checkpoint"
	"labfuzz/internal/crash"
	"labfuzz/internal/request"
	"labfuzz/internal/target"
	"labfuzz/internal/transport"
	"labfuzz/internal/types"
	"labfuzz/pkg/telemetry"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	ErrTargetDown        = errors.New("target did not come back after repeated failures")
	ErrNoRequests        = errors.New("no request connected to the session")
	ErrRequestRegistered = errors.New("request already connected")
)

const (
	defaultCheckpointEvery = 100
	alivePollInterval      = 250 * time.Millisecond
)

// CrashSink receives the failing test cases of a run. The session closes the
// channel when Fuzz returns.
type CrashSink interface {
	RegisterCrashChan(ctx context.Context, rCh <-chan types.CrashMessage)
}

type Options struct {
	SessionID       string
	SleepTime       time.Duration
	MaxTestCases    int // 0 runs the whole mutation space
	CrashThreshold  int
	ReceiveResponse bool
	RestartWait     time.Duration
	RecvSize        int
	CheckpointEvery int
	TraceContext    string // exported parent span, JSON carrier
}

func OptionsFromConfig(cfg *config.AppConfig) Options {
	return Options{
		SessionID:       cfg.SessionID,
		SleepTime:       cfg.SessionConfig.SleepTime,
		MaxTestCases:    cfg.SessionConfig.MaxTestCases,
		CrashThreshold:  cfg.SessionConfig.CrashThreshold,
		ReceiveResponse: cfg.SessionConfig.ReceiveResponse,
		RestartWait:     cfg.SessionConfig.RestartWait,
		RecvSize:        transport.DefaultRecvSize,
		CheckpointEvery: defaultCheckpointEvery,
		TraceContext:    cfg.TraceContext,
	}
}

type Option func(*Session)

func WithCrashSink(sink CrashSink) Option {
	return func(s *Session) { s.crashSink = sink }
}

func WithCheckpointStore(store checkpoint.Store) Option {
	return func(s *Session) {
		if store != nil {
			s.store = store
		}
	}
}

func WithTracerFactory(factory *telemetry.TracerFactory) Option {
	return func(s *Session) { s.tracerFactory = factory }
}

// CrashRecord is a failing test case as kept in the summary.
type CrashRecord struct {
	Index         int
	Request       string
	Primitive     string
	MutationIndex int
	PayloadSize   int
	Kind          types.CrashKind
	Reason        string
}

type Summary struct {
	SessionID string
	Total     int // size of the mutation space of all connected requests
	Skipped   int // test cases skipped because a checkpoint said they ran
	Executed  int
	Failures  int
	Crashes   []CrashRecord
	Elapsed   time.Duration
}

// Session drives every mutation of its connected requests against one target.
type Session struct {
	target        *target.Target
	opts          Options
	logger        *zap.Logger
	tracerFactory *telemetry.TracerFactory
	store         checkpoint.Store
	crashSink     CrashSink

	requests     []*request.Request
	traceContext string // exported span of the running Fuzz call
}

func New(t *target.Target, logger *zap.Logger, opts Options, options ...Option) *Session {
	if opts.RecvSize <= 0 {
		opts.RecvSize = transport.DefaultRecvSize
	}
	if opts.CrashThreshold <= 0 {
		opts.CrashThreshold = 1
	}
	s := &Session{
		target: t,
		opts:   opts,
		logger: logger.Named("session"),
		store:  checkpoint.NopStore{},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Connect attaches a request to the session root. Requests are fuzzed in the
// order they were connected.
func (s *Session) Connect(req *request.Request) error {
	for _, r := range s.requests {
		if r.Name == req.Name {
			return fmt.Errorf("%w: %s", ErrRequestRegistered, req.Name)
		}
	}
	s.requests = append(s.requests, req)
	s.logger.Debug("request connected", zap.String("request", req.Name), zap.Int("mutations", req.NumMutations()))
	return nil
}

func (s *Session) Total() int {
	total := 0
	for _, r := range s.requests {
		total += r.NumMutations()
	}
	return total
}

type failure struct {
	kind   types.CrashKind
	reason string
}

// Fuzz runs the test cases in order until the mutation space, MaxTestCases or
// ctx is exhausted. It returns ctx.Err() when interrupted and ErrTargetDown
// when the target stays unreachable CrashThreshold times in a row.
func (s *Session) Fuzz(ctx context.Context) (Summary, error) {
	start := time.Now()
	summary := Summary{SessionID: s.opts.SessionID, Total: s.Total()}
	if len(s.requests) == 0 {
		return summary, ErrNoRequests
	}

	prior, resumed := s.resume(ctx)
	resumeAt, priorFailures := prior.NextIndex, prior.Failures

	// a resumed session links back to the span of the run it continues
	var links []string
	if resumed && prior.TraceContext != "" {
		links = append(links, prior.TraceContext)
	}
	sessionTracer := s.tracerFactory.NewTracerSpawnedWithLink(ctx, s.opts.TraceContext, links,
		fmt.Sprintf("labfuzz session %s", s.opts.SessionID)).
		WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
			WithSessionID(s.opts.SessionID).
			WithTargetAddress(s.target.Info()))
	sessionTracer.Start()
	defer sessionTracer.End()
	s.traceContext = sessionTracer.Export()
	ctx = context.WithValue(ctx, telemetry.TracerKey{}, sessionTracer)

	var crashCh chan types.CrashMessage
	if s.crashSink != nil {
		crashCh = make(chan types.CrashMessage, 64)
		s.crashSink.RegisterCrashChan(ctx, crashCh)
		defer close(crashCh)
	}

	summary.Skipped = min(resumeAt, summary.Total)

	s.logger.Info("fuzzing started",
		zap.String("target", s.target.Info()),
		zap.Int("total", summary.Total),
		zap.Int("resume_at", resumeAt),
		zap.Int("max_test_cases", s.opts.MaxTestCases))

	finish := func(next int, err error) (Summary, error) {
		summary.Elapsed = time.Since(start)
		s.saveCheckpoint(ctx, next, priorFailures+summary.Failures)
		switch {
		case err == nil:
			sessionTracer.SetStatus(codes.Ok, "finished")
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			sessionTracer.SetStatus(codes.Unset, "interrupted")
		default:
			sessionTracer.SetStatus(codes.Error, err.Error())
		}
		sessionTracer.WithAttributes(telemetry.EmptySpanAttributes().WithExtraAttributes(map[string]any{
			"executed": summary.Executed,
			"failures": summary.Failures,
		}))
		s.logger.Info("fuzzing stopped",
			zap.Int("executed", summary.Executed),
			zap.Int("failures", summary.Failures),
			zap.Duration("elapsed", summary.Elapsed),
			zap.Error(err))
		return summary, err
	}

	consecutiveDown := 0
	seq := 0
	for _, req := range s.requests {
		n := req.NumMutations()
		for i := 0; i < n; i, seq = i+1, seq+1 {
			if seq < resumeAt {
				continue
			}
			if s.opts.MaxTestCases > 0 && seq >= s.opts.MaxTestCases {
				return finish(seq, nil)
			}
			if err := ctx.Err(); err != nil {
				return finish(seq, err)
			}

			tc, err := req.Mutation(i)
			if err != nil {
				return finish(seq, fmt.Errorf("failed to render test case %d: %w", seq, err))
			}

			fail, err := s.execute(ctx, tc)
			if err != nil {
				return finish(seq, err)
			}
			summary.Executed++

			if fail == nil {
				consecutiveDown = 0
			} else {
				summary.Failures++
				summary.Crashes = append(summary.Crashes, CrashRecord{
					Index:         tc.Index,
					Request:       tc.Request,
					Primitive:     tc.Primitive,
					MutationIndex: tc.MutationIndex,
					PayloadSize:   len(tc.Payload),
					Kind:          fail.kind,
					Reason:        fail.reason,
				})
				if crashCh != nil {
					select {
					case crashCh <- types.CrashMessage{
						SessionID: s.opts.SessionID,
						Target:    s.target.Info(),
						TestCase:  tc,
						Kind:      fail.kind,
						Reason:    fail.reason,
					}:
					case <-ctx.Done():
						return finish(seq+1, ctx.Err())
					}
				}

				if s.waitForTarget(ctx) {
					consecutiveDown = 0
				} else {
					if err := ctx.Err(); err != nil {
						return finish(seq+1, err)
					}
					consecutiveDown++
					s.logger.Warn("target still down after failure",
						zap.Int("test_case", tc.Index),
						zap.Int("consecutive", consecutiveDown),
						zap.Int("threshold", s.opts.CrashThreshold))
					if consecutiveDown >= s.opts.CrashThreshold {
						return finish(seq+1, ErrTargetDown)
					}
				}
			}

			if s.opts.CheckpointEvery > 0 && (seq+1)%s.opts.CheckpointEvery == 0 {
				s.saveCheckpoint(ctx, seq+1, priorFailures+summary.Failures)
			}

			if s.opts.SleepTime > 0 {
				select {
				case <-time.After(s.opts.SleepTime):
				case <-ctx.Done():
					return finish(seq+1, ctx.Err())
				}
			}
		}
	}
	return finish(seq, nil)
}

// execute runs one test case. A non-nil failure means the test case brought
// the target down; the error is only set when ctx was cancelled.
func (s *Session) execute(ctx context.Context, tc request.TestCase) (*failure, error) {
	tracer := telemetry.FromContext(ctx).Spawn(fmt.Sprintf("test case %d", tc.Index)).
		WithAttributes(telemetry.NewSpanAttributes(telemetry.Fuzzing).
			WithRequestName(tc.Request).
			WithPrimitive(tc.Primitive).
			WithTestCaseIndex(tc.Index).
			WithPayloadSize(len(tc.Payload)))
	tracer.Start()
	defer tracer.End()

	logger := s.logger.With(zap.Int("test_case", tc.Index), zap.String("primitive", tc.Primitive))
	logger.Debug("executing test case", zap.Int("mutation", tc.MutationIndex), zap.Int("size", len(tc.Payload)))

	for _, m := range s.target.Monitors() {
		m.PreSend(ctx, tc)
	}

	fail := s.transmit(ctx, tc)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var monitorReasons []string
	for _, m := range s.target.Monitors() {
		if crashed, reason := m.PostSend(ctx, tc); crashed {
			monitorReasons = append(monitorReasons, fmt.Sprintf("%s: %s", m.Name(), reason))
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(monitorReasons) > 0 {
		if fail == nil {
			fail = &failure{kind: types.CrashMonitor}
			fail.reason = strings.Join(monitorReasons, "; ")
		} else {
			fail.reason = fail.reason + "; " + strings.Join(monitorReasons, "; ")
		}
	}

	if fail != nil {
		logger.Warn("test case failed", zap.String("kind", string(fail.kind)), zap.String("reason", fail.reason))
		tracer.AddEvent("crash", telemetry.NewEventAttributes(map[string]string{
			"kind":           string(fail.kind),
			"reason":         fail.reason,
			"mutation_index": strconv.Itoa(tc.MutationIndex),
		}))
		tracer.SetStatus(codes.Error, fail.reason)
	}
	return fail, nil
}

// transmit performs open, send, optional recv and close.
func (s *Session) transmit(ctx context.Context, tc request.TestCase) *failure {
	if err := s.target.Open(ctx); err != nil {
		return &failure{kind: crash.KindOf(err), reason: err.Error()}
	}
	defer s.target.Close()

	if _, err := s.target.Send(ctx, tc.Payload); err != nil {
		return &failure{kind: crash.KindOf(err), reason: err.Error()}
	}
	if s.opts.ReceiveResponse {
		if _, err := s.target.Recv(ctx, s.opts.RecvSize); err != nil {
			return &failure{kind: crash.KindOf(err), reason: err.Error()}
		}
	}
	return nil
}

// waitForTarget polls the target until it accepts connections again or
// RestartWait expires.
func (s *Session) waitForTarget(ctx context.Context) bool {
	deadline := time.Now().Add(s.opts.RestartWait)
	for {
		if s.target.Alive(ctx) {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		select {
		case <-time.After(min(alivePollInterval, remaining)):
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Session) resume(ctx context.Context) (checkpoint.State, bool) {
	state, err := s.store.Load(ctx, s.opts.SessionID)
	if errors.Is(err, checkpoint.ErrNoCheckpoint) {
		return checkpoint.State{}, false
	}
	if err != nil {
		s.logger.Warn("failed to load checkpoint, starting from the first test case", zap.Error(err))
		return checkpoint.State{}, false
	}
	s.logger.Info("resuming session from checkpoint",
		zap.Int("next_index", state.NextIndex),
		zap.Int("failures", state.Failures),
		zap.Time("updated_at", state.UpdatedAt))
	return state, true
}

func (s *Session) saveCheckpoint(ctx context.Context, next, failures int) {
	state := checkpoint.State{
		SessionID:    s.opts.SessionID,
		Request:      s.requestAt(next),
		NextIndex:    next,
		Failures:     failures,
		UpdatedAt:    time.Now(),
		TraceContext: s.traceContext,
	}
	// a cancelled run still records where it stopped
	if err := s.store.Save(context.WithoutCancel(ctx), state); err != nil {
		s.logger.Warn("failed to save checkpoint", zap.Error(err))
	}
}

// requestAt names the request owning the given session-wide index.
func (s *Session) requestAt(seq int) string {
	for _, r := range s.requests {
		n := r.NumMutations()
		if seq < n {
			return r.Name
		}
		seq -= n
	}
	if len(s.requests) == 0 {
		return ""
	}
	return s.requests[len(s.requests)-1].Name
}
