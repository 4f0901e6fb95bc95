package agent

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/chadiek/call-coach/internal/audio"
	"github.com/chadiek/call-coach/internal/metrics"
	"github.com/chadiek/call-coach/internal/segment"
	"github.com/chadiek/call-coach/internal/vad"
)

var (
	// ErrSessionEnded is returned when starting a session that already ended.
	ErrSessionEnded = errors.New("agent: session ended")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("agent: session already started")
)

const (
	stageRecognize  = "recognize"
	stageGenerate   = "generate"
	stageSynthesize = "synthesize"
	stageScore      = "score"
)

// AdapterError wraps a failed external call with the stage it failed in.
type AdapterError struct {
	Stage string
	Err   error
}

func (e *AdapterError) Error() string { return fmt.Sprintf("agent: %s: %v", e.Stage, e.Err) }
func (e *AdapterError) Unwrap() error { return e.Err }

// Deps are the collaborators a session calls out to.
type Deps struct {
	Recognizer  Recognizer
	Generator   Generator
	Synthesizer Synthesizer
	Scorer      Scorer
	Sink        ResultSink
	Metrics     *metrics.Metrics
	Logger      *log.Logger
}

type frame struct {
	data     []byte
	level    float64
	hasLevel bool
	at       time.Time
}

type recognized struct {
	epoch uint64
	text  string
	err   error
}

type generated struct {
	epoch  uint64
	result GenerationResult
	err    error
}

type synthesized struct {
	epoch    uint64
	speech   Speech
	text     string
	hangUp   bool
	presence bool
	err      error
}

// Session is one trainee conversation. All turn state is owned by a single
// event loop goroutine; adapter calls run on their own goroutines and post
// their results back to the loop, tagged with the epoch of the utterance they
// belong to.
type Session struct {
	id       string
	scenario Scenario
	cfg      Config
	deps     Deps
	log      *log.Logger
	onEnd    func()

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	history   []Turn
	turnCount int
	started   bool
	live      bool
	startedAt time.Time

	// owned by the event loop
	vad         *vad.Detector
	buffer      *segment.Buffer
	capture     []segment.Segment
	header      []byte
	seq         uint64
	epoch       uint64
	lockTimer   *time.Timer
	hangupTimer *time.Timer

	inbound      chan frame
	recognizedC  chan recognized
	generatedC   chan generated
	synthesizedC chan synthesized
	events       chan Event
	endReq       chan struct{}
	loopDone     chan struct{}
	done         chan struct{}
	endOnce      sync.Once
	result       *ScoringResult
}

func newSession(id string, sc Scenario, cfg Config, deps Deps) *Session {
	if sc.Resistance == "" {
		sc.Resistance = ResistanceMedium
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	eventBuffer := cfg.EventBuffer
	if eventBuffer <= 0 {
		eventBuffer = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:           id,
		scenario:     sc,
		cfg:          cfg,
		deps:         deps,
		log:          logger.With("session", id),
		ctx:          ctx,
		cancel:       cancel,
		vad:          vad.New(cfg.VAD),
		buffer:       segment.NewBuffer(cfg.SegmentBufferSize),
		inbound:      make(chan frame, 256),
		recognizedC:  make(chan recognized),
		generatedC:   make(chan generated),
		synthesizedC: make(chan synthesized),
		events:       make(chan Event, eventBuffer),
		endReq:       make(chan struct{}),
		loopDone:     make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Scenario returns the scenario the session was created with.
func (s *Session) Scenario() Scenario { return s.scenario }

// Events is the outbound channel. It is closed after the complete event.
func (s *Session) Events() <-chan Event { return s.events }

// Done is closed once End has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current controller state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TurnCount returns the number of accepted trainee turns.
func (s *Session) TurnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turnCount
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

// Start synthesizes the greeting and opens the session. A greeting failure
// is a start failure: the session moves to Ended and the error is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		ended := s.state == StateEnded
		s.mu.Unlock()
		if ended {
			return ErrSessionEnded
		}
		return ErrAlreadyStarted
	}
	s.started = true
	s.startedAt = time.Now()
	s.mu.Unlock()

	var greeting *Speech
	if text := strings.TrimSpace(s.cfg.Greeting); text != "" {
		sp, err := invoke(ctx, s.cfg.AdapterTimeout, s.deps.Metrics, stageSynthesize, func(ctx context.Context) (Speech, error) {
			return s.deps.Synthesizer.Synthesize(ctx, text, s.voiceFor(text))
		})
		if err != nil {
			s.log.Error("greeting synthesis failed", "err", err)
			s.transition(StateEnded)
			close(s.loopDone)
			s.deps.Metrics.SessionStartFailed()
			return fmt.Errorf("agent: start session %s: %w", s.id, err)
		}
		greeting = &sp
	}

	s.mu.Lock()
	s.live = true
	s.mu.Unlock()
	s.deps.Metrics.SessionStarted()
	s.log.Info("session started", "scenario", s.scenario.ID, "resistance", s.scenario.Resistance)

	if greeting != nil {
		s.transition(StateSpeaking)
		s.emit(Event{Type: EventAudio, Speech: greeting, Text: s.cfg.Greeting})
		s.lockTimer = time.NewTimer(s.playback(*greeting, s.cfg.Greeting) + s.cfg.SpeakingLockMargin)
	} else {
		s.transition(StateListening)
	}
	go s.run()
	return nil
}

// PushAudio queues an inbound chunk together with its measured level.
func (s *Session) PushAudio(data []byte, level float64) {
	s.push(frame{data: clone(data), level: level, hasLevel: true, at: time.Now()})
}

// PushChunk queues an encoded chunk whose level is reported separately
// through PushLevel.
func (s *Session) PushChunk(data []byte) {
	s.push(frame{data: clone(data), at: time.Now()})
}

// PushLevel feeds one client-measured amplitude frame to the detector.
func (s *Session) PushLevel(level float64) {
	s.push(frame{level: level, hasLevel: true, at: time.Now()})
}

func (s *Session) push(f frame) {
	select {
	case <-s.loopDone:
		return
	default:
	}
	select {
	case s.inbound <- f:
	default:
		s.log.Warn("inbound frame dropped, loop is behind")
	}
}

// End terminates the session, scores it and emits the complete event. It is
// idempotent; concurrent callers all receive the same result. The result is
// nil when the history is too short to score.
func (s *Session) End(ctx context.Context) *ScoringResult {
	s.endOnce.Do(func() {
		s.mu.Lock()
		if !s.started {
			s.started = true
			s.state = StateEnded
			close(s.loopDone)
		}
		s.mu.Unlock()

		close(s.endReq)
		<-s.loopDone
		s.cancel()
		s.result = s.finish(ctx)
		if s.onEnd != nil {
			s.onEnd()
		}
		close(s.done)
	})
	<-s.done
	return s.result
}

func (s *Session) run() {
	defer close(s.loopDone)
	ticker := time.NewTicker(s.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.endReq:
			s.shutdown()
			return
		case f := <-s.inbound:
			s.handleFrame(f)
		case now := <-ticker.C:
			s.evaluate(s.vad.Tick(now), now)
		case r := <-s.recognizedC:
			s.onRecognized(r)
		case r := <-s.generatedC:
			s.onGenerated(r)
		case r := <-s.synthesizedC:
			s.onSynthesized(r)
		case <-timerC(s.lockTimer):
			s.lockTimer = nil
			s.releaseLock()
		case <-timerC(s.hangupTimer):
			s.hangupTimer = nil
			s.log.Info("prospect hung up, ending session")
			go s.End(context.Background())
		}
	}
}

func (s *Session) shutdown() {
	stopTimer(&s.lockTimer)
	stopTimer(&s.hangupTimer)
	s.buffer.DrainAndClear()
	s.capture = nil
	if s.State() != StateEnded {
		s.transition(StateEnded)
	}
}

func (s *Session) handleFrame(f frame) {
	if len(f.data) > 0 {
		s.route(f)
	}
	if f.hasLevel {
		s.evaluate(s.vad.Process(f.level, f.at), f.at)
	}
}

// route sends a chunk to the live capture while listening and to the
// segment buffer while busy.
func (s *Session) route(f frame) {
	if s.cfg.InputFormat.IsContainer() && s.header == nil {
		s.header = f.data
	}
	s.seq++
	seg := segment.Segment{
		Seq:    s.seq,
		Data:   f.data,
		Voiced: s.vad.Speaking() || (f.hasLevel && s.vad.Voiced(f.level)),
		At:     f.at,
	}
	switch st := s.State(); {
	case st == StateListening:
		s.capture = append(s.capture, seg)
		s.trimCapture()
	case st.Busy():
		if s.buffer.Append(seg) {
			s.deps.Metrics.SegmentDropped()
		}
	}
}

// trimCapture keeps only a short pre-roll while nobody is talking.
func (s *Session) trimCapture() {
	keep := s.cfg.PreRollSegments
	if keep <= 0 || s.vad.Speaking() || len(s.capture) <= keep || segment.AnyVoiced(s.capture) {
		return
	}
	s.capture = append(s.capture[:0], s.capture[len(s.capture)-keep:]...)
}

func (s *Session) evaluate(r vad.Result, at time.Time) {
	if r.Event != vad.EventFinalize {
		return
	}
	st := s.State()
	s.log.Debug("segment finalized", "reason", r.Reason, "speech", r.Speech, "state", st)
	switch st {
	case StateSpeaking:
		s.bargeIn(at)
	case StateListening:
		s.dispatch()
	}
}

func (s *Session) dispatch() {
	segs := s.capture
	s.capture = nil
	if !segment.AnyVoiced(segs) {
		return
	}
	if s.hangupTimer != nil {
		s.log.Debug("utterance ignored, prospect is hanging up")
		return
	}
	clip, err := audio.Package(s.cfg.InputFormat, s.header, segment.Payloads(segs))
	if err != nil {
		s.log.Warn("utterance not packaged", "err", err)
		return
	}
	if !s.transition(StateProcessing) {
		return
	}
	s.epoch++
	epoch := s.epoch
	go func() {
		text, err := invoke(s.ctx, s.cfg.AdapterTimeout, s.deps.Metrics, stageRecognize, func(ctx context.Context) (string, error) {
			return s.deps.Recognizer.Transcribe(ctx, clip, s.cfg.Language)
		})
		deliver(s, s.recognizedC, recognized{epoch: epoch, text: text, err: err})
	}()
}

func (s *Session) onRecognized(r recognized) {
	if !s.current(r.epoch) {
		s.log.Debug("stale transcript discarded", "epoch", r.epoch)
		return
	}
	if r.err != nil {
		s.abort(r.err)
		return
	}
	text := strings.TrimSpace(r.text)
	if utf8.RuneCountInString(text) < s.cfg.MinTranscriptChars {
		if s.cfg.PresenceReply == "" {
			s.deps.Metrics.Turn("silent")
			if s.transition(StateListening) {
				s.reopen(time.Now())
			}
			return
		}
		s.speak(r.epoch, s.cfg.PresenceReply, false, true)
		return
	}

	s.emit(Event{Type: EventTranscriptInterim, Text: text})
	turn, count := s.appendTurn(RoleTrainee, text, true)
	s.emit(Event{Type: EventTurn, Turn: &turn})

	history := s.History()
	instruction := BuildInstruction(s.scenario, count, s.cfg.Prompt)
	epoch := r.epoch
	go func() {
		raw, err := invoke(s.ctx, s.cfg.AdapterTimeout, s.deps.Metrics, stageGenerate, func(ctx context.Context) (string, error) {
			return s.deps.Generator.Generate(ctx, history, instruction)
		})
		var res GenerationResult
		if err == nil {
			res = s.cfg.Reply.Parse(raw)
		}
		deliver(s, s.generatedC, generated{epoch: epoch, result: res, err: err})
	}()
}

func (s *Session) onGenerated(r generated) {
	if !s.current(r.epoch) {
		s.log.Debug("stale reply discarded", "epoch", r.epoch)
		return
	}
	if r.err != nil {
		s.abort(r.err)
		return
	}
	turn, _ := s.appendTurn(RoleProspect, r.result.Text, false)
	s.emit(Event{Type: EventTurn, Turn: &turn})
	s.speak(r.epoch, r.result.Text, r.result.HangUp, false)
}

func (s *Session) speak(epoch uint64, text string, hangUp, presence bool) {
	voice := s.voiceFor(text)
	go func() {
		sp, err := invoke(s.ctx, s.cfg.AdapterTimeout, s.deps.Metrics, stageSynthesize, func(ctx context.Context) (Speech, error) {
			return s.deps.Synthesizer.Synthesize(ctx, text, voice)
		})
		deliver(s, s.synthesizedC, synthesized{epoch: epoch, speech: sp, text: text, hangUp: hangUp, presence: presence, err: err})
	}()
}

func (s *Session) onSynthesized(r synthesized) {
	if !s.current(r.epoch) {
		s.log.Debug("stale speech discarded", "epoch", r.epoch)
		return
	}
	if r.err != nil {
		s.abort(r.err)
		return
	}
	if !s.transition(StateSpeaking) {
		return
	}
	if r.presence {
		s.deps.Metrics.Turn("presence")
	} else {
		s.deps.Metrics.Turn("reply")
	}
	sp := r.speech
	s.emit(Event{Type: EventAudio, Speech: &sp, Text: r.text})

	playback := s.playback(sp, r.text)
	s.lockTimer = time.NewTimer(playback + s.cfg.SpeakingLockMargin)
	if r.hangUp {
		s.log.Info("prospect decided to hang up")
		s.emit(Event{Type: EventHangUp, Text: r.text})
		s.hangupTimer = time.NewTimer(playback + s.cfg.HangUpGrace)
	}
}

func (s *Session) releaseLock() {
	if s.State() != StateSpeaking {
		return
	}
	if s.transition(StateListening) {
		s.reopen(time.Now())
	}
}

// bargeIn cancels the speaking lock and reopens the microphone. Audio the
// trainee produced while the reply played becomes the start of the new
// capture. A pending hang-up keeps running: the prospect has already left.
func (s *Session) bargeIn(at time.Time) {
	stopTimer(&s.lockTimer)
	if !s.transition(StateListening) {
		return
	}
	s.log.Info("barge-in, playback interrupted")
	s.deps.Metrics.BargeIn()
	s.emit(Event{Type: EventInterrupted})
	s.reopen(at)
}

func (s *Session) abort(err error) {
	s.log.Warn("turn aborted", "err", err)
	s.deps.Metrics.Turn("aborted")
	if s.transition(StateListening) {
		s.reopen(time.Now())
	}
}

// reopen replays what was buffered while busy. If that audio holds speech
// the detector is armed so the replayed span is finalized after silence.
func (s *Session) reopen(at time.Time) {
	drained := s.buffer.DrainAndClear()
	s.capture = drained
	if segment.AnyVoiced(drained) {
		s.vad.Arm(at)
	}
}

func (s *Session) current(epoch uint64) bool {
	return epoch == s.epoch && s.State() == StateProcessing
}

func (s *Session) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	_, err := Transition(from, to)
	if err == nil {
		s.state = to
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error("transition rejected", "err", err)
		return false
	}
	s.deps.Metrics.Transition(from.String(), to.String())
	s.emit(Event{Type: EventState, State: to})
	return true
}

func (s *Session) appendTurn(role Role, text string, countTurn bool) (Turn, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := Turn{Role: role, Text: text, Position: len(s.history)}
	s.history = append(s.history, t)
	if countTurn {
		s.turnCount++
	}
	return t, s.turnCount
}

func (s *Session) emit(ev Event) {
	s.emitWait(ev, 0)
}

// completeWait bounds how long the final event waits for a slow subscriber.
const completeWait = 5 * time.Second

// emitWait drops the event if the subscriber has not made room within wait.
func (s *Session) emitWait(ev Event, wait time.Duration) {
	ev.SessionID = s.id
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case s.events <- ev:
		return
	default:
	}
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		select {
		case s.events <- ev:
			return
		case <-t.C:
		}
	}
	s.log.Warn("event dropped, subscriber is behind", "type", ev.Type)
	s.deps.Metrics.EventDropped()
}

// voiceFor slows down slightly for questions.
func (s *Session) voiceFor(text string) Voice {
	v := s.cfg.Voice
	if strings.Contains(text, "?") {
		v.Rate = 1.0
	}
	return v
}

func (s *Session) playback(sp Speech, text string) time.Duration {
	if sp.Duration > 0 {
		return sp.Duration
	}
	if d := audio.Duration(sp.Format, len(sp.Audio)); d > 0 {
		return d
	}
	chars := float64(utf8.RuneCountInString(text))
	return time.Duration(chars / s.cfg.CharsPerSecond * float64(time.Second))
}

func (s *Session) finish(ctx context.Context) *ScoringResult {
	history := s.History()
	result := s.score(ctx, history)

	s.mu.Lock()
	startedAt, live := s.startedAt, s.live
	s.mu.Unlock()
	var elapsed time.Duration
	if !startedAt.IsZero() {
		elapsed = time.Since(startedAt)
	}

	s.emitWait(Event{Type: EventComplete, Result: result, Duration: elapsed}, completeWait)
	close(s.events)

	if live {
		var score *int
		if result != nil {
			score = &result.Score
		}
		s.deps.Metrics.SessionEnded(score)
	}
	s.log.Info("session ended", "turns", len(history), "duration", elapsed.Round(time.Second), "scored", result != nil)

	if result != nil && s.deps.Sink != nil {
		rec := SessionRecord{
			SessionID:  s.id,
			UserID:     s.scenario.UserID,
			ScenarioID: s.scenario.ID,
			History:    history,
			Result:     result,
			StartedAt:  startedAt,
			Duration:   elapsed,
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AdapterTimeout)
		if err := s.deps.Sink.Record(sctx, rec); err != nil {
			s.log.Error("session record not persisted", "err", err)
		}
		cancel()
	}
	return result
}

// score never fails: errors, panics and empty results become the default
// result. Histories shorter than two turns are not scored.
func (s *Session) score(ctx context.Context, history []Turn) *ScoringResult {
	if len(history) < 2 {
		return nil
	}
	if s.deps.Scorer == nil {
		return DefaultScoringResult()
	}
	res, err := invoke(context.WithoutCancel(ctx), s.cfg.AdapterTimeout, s.deps.Metrics, stageScore, func(ctx context.Context) (*ScoringResult, error) {
		return s.deps.Scorer.Score(ctx, history, s.scenario.Context)
	})
	if err != nil || res == nil {
		s.log.Warn("scoring failed, using default result", "err", err)
		return DefaultScoringResult()
	}
	res.Score = min(max(res.Score, 0), 100)
	return res
}

// invoke runs one adapter call under a timeout. The call runs on its own
// goroutine so a provider that ignores its context still cannot hold the
// turn past the deadline; panics become errors.
func invoke[T any](parent context.Context, timeout time.Duration, m *metrics.Metrics, stage string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type outcome struct {
		v   T
		err error
	}
	ch := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		v, err := fn(ctx)
		ch <- outcome{v: v, err: err}
	}()

	var o outcome
	select {
	case o = <-ch:
	case <-ctx.Done():
		o.err = ctx.Err()
	}
	m.ObserveAdapter(stage, time.Since(start), o.err)
	if o.err != nil {
		var zero T
		return zero, &AdapterError{Stage: stage, Err: o.err}
	}
	return o.v, nil
}

func deliver[T any](s *Session, ch chan<- T, v T) {
	select {
	case ch <- v:
	case <-s.loopDone:
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func clone(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
