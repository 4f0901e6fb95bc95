package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/call-coach/internal/audio"
	"github.com/chadiek/call-coach/internal/vad"
)

type fakeRecognizer struct {
	mu    sync.Mutex
	clips []audio.Clip
	texts []string // consumed in order; the last one repeats
	gate  chan struct{}
	err   error
}

func (f *fakeRecognizer) Transcribe(ctx context.Context, clip audio.Clip, language string) (string, error) {
	f.mu.Lock()
	f.clips = append(f.clips, clip)
	text := ""
	if len(f.texts) > 0 {
		text = f.texts[0]
		if len(f.texts) > 1 {
			f.texts = f.texts[1:]
		}
	}
	gate, err := f.gate, f.err
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return text, err
}

func (f *fakeRecognizer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clips)
}

func (f *fakeRecognizer) clip(i int) audio.Clip {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clips[i]
}

type fakeGenerator struct {
	mu           sync.Mutex
	reply        string
	err          error
	histories    [][]Turn
	instructions []string
}

func (f *fakeGenerator) Generate(ctx context.Context, history []Turn, instruction string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories = append(f.histories, history)
	f.instructions = append(f.instructions, instruction)
	return f.reply, f.err
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instructions)
}

type fakeSynth struct {
	mu       sync.Mutex
	texts    []string
	voices   []Voice
	duration time.Duration
	err      error
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, voice Voice) (Speech, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	f.voices = append(f.voices, voice)
	if f.err != nil {
		return Speech{}, f.err
	}
	return Speech{Audio: []byte("audio:" + text), Format: audio.Format{Encoding: audio.EncodingMP3}, Duration: f.duration}, nil
}

func (f *fakeSynth) spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeScorer struct {
	mu     sync.Mutex
	calls  int
	result *ScoringResult
	err    error
	panics bool
}

func (f *fakeScorer) Score(ctx context.Context, history []Turn, scenario string) (*ScoringResult, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.panics {
		panic("scorer exploded")
	}
	return f.result, f.err
}

func (f *fakeScorer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSink struct {
	mu      sync.Mutex
	records []SessionRecord
}

func (f *fakeSink) Record(ctx context.Context, rec SessionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
	closed chan struct{}
}

func collect(s *Session) *eventLog {
	l := &eventLog{closed: make(chan struct{})}
	go func() {
		defer close(l.closed)
		for ev := range s.Events() {
			l.mu.Lock()
			l.events = append(l.events, ev)
			l.mu.Unlock()
		}
	}()
	return l
}

func (l *eventLog) has(typ EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ev := range l.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func (l *eventLog) last(typ EventType) (Event, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == typ {
			return l.events[i], true
		}
	}
	return Event{}, false
}

type harness struct {
	rec    *fakeRecognizer
	gen    *fakeGenerator
	synth  *fakeSynth
	scorer *fakeScorer
	sink   *fakeSink
	engine *Engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.VAD = vad.Config{VolumeThreshold: 25, SilenceTimeout: 60 * time.Millisecond, MaxSegment: 2 * time.Second}
	cfg.EvaluationInterval = 10 * time.Millisecond
	cfg.SpeakingLockMargin = 20 * time.Millisecond
	cfg.HangUpGrace = 30 * time.Millisecond
	cfg.AdapterTimeout = time.Second
	cfg.Greeting = ""
	cfg.InputFormat = audio.Format{Encoding: audio.EncodingMP3}
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		rec:    &fakeRecognizer{texts: []string{"Hello"}},
		gen:    &fakeGenerator{reply: `{"text":"Hmm, how much is it?","hangUp":false}`},
		synth:  &fakeSynth{duration: 30 * time.Millisecond},
		scorer: &fakeScorer{result: &ScoringResult{Score: 81, Feedback: "Bon travail", Strengths: []string{"écoute"}, Improvements: []string{"closing"}}},
		sink:   &fakeSink{},
	}
	engine, err := NewEngine(cfg, Deps{
		Recognizer:  h.rec,
		Generator:   h.gen,
		Synthesizer: h.synth,
		Scorer:      h.scorer,
		Sink:        h.sink,
	})
	require.NoError(t, err)
	h.engine = engine
	return h
}

func (h *harness) start(t *testing.T) (*Session, *eventLog) {
	t.Helper()
	s := h.engine.NewSession(Scenario{ID: "prod-1", UserID: "user-1", Context: "mobile plan", Resistance: ResistanceMedium})
	events := collect(s)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.End(context.Background()) })
	return s, events
}

// say pushes voiced chunks; the detector finalizes once the silence timeout
// passes without further frames.
func say(s *Session, chunks ...byte) {
	for _, c := range chunks {
		s.PushAudio([]byte{c}, 60)
	}
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.State() == want }, 2*time.Second, 5*time.Millisecond, "want state %s, have %s", want, s.State())
}

func TestSession_GreetingThenListening(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Allô ?"
	h := newHarness(t, cfg)
	s, events := h.start(t)

	assert.Equal(t, StateSpeaking, s.State())
	assert.Equal(t, []string{"Allô ?"}, h.synth.spoken())
	assert.Equal(t, 1.0, h.synth.voices[0].Rate)
	waitState(t, s, StateListening)
	assert.True(t, events.has(EventAudio))
	assert.Empty(t, s.History())
}

func TestSession_GreetingFailureAbortsStart(t *testing.T) {
	cfg := testConfig()
	cfg.Greeting = "Allô ?"
	h := newHarness(t, cfg)
	h.synth.err = errors.New("tts down")

	s := h.engine.NewSession(Scenario{})
	events := collect(s)
	err := s.Start(context.Background())
	require.Error(t, err)
	var aerr *AdapterError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "synthesize", aerr.Stage)
	assert.Equal(t, StateEnded, s.State())

	assert.Nil(t, s.End(context.Background()))
	<-events.closed
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionEnded)
}

func TestSession_TurnFlow(t *testing.T) {
	h := newHarness(t, testConfig())
	s, events := h.start(t)
	waitState(t, s, StateListening)

	say(s, 1, 2, 3)
	require.Eventually(t, func() bool { return len(s.History()) == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, s, StateListening)

	assert.Equal(t, 1, s.TurnCount())
	history := s.History()
	assert.Equal(t, Turn{Role: RoleTrainee, Text: "Hello", Position: 0}, history[0])
	assert.Equal(t, Turn{Role: RoleProspect, Text: "Hmm, how much is it?", Position: 1}, history[1])

	require.Equal(t, 1, h.gen.calls())
	assert.Equal(t, []Turn{{Role: RoleTrainee, Text: "Hello"}}, h.gen.histories[0])
	instruction := h.gen.instructions[0]
	assert.Contains(t, instruction, DefaultPersonas[1])
	assert.Contains(t, instruction, "aucune pour l'instant")
	assert.Contains(t, instruction, "Medium")

	assert.Equal(t, []byte{1, 2, 3}, h.rec.clip(0).Data)
	assert.Equal(t, []string{"Hmm, how much is it?"}, h.synth.spoken())
	assert.True(t, events.has(EventTranscriptInterim))
	assert.True(t, events.has(EventTurn))
	assert.True(t, events.has(EventAudio))
}

func TestSession_ShortTranscriptGetsPresenceReply(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rec.texts = []string{"a"}
	s, _ := h.start(t)

	say(s, 1, 2)
	require.Eventually(t, func() bool { return len(h.synth.spoken()) == 1 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, s, StateListening)

	assert.Equal(t, []string{"Oui ? Je vous écoute..."}, h.synth.spoken())
	assert.Zero(t, s.TurnCount())
	assert.Empty(t, s.History())
	assert.Zero(t, h.gen.calls())
}

func TestSession_EmptyTranscriptWithoutPresenceStaysSilent(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceReply = ""
	h := newHarness(t, cfg)
	h.rec.texts = []string{""}
	s, _ := h.start(t)

	say(s, 1)
	require.Eventually(t, func() bool { return h.rec.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, s, StateListening)
	assert.Empty(t, h.synth.spoken())
	assert.Zero(t, s.TurnCount())
}

func TestSession_AudioBufferedWhileBusyIsReplayedInOrder(t *testing.T) {
	cfg := testConfig()
	cfg.PresenceReply = ""
	h := newHarness(t, cfg)
	h.rec.texts = []string{""}
	gate := make(chan struct{})
	h.rec.gate = gate
	s, _ := h.start(t)

	say(s, 1, 2)
	waitState(t, s, StateProcessing)

	say(s, 3, 4)
	require.Eventually(t, func() bool { return s.buffer.Len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.rec.calls(), "no chunk reaches the recognizer while busy")

	close(gate)
	require.Eventually(t, func() bool { return h.rec.calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{1, 2}, h.rec.clip(0).Data)
	assert.Equal(t, []byte{3, 4}, h.rec.clip(1).Data)
	assert.Zero(t, s.buffer.Len())
	assert.Zero(t, s.TurnCount())
}

func TestSession_BargeInCancelsSpeakingLock(t *testing.T) {
	h := newHarness(t, testConfig())
	h.synth.duration = 10 * time.Second
	s, events := h.start(t)

	say(s, 1)
	waitState(t, s, StateSpeaking)

	interruptedAt := time.Now()
	say(s, 7, 8)
	waitState(t, s, StateListening)
	assert.Less(t, time.Since(interruptedAt), 2*time.Second)
	assert.True(t, events.has(EventInterrupted))

	// the interrupting speech is replayed as the next utterance
	require.Eventually(t, func() bool { return h.rec.calls() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []byte{7, 8}, h.rec.clip(1).Data)
}

func TestSession_AdapterFailureAbortsTurnOnly(t *testing.T) {
	h := newHarness(t, testConfig())
	h.gen.err = errors.New("llm 500")
	s, _ := h.start(t)

	say(s, 1)
	require.Eventually(t, func() bool { return h.gen.calls() == 1 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, s, StateListening)
	assert.Len(t, s.History(), 1)
	assert.Empty(t, h.synth.spoken())

	h.gen.mu.Lock()
	h.gen.err = nil
	h.gen.mu.Unlock()
	say(s, 2)
	require.Eventually(t, func() bool { return len(s.History()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, s.TurnCount())
}

func TestSession_AdapterTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AdapterTimeout = 80 * time.Millisecond
	h := newHarness(t, cfg)
	gate := make(chan struct{})
	defer close(gate)
	h.rec.gate = gate
	s, _ := h.start(t)

	say(s, 1)
	waitState(t, s, StateProcessing)
	waitState(t, s, StateListening)
	assert.Zero(t, s.TurnCount())
}

func TestSession_HangUpEndsAfterGrace(t *testing.T) {
	h := newHarness(t, testConfig())
	h.gen.reply = `{"text":"Non merci, au revoir.","hangUp":true}`
	s, events := h.start(t)

	say(s, 1)
	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session did not end after hang-up")
	}
	<-events.closed
	assert.True(t, events.has(EventHangUp))
	complete, ok := events.last(EventComplete)
	require.True(t, ok)
	require.NotNil(t, complete.Result)
	assert.Equal(t, 81, complete.Result.Score)
	assert.Equal(t, StateEnded, s.State())
	assert.Equal(t, 1, h.scorer.callCount())
}

func TestSession_BargeInDuringHangUpStillEnds(t *testing.T) {
	h := newHarness(t, testConfig())
	h.synth.duration = 300 * time.Millisecond
	h.gen.reply = `{"text":"Non merci, au revoir.","hangUp":true}`
	s, events := h.start(t)

	say(s, 1)
	waitState(t, s, StateSpeaking)
	say(s, 7, 8)

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("session kept running after the prospect hung up")
	}
	<-events.closed
	assert.True(t, events.has(EventHangUp))
	assert.True(t, events.has(EventInterrupted))
	assert.Equal(t, StateEnded, s.State())
	// the interrupting speech is not turned into another exchange
	assert.Equal(t, 1, h.rec.calls())
	assert.Equal(t, 1, h.gen.calls())
}

func TestSession_CompleteWaitsForSlowSubscriber(t *testing.T) {
	cfg := testConfig()
	cfg.EventBuffer = 1
	h := newHarness(t, cfg)
	s := h.engine.NewSession(Scenario{ID: "prod-1", UserID: "user-1"})
	require.NoError(t, s.Start(context.Background()))

	go s.End(context.Background())
	time.Sleep(100 * time.Millisecond)

	var last Event
	for ev := range s.Events() {
		last = ev
	}
	assert.Equal(t, EventComplete, last.Type)
	assert.Nil(t, last.Result)
}

func TestSession_EndWithShortHistorySkipsScorer(t *testing.T) {
	h := newHarness(t, testConfig())
	s, events := h.start(t)

	assert.Nil(t, s.End(context.Background()))
	<-events.closed
	assert.Zero(t, h.scorer.callCount())
	complete, ok := events.last(EventComplete)
	require.True(t, ok)
	assert.Nil(t, complete.Result)
	assert.Empty(t, h.sink.records)
	assert.Zero(t, h.engine.Registry().Len())
}

func TestSession_EndScoresAndHandsOffRecord(t *testing.T) {
	h := newHarness(t, testConfig())
	s, _ := h.start(t)
	say(s, 1)
	require.Eventually(t, func() bool { return len(s.History()) == 2 }, 2*time.Second, 5*time.Millisecond)

	res := s.End(context.Background())
	require.NotNil(t, res)
	assert.Equal(t, 81, res.Score)
	assert.Same(t, res, s.End(context.Background()))

	require.Len(t, h.sink.records, 1)
	rec := h.sink.records[0]
	assert.Equal(t, "user-1", rec.UserID)
	assert.Equal(t, "prod-1", rec.ScenarioID)
	assert.Len(t, rec.History, 2)
	assert.Equal(t, res, rec.Result)
}

func TestSession_EndNeverFails(t *testing.T) {
	cases := []struct {
		name   string
		scorer *fakeScorer
	}{
		{"error", &fakeScorer{err: errors.New("boom")}},
		{"nil result", &fakeScorer{}},
		{"panic", &fakeScorer{panics: true}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, testConfig())
			h.engine.deps.Scorer = tc.scorer
			s, _ := h.start(t)
			say(s, 1)
			require.Eventually(t, func() bool { return len(s.History()) == 2 }, 2*time.Second, 5*time.Millisecond)

			var res *ScoringResult
			require.NotPanics(t, func() { res = s.End(context.Background()) })
			assert.Equal(t, DefaultScoringResult(), res)
		})
	}
}

func TestSession_ScoreIsClamped(t *testing.T) {
	h := newHarness(t, testConfig())
	h.scorer.result = &ScoringResult{Score: 140}
	s, _ := h.start(t)
	say(s, 1)
	require.Eventually(t, func() bool { return len(s.History()) == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 100, s.End(context.Background()).Score)
}

func TestSession_EndDuringProcessingDiscardsResult(t *testing.T) {
	h := newHarness(t, testConfig())
	gate := make(chan struct{})
	h.rec.gate = gate
	s, _ := h.start(t)

	say(s, 1)
	waitState(t, s, StateProcessing)
	assert.Nil(t, s.End(context.Background()))
	close(gate)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateEnded, s.State())
	assert.Empty(t, s.History())
}

func TestSession_MaxSegmentForcesFinalize(t *testing.T) {
	cfg := testConfig()
	cfg.VAD.MaxSegment = 150 * time.Millisecond
	h := newHarness(t, cfg)
	gate := make(chan struct{})
	defer close(gate)
	h.rec.gate = gate
	s, _ := h.start(t)

	stop := time.After(600 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stop:
			break loop
		case <-ticker.C:
			say(s, 5)
			if h.rec.calls() > 0 {
				break loop
			}
		}
	}
	assert.Equal(t, 1, h.rec.calls(), "continuous speech must be cut at the max segment length")
}

func TestSession_EndBeforeStart(t *testing.T) {
	h := newHarness(t, testConfig())
	s := h.engine.NewSession(Scenario{})
	events := collect(s)
	assert.Nil(t, s.End(context.Background()))
	<-events.closed
	assert.Equal(t, StateEnded, s.State())
	assert.ErrorIs(t, s.Start(context.Background()), ErrSessionEnded)
}

