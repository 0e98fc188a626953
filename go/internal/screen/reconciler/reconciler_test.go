package reconciler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/spinwheel/go/internal/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type scriptedScreens struct {
	mu        sync.Mutex
	responses []*models.Screen
	err       error
	calls     int
}

func (s *scriptedScreens) FetchScreenState(ctx context.Context, screenNumber int) (*models.Screen, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return &models.Screen{ScreenNumber: screenNumber, Status: models.ScreenStatusSpinning}, nil
	}
	next := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return next, nil
}

func (s *scriptedScreens) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func intPtr(v int) *int { return &v }

func newTestReconciler(t *testing.T, screens *scriptedScreens, clock clockwork.Clock) *Reconciler {
	t.Helper()
	r, err := New(Config{ScreenNumber: 3, Screens: screens, Clock: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestStoreTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusSpinning, true},
		{StatusSpinning, StatusResult, true},
		{StatusResult, StatusIdle, true},
		{StatusSpinning, StatusIdle, true},
		{StatusIdle, StatusDuplicate, true},
		{StatusResult, StatusDuplicate, true},
		{StatusDuplicate, StatusIdle, true},
		{StatusResult, StatusSpinning, false},
		{StatusIdle, StatusResult, false},
		{StatusDuplicate, StatusSpinning, false},
		{StatusDuplicate, StatusResult, false},
		{StatusResult, StatusResult, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.ok {
			t.Errorf("CanTransition(%s, %s) got=%v want=%v", tt.from, tt.to, got, tt.ok)
		}
	}
}

func TestStoreRejectsResultToSpinning(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	if _, err := s.Transition(StatusSpinning, nil); err != nil {
		t.Fatalf("idle->spinning: %v", err)
	}
	if _, err := s.Transition(StatusResult, intPtr(2)); err != nil {
		t.Fatalf("spinning->result: %v", err)
	}
	if _, err := s.Transition(StatusSpinning, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("result->spinning got=%v want ErrInvalidTransition", err)
	}
	if got := s.Status(); got != StatusResult {
		t.Fatalf("status got=%s want=%s", got, StatusResult)
	}
}

func TestStoreResultRequiresValue(t *testing.T) {
	s := NewStore(clockwork.NewFakeClock())
	_, _ = s.Transition(StatusSpinning, nil)
	if _, err := s.Transition(StatusResult, nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("got=%v want ErrInvalidTransition", err)
	}
}

func TestStoreEpisodeAndSubscribe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	s := NewStore(clock)
	var seen []Status
	unsubscribe := s.Subscribe(func(st State) { seen = append(seen, st.Status) })

	_, _ = s.Transition(StatusSpinning, nil)
	_, _ = s.Transition(StatusSpinning, nil)
	_, _ = s.Transition(StatusResult, intPtr(1))
	_, _ = s.Transition(StatusIdle, nil)
	clock.Advance(time.Second)
	_, _ = s.Transition(StatusSpinning, nil)

	st := s.Get()
	if st.Episode != 2 {
		t.Fatalf("episode got=%d want=2", st.Episode)
	}
	if st.Result != nil {
		t.Fatalf("result should be cleared on spinning, got=%d", *st.Result)
	}
	if !st.Since.Equal(clock.Now()) {
		t.Fatalf("since got=%v want=%v", st.Since, clock.Now())
	}
	want := []Status{StatusSpinning, StatusResult, StatusIdle, StatusSpinning}
	if len(seen) != len(want) {
		t.Fatalf("notifications got=%v want=%v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("notification %d got=%s want=%s", i, seen[i], want[i])
		}
	}

	unsubscribe()
	_, _ = s.Transition(StatusIdle, nil)
	if len(seen) != len(want) {
		t.Fatalf("listener called after unsubscribe")
	}
}

func TestApplyResultIsIdempotent(t *testing.T) {
	r := newTestReconciler(t, &scriptedScreens{}, clockwork.NewFakeClock())
	r.SetPlayer("Ana", []int{1, 7})

	var outcomes []Outcome
	r.OnOutcome(func(o Outcome) { outcomes = append(outcomes, o) })

	if err := r.BeginSpin(); err != nil {
		t.Fatalf("BeginSpin: %v", err)
	}
	row := &models.Screen{ScreenNumber: 3, Status: models.ScreenStatusResult, LastSpinResult: intPtr(7)}
	r.ApplyResult(7)
	r.ApplyResult(7)
	r.ApplyScreen(row)
	r.ApplyScreen(row)

	if len(outcomes) != 1 {
		t.Fatalf("outcomes got=%d want=1", len(outcomes))
	}
	o := outcomes[0]
	if o.ResultIndex != 7 || !o.Won || o.PlayerName != "Ana" || o.Episode != 1 || o.Screen != 3 {
		t.Fatalf("unexpected outcome %+v", o)
	}
}

func TestOutcomeLoss(t *testing.T) {
	r := newTestReconciler(t, &scriptedScreens{}, clockwork.NewFakeClock())
	r.SetPlayer("Ben", []int{0, 1, 2})
	var got Outcome
	r.OnOutcome(func(o Outcome) { got = o })

	_ = r.BeginSpin()
	r.ApplyResult(5)
	if got.Won {
		t.Fatalf("result 5 with selection %v should lose", got.Selected)
	}
}

func TestMonotonicAcrossStaleRows(t *testing.T) {
	r := newTestReconciler(t, &scriptedScreens{}, clockwork.NewFakeClock())
	_ = r.BeginSpin()
	r.ApplyResult(4)

	if err := r.BeginSpin(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("BeginSpin from result got=%v want ErrInvalidTransition", err)
	}
	r.ApplyScreen(&models.Screen{ScreenNumber: 3, Status: models.ScreenStatusSpinning})
	if st := r.State(); st.Status != StatusResult || *st.Result != 4 {
		t.Fatalf("stale spinning row regressed state to %+v", st)
	}

	r.ApplyScreen(&models.Screen{ScreenNumber: 3, Status: models.ScreenStatusIdle})
	if got := r.State().Status; got != StatusIdle {
		t.Fatalf("idle row after result got=%s want=idle", got)
	}
	r.ApplyScreen(&models.Screen{ScreenNumber: 3, Status: models.ScreenStatusSpinning})
	if got := r.State().Status; got != StatusSpinning {
		t.Fatalf("spinning row after idle got=%s want=spinning", got)
	}
}

func TestApplyScreenCatchesUp(t *testing.T) {
	r := newTestReconciler(t, &scriptedScreens{}, clockwork.NewFakeClock())
	var outcomes int
	r.OnOutcome(func(Outcome) { outcomes++ })

	r.ApplyScreen(&models.Screen{ScreenNumber: 3, Status: models.ScreenStatusResult, LastSpinResult: intPtr(9)})
	st := r.State()
	if st.Status != StatusResult || *st.Result != 9 || st.Episode != 1 {
		t.Fatalf("catch-up got=%+v", st)
	}
	if outcomes != 1 {
		t.Fatalf("outcomes got=%d want=1", outcomes)
	}

	r.ApplyScreen(&models.Screen{ScreenNumber: 4, Status: models.ScreenStatusIdle})
	if r.State().Status != StatusResult {
		t.Fatalf("row for another screen must be ignored")
	}
}

func TestDuplicateBlocksFlow(t *testing.T) {
	r := newTestReconciler(t, &scriptedScreens{}, clockwork.NewFakeClock())
	r.MarkDuplicate()
	r.ApplyScreen(&models.Screen{ScreenNumber: 3, Status: models.ScreenStatusResult, LastSpinResult: intPtr(1)})
	if got := r.State().Status; got != StatusDuplicate {
		t.Fatalf("got=%s want=duplicate", got)
	}
	if err := r.BeginSpin(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("BeginSpin while duplicate got=%v", err)
	}
	r.ClearDuplicate()
	if got := r.State().Status; got != StatusIdle {
		t.Fatalf("got=%s want=idle", got)
	}
}

func TestResolveUsesLocalResultWithoutFetch(t *testing.T) {
	screens := &scriptedScreens{}
	r := newTestReconciler(t, screens, clockwork.NewFakeClock())
	_ = r.BeginSpin()
	r.SetLocalResult(2)

	if r.Resolve(context.Background()) {
		t.Fatalf("Resolve should be a no-op once the local result applied")
	}
	if screens.Calls() != 0 {
		t.Fatalf("fetch calls got=%d want=0", screens.Calls())
	}
	if st := r.State(); st.Status != StatusResult || *st.Result != 2 {
		t.Fatalf("got=%+v", st)
	}
}

func TestResolveFirstFetchHit(t *testing.T) {
	screens := &scriptedScreens{responses: []*models.Screen{
		{ScreenNumber: 3, Status: models.ScreenStatusResult, LastSpinResult: intPtr(3)},
	}}
	r := newTestReconciler(t, screens, clockwork.NewFakeClock())
	_ = r.BeginSpin()

	if !r.Resolve(context.Background()) {
		t.Fatalf("Resolve should apply the fetched result")
	}
	if screens.Calls() != 1 {
		t.Fatalf("fetch calls got=%d want=1", screens.Calls())
	}
}

// A spin with no push event resolves from the retry one second later and then stops fetching.
func TestResolveRetriesOnceAfterDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	screens := &scriptedScreens{responses: []*models.Screen{
		{ScreenNumber: 3, Status: models.ScreenStatusSpinning},
		{ScreenNumber: 3, Status: models.ScreenStatusResult, LastSpinResult: intPtr(7)},
	}}
	r := newTestReconciler(t, screens, clock)
	_ = r.BeginSpin()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() { done <- r.Resolve(ctx) }()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for retry timer: %v", err)
	}
	if got := r.State().Status; got != StatusSpinning {
		t.Fatalf("before retry got=%s want=spinning", got)
	}
	clock.Advance(DefaultRetryDelay)

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("Resolve reported no result")
		}
	case <-ctx.Done():
		t.Fatalf("Resolve did not finish")
	}

	st := r.State()
	if st.Status != StatusResult || *st.Result != 7 {
		t.Fatalf("got=%+v want result 7", st)
	}
	if screens.Calls() != 2 {
		t.Fatalf("fetch calls got=%d want=2", screens.Calls())
	}
	r.Resolve(ctx)
	if screens.Calls() != 2 {
		t.Fatalf("fetch after result got=%d want=2", screens.Calls())
	}
}

func TestResolveGivesUpAndForceIdle(t *testing.T) {
	clock := clockwork.NewFakeClock()
	screens := &scriptedScreens{err: errors.New("boom")}
	r := newTestReconciler(t, screens, clock)
	_ = r.BeginSpin()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan bool, 1)
	go func() { done <- r.Resolve(ctx) }()

	if err := clock.BlockUntilContext(ctx, 1); err != nil {
		t.Fatalf("waiting for retry timer: %v", err)
	}
	clock.Advance(DefaultRetryDelay)
	if ok := <-done; ok {
		t.Fatalf("Resolve should give up")
	}
	if screens.Calls() != 2 {
		t.Fatalf("fetch calls got=%d want=2", screens.Calls())
	}
	if _, _, spinning := r.SpinningSince(); !spinning {
		t.Fatalf("still expected spinning until forced idle")
	}
	if !r.ForceIdle("timeout") {
		t.Fatalf("ForceIdle should change state")
	}
	if r.ForceIdle("timeout") {
		t.Fatalf("second ForceIdle should be a no-op")
	}
}

func TestResolveSingleFlight(t *testing.T) {
	clock := clockwork.NewFakeClock()
	screens := &scriptedScreens{}
	r := newTestReconciler(t, screens, clock)
	_ = r.BeginSpin()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- r.Resolve(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := clock.BlockUntilContext(waitCtx, 1); err != nil {
		t.Fatalf("waiting for retry timer: %v", err)
	}
	if r.Resolve(context.Background()) {
		t.Fatalf("concurrent Resolve should not run")
	}
	if screens.Calls() != 1 {
		t.Fatalf("fetch calls got=%d want=1", screens.Calls())
	}
	cancel()
	<-done
}

// captureLog redirects the global logger into a buffer for the rest of the test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	t.Cleanup(func() { log.Logger = prev })
	return &buf
}

func TestLogMessagesAreLowercase(t *testing.T) {
	buf := captureLog(t)
	r := newTestReconciler(t, &scriptedScreens{}, clockwork.NewFakeClock())

	r.SetLocalResult(1)
	_ = r.BeginSpin()
	r.ApplyResult(2)
	r.ApplyResult(5)
	r.Reset()
	_ = r.BeginSpin()
	r.ForceIdle("timeout")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) < 4 {
		t.Fatalf("log lines got=%d want>=4\n%s", len(lines), buf.String())
	}
	for _, line := range lines {
		var entry struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(line, &entry); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		if entry.Message == "" {
			t.Fatalf("missing message in %q", line)
		}
		if first := []rune(entry.Message)[0]; unicode.IsUpper(first) {
			t.Errorf("message %q should start lowercase", entry.Message)
		}
	}
}
