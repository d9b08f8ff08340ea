package telegraph

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/zulandar/chatterbox/internal/config"
)

// virtualClock advances only when the pacer waits on it.
type virtualClock struct {
	t     time.Time
	waits []time.Duration
}

func (c *virtualClock) Now() time.Time { return c.t }

func (c *virtualClock) After(d time.Duration) <-chan time.Time {
	c.waits = append(c.waits, d)
	c.t = c.t.Add(d)
	ch := make(chan time.Time, 1)
	ch <- c.t
	return ch
}

func testPacer(clock *virtualClock, chance float64, roll float64) *Pacer {
	return NewPacer(PacerOpts{
		Pacing: config.PacingConfig{
			Tiers:           config.DefaultPacingTiers,
			RefreshInterval: 3 * time.Second,
			BreakTolerance:  10,
			SplitChance:     chance,
		},
		MaxMessageSize: 40,
		Now:            clock.Now,
		After:          clock.After,
		Rand:           func() float64 { return roll },
	})
}

func TestPacer_Delay(t *testing.T) {
	p := testPacer(&virtualClock{}, 0, 1)
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{50, 2 * time.Second},
		{51, 4 * time.Second},
		{200, 4 * time.Second},
		{500, 5 * time.Second},
		{5000, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Delay(tt.n); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestPacer_WaitRefreshesTyping(t *testing.T) {
	clock := &virtualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := testPacer(clock, 0, 1)
	start := clock.t

	calls := make(chan struct{}, 10)
	p.Wait(context.Background(), start, 1000, func(context.Context) error {
		calls <- struct{}{}
		return nil
	})

	if got := clock.t.Sub(start); got != 8*time.Second {
		t.Errorf("waited %v, want 8s", got)
	}
	for i := 0; i < 3; i++ {
		select {
		case <-calls:
		case <-time.After(time.Second):
			t.Fatalf("typing calls = %d, want 3", i)
		}
	}
	select {
	case <-calls:
		t.Error("typing calls > 3, want 3")
	case <-time.After(50 * time.Millisecond):
	}
	for _, w := range clock.waits {
		if w > 3*time.Second {
			t.Errorf("single wait %v exceeds refresh interval", w)
		}
	}
}

func TestPacer_WaitNotDelayedBySlowTyping(t *testing.T) {
	p := NewPacer(PacerOpts{
		Pacing: config.PacingConfig{
			Tiers:           []config.PacingTier{{Delay: 100 * time.Millisecond}},
			RefreshInterval: time.Second,
		},
	})

	typingDone := make(chan error, 1)
	start := time.Now()
	p.Wait(context.Background(), start, 10, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			typingDone <- ctx.Err()
		case <-time.After(5 * time.Second):
			typingDone <- nil
		}
		return errors.New("indicator stalled")
	})

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Wait took %v, want about 100ms", elapsed)
	}
	select {
	case err := <-typingDone:
		if err == nil {
			t.Error("typing context was never cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Error("typing context still live after Wait returned")
	}
}

func TestPacer_WaitCountsElapsedGeneration(t *testing.T) {
	clock := &virtualClock{t: time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)}
	p := testPacer(clock, 0, 1)

	// Generation already took 3s of a 4s budget.
	p.Wait(context.Background(), clock.t.Add(-3*time.Second), 100, nil)
	if len(clock.waits) != 1 || clock.waits[0] != time.Second {
		t.Errorf("waits = %v, want [1s]", clock.waits)
	}

	// Generation took longer than the budget: no wait at all.
	clock.waits = nil
	p.Wait(context.Background(), clock.t.Add(-time.Minute), 100, nil)
	if len(clock.waits) != 0 {
		t.Errorf("waits = %v, want none", clock.waits)
	}
}

func TestPacer_WaitSwallowsTypingFailure(t *testing.T) {
	clock := &virtualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	p := testPacer(clock, 0, 1)
	start := clock.t

	p.Wait(context.Background(), start, 10, func(context.Context) error {
		return errors.New("indicator down")
	})
	if got := clock.t.Sub(start); got != 2*time.Second {
		t.Errorf("waited %v, want exactly 2s", got)
	}
}

func TestPacer_WaitStopsOnCancel(t *testing.T) {
	p := NewPacer(PacerOpts{
		Pacing: config.PacingConfig{Tiers: []config.PacingTier{{Delay: time.Hour}}},
		After:  func(time.Duration) <-chan time.Time { return nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		p.Wait(ctx, time.Now(), 10, nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after cancel")
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name string
		text string
		size int
		tol  int
		want []string
	}{
		{"short", "  hello there  ", 20, 5, []string{"hello there"}},
		{"empty", "   ", 20, 5, nil},
		{"newline break", "first line\nsecond line", 15, 8, []string{"first line", "second line"}},
		{"sentence break", "One two. Three four.", 12, 6, []string{"One two.", "Three four."}},
		{"no break in window", "second line here", 15, 8, []string{"second line her", "e"}},
		{"hard cut", "abcdefghijklmnop", 5, 2, []string{"abcde", "fghij", "klmno", "p"}},
		{"abbreviation needs space", "v1.2.3 is out now", 8, 4, []string{"v1.2.3 i", "s out no", "w"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Chunk(tt.text, tt.size, tt.tol)
			if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
				t.Errorf("Chunk() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChunk_Properties(t *testing.T) {
	inputs := []string{
		strings.Repeat("Lorem ipsum dolor sit amet. ", 40),
		strings.Repeat("word ", 500),
		strings.Repeat("x", 4321),
		strings.Repeat("line one\nline two!\n\n", 90),
		strings.Repeat("héllo wörld ✨ ", 120),
	}
	for _, in := range inputs {
		for _, size := range []int{50, 200, 2000} {
			chunks := Chunk(in, size, 20)
			for _, c := range chunks {
				if c == "" {
					t.Errorf("size %d: empty chunk", size)
				}
				if n := utf8.RuneCountInString(c); n > size {
					t.Errorf("size %d: chunk of %d runes", size, n)
				}
			}
			if stripSpace(strings.Join(chunks, "")) != stripSpace(in) {
				t.Errorf("size %d: rejoined chunks differ from input", size)
			}
		}
	}
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

func TestPacer_Plan(t *testing.T) {
	clock := &virtualClock{}

	long := strings.Repeat("abc ", 30)
	if got := testPacer(clock, 1, 0).Plan(long); len(got) < 2 {
		t.Errorf("Plan(long) = %d chunks, want length split", len(got))
	}

	short := "Sure thing. I can help with that."
	if got := testPacer(clock, 0.05, 0.9).Plan(short); len(got) != 1 {
		t.Errorf("Plan(short) without roll = %q, want one chunk", got)
	}
	got := testPacer(clock, 0.05, 0.01).Plan(short)
	want := []string{"Sure thing.", "I can help with that."}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("Plan(short) with roll = %q, want %q", got, want)
	}
}

func TestSplitMidpoint(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Sure thing. I can help with that.", []string{"Sure thing.", "I can help with that."}},
		{"no sentence ends in this text", []string{"no sentence ends", "in this text"}},
		{"unbreakable", []string{"unbreakable"}},
	}
	for _, tt := range tests {
		got := splitMidpoint(tt.text)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") {
			t.Errorf("splitMidpoint(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}
