package transcript

import (
	"strings"
	"testing"
	"time"
)

// fakeNow returns a time source that advances through the given offsets from
// zero, then keeps returning the last one.
func fakeNow(zero time.Time, offsets ...time.Duration) func() time.Time {
	i := 0
	return func() time.Time {
		off := offsets[len(offsets)-1]
		if i < len(offsets) {
			off = offsets[i]
			i++
		}
		return zero.Add(off)
	}
}

func TestClockInterval(t *testing.T) {
	t.Parallel()

	zero := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newClockAt(zero, fakeNow(zero, 1500*time.Millisecond, 3750*time.Millisecond))

	c.MarkStart("u1")
	got := c.Complete("u1")
	want := "00:00:01.500 --> 00:00:03.750"
	if got != want {
		t.Fatalf("Complete = %q, want %q", got, want)
	}
}

func TestClockMarkStartIdempotent(t *testing.T) {
	t.Parallel()

	zero := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// The ignored second MarkStart never reads the time source, so the
	// schedule has only two ticks: the first mark and Complete.
	c := newClockAt(zero, fakeNow(zero, time.Second, 5*time.Second))

	c.MarkStart("u1") // 1s, first call wins
	c.MarkStart("u1") // ignored, consumes no tick
	got := c.Complete("u1")
	want := "00:00:01.000 --> 00:00:05.000"
	if got != want {
		t.Fatalf("Complete = %q, want %q", got, want)
	}
}

func TestClockCompleteWithoutMark(t *testing.T) {
	t.Parallel()

	zero := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newClockAt(zero, fakeNow(zero, 2*time.Second))

	got := c.Complete("never-marked")
	want := "00:00:02.000 --> 00:00:02.000"
	if got != want {
		t.Fatalf("Complete = %q, want %q", got, want)
	}
}

func TestClockForgetsMarkAfterComplete(t *testing.T) {
	t.Parallel()

	zero := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := newClockAt(zero, fakeNow(zero, time.Second, 4*time.Second, 9*time.Second))

	c.MarkStart("u1")
	_ = c.Complete("u1") // consumes the mark

	// Start now equals end because the mark is gone.
	got := c.Complete("u1")
	want := "00:00:09.000 --> 00:00:09.000"
	if got != want {
		t.Fatalf("Complete after mark consumed = %q, want %q", got, want)
	}
}

func TestClockClampsNegative(t *testing.T) {
	t.Parallel()

	zero := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// The mark lands before the zero point (clock skew); both components
	// must clamp to zero and keep end >= start.
	c := newClockAt(zero, fakeNow(zero, -2*time.Second, -time.Second))

	c.MarkStart("u1")
	got := c.Complete("u1")
	want := "00:00:00.000 --> 00:00:00.000"
	if got != want {
		t.Fatalf("Complete = %q, want %q", got, want)
	}
}

func TestFormatTimestamp(t *testing.T) {
	t.Parallel()

	cases := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00.000"},
		{1499 * time.Millisecond, "00:00:01.499"},
		{time.Millisecond + 999*time.Microsecond, "00:00:00.001"}, // floored
		{time.Hour + 2*time.Minute + 3*time.Second, "01:02:03.000"},
		{101 * time.Hour, "101:00:00.000"}, // hours are not capped
	}
	for _, tc := range cases {
		if got := FormatTimestamp(tc.d); got != tc.want {
			t.Errorf("FormatTimestamp(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestIntervalSeparator(t *testing.T) {
	t.Parallel()

	got := Interval(time.Second, 2*time.Second)
	if !strings.Contains(got, " --> ") {
		t.Fatalf("Interval missing arrow separator: %q", got)
	}
}
