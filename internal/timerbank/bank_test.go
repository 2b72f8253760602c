package timerbank

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func newBank(t *testing.T) (*Bank, clockwork.FakeClock, chan Fire) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	fires := make(chan Fire, 8)
	return New(clock, func(f Fire) { fires <- f }), clock, fires
}

func expectFire(t *testing.T, fires <-chan Fire) Fire {
	t.Helper()
	select {
	case f := <-fires:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timer did not fire")
	}
	return Fire{}
}

func expectNoFire(t *testing.T, fires <-chan Fire) {
	t.Helper()
	select {
	case f := <-fires:
		t.Fatalf("unexpected fire: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStartCancelsPreviousOfSameKind(t *testing.T) {
	t.Parallel()
	b, clock, fires := newBank(t)

	first := b.Start(Silence, time.Second)
	clock.Advance(500 * time.Millisecond)
	second := b.Start(Silence, time.Second)
	if first == second {
		t.Fatalf("generations should differ: %d", first)
	}
	if b.Live() != 1 {
		t.Fatalf("live timers: want=1 got=%d", b.Live())
	}

	// the first arming would have expired here
	clock.Advance(700 * time.Millisecond)
	expectNoFire(t, fires)

	clock.Advance(300 * time.Millisecond)
	f := expectFire(t, fires)
	if f.Kind != Silence || f.Gen != second {
		t.Fatalf("fire: want=silence/%d got=%v/%d", second, f.Kind, f.Gen)
	}
	if b.Active(Silence) {
		t.Fatal("fired timer should no longer be active")
	}
}

func TestKindsAreIndependent(t *testing.T) {
	t.Parallel()
	b, clock, fires := newBank(t)

	b.Start(Inactivity, 3*time.Second)
	b.Start(Silence, time.Second)
	b.Start(MaxDuration, 2*time.Second)
	if b.Live() != 3 {
		t.Fatalf("live timers: want=3 got=%d", b.Live())
	}

	b.Stop(Silence)
	clock.Advance(2 * time.Second)
	if f := expectFire(t, fires); f.Kind != MaxDuration {
		t.Fatalf("want=max_duration got=%v", f.Kind)
	}
	expectNoFire(t, fires)
	if !b.Active(Inactivity) {
		t.Fatal("inactivity should still be armed")
	}
	if dl, ok := b.Deadline(Inactivity); !ok || !dl.Equal(clock.Now().Add(time.Second)) {
		t.Fatalf("inactivity deadline: got=%v ok=%v", dl, ok)
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()
	b, clock, fires := newBank(t)
	b.Start(Inactivity, time.Second)
	b.Start(Silence, time.Second)
	b.StopAll()
	if b.Live() != 0 {
		t.Fatalf("live timers after StopAll: want=0 got=%d", b.Live())
	}
	clock.Advance(5 * time.Second)
	expectNoFire(t, fires)
	if g := b.Gen(Silence); g != 0 {
		t.Fatalf("Gen after stop: want=0 got=%d", g)
	}
}
