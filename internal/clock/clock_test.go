package clock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jensholdgaard/bidengine/internal/clock"
)

var opening = time.Date(2026, 5, 2, 18, 0, 0, 0, time.UTC)

func TestReal_Now(t *testing.T) {
	before := time.Now()
	got := clock.Real{}.Now()
	if got.Before(before) || got.After(time.Now()) {
		t.Errorf("Real.Now() = %v, outside the call window", got)
	}
}

func TestMock(t *testing.T) {
	tests := []struct {
		name string
		move func(*clock.Mock)
		want time.Time
	}{
		{name: "fixed", move: func(*clock.Mock) {}, want: opening},
		{name: "inside duplicate window", move: func(m *clock.Mock) { m.Advance(900 * time.Millisecond) }, want: opening.Add(900 * time.Millisecond)},
		{name: "past a timed auction end", move: func(m *clock.Mock) { m.Advance(24 * time.Hour) }, want: opening.Add(24 * time.Hour)},
		{name: "set back", move: func(m *clock.Mock) { m.Advance(time.Hour); m.Set(opening) }, want: opening},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := clock.NewMock(opening)
			tt.move(m)
			if got := m.Now(); !got.Equal(tt.want) {
				t.Errorf("Now() = %v, want %v", got, tt.want)
			}
			if got := m.Now(); !got.Equal(tt.want) {
				t.Errorf("second Now() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMock_ConcurrentAdvance(t *testing.T) {
	m := clock.NewMock(opening)
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Advance(time.Second)
			_ = m.Now()
		}()
	}
	wg.Wait()
	if want := opening.Add(50 * time.Second); !m.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", m.Now(), want)
	}
}
