package pacing

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/AltairaLabs/session-supervisor/internal/coordinator/config"
)

func testConfig() config.DispatchConfig {
	return config.DispatchConfig{
		BurstLimit:      10,
		MessageDelayMin: 2 * time.Second,
		MessageDelayMax: 5 * time.Second,
		RestDelayMin:    30 * time.Second,
		RestDelayMax:    60 * time.Second,
	}
}

func TestNextBurstBoundary(t *testing.T) {
	cfg := testConfig()
	p := New(Static(cfg), rand.New(rand.NewPCG(1, 2)))

	for count := 1; count <= 40; count++ {
		d := p.Next(count)
		lo, hi := cfg.MessageDelayMin, cfg.MessageDelayMax
		if count%10 == 0 {
			lo, hi = cfg.RestDelayMin, cfg.RestDelayMax
		}
		if d < lo || d > hi {
			t.Errorf("count=%d: expected delay in [%v, %v], got %v", count, lo, hi, d)
		}
	}
}

func TestMessageDelayNeverRests(t *testing.T) {
	cfg := testConfig()
	p := New(Static(cfg), rand.New(rand.NewPCG(3, 4)))

	for i := 0; i < 20; i++ {
		d := p.MessageDelay()
		if d < cfg.MessageDelayMin || d > cfg.MessageDelayMax {
			t.Fatalf("Expected delay in [%v, %v], got %v", cfg.MessageDelayMin, cfg.MessageDelayMax, d)
		}
	}
}

func TestIsRest(t *testing.T) {
	tests := []struct {
		count, burst int
		want         bool
	}{
		{1, 10, false},
		{9, 10, false},
		{10, 10, true},
		{20, 10, true},
		{21, 10, false},
		{0, 10, false},
		{3, 1, true},
		{5, 0, false},
	}
	for _, tt := range tests {
		if got := IsRest(tt.count, tt.burst); got != tt.want {
			t.Errorf("IsRest(%d, %d): expected %v, got %v", tt.count, tt.burst, tt.want, got)
		}
	}
}

func TestNextFixedRange(t *testing.T) {
	cfg := testConfig()
	cfg.MessageDelayMin, cfg.MessageDelayMax = time.Second, time.Second
	p := New(Static(cfg), nil)

	if got := p.Next(1); got != time.Second {
		t.Errorf("Expected %v, got %v", time.Second, got)
	}
}

type switchable struct{ cfg config.DispatchConfig }

func (s *switchable) Current() config.DispatchConfig { return s.cfg }

func TestNextFollowsLiveConfig(t *testing.T) {
	src := &switchable{cfg: testConfig()}
	p := New(src, nil)

	if got := p.Next(3); got < 2*time.Second {
		t.Errorf("Expected at least 2s, got %v", got)
	}

	src.cfg.BurstLimit = 3
	src.cfg.RestDelayMin, src.cfg.RestDelayMax = time.Hour, time.Hour
	if got := p.Next(3); got != time.Hour {
		t.Errorf("Expected %v, got %v", time.Hour, got)
	}
}
