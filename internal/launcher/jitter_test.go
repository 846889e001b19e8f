package launcher

import (
	"testing"
	"time"
)

func TestJitterSource_ForAgent(t *testing.T) {
	js := NewJitterSource(42)

	a1 := js.ForAgent("api").Int63()
	a2 := js.ForAgent("api").Int63()
	b := js.ForAgent("indexer").Int63()

	if a1 != a2 {
		t.Error("same agent should produce the same sequence")
	}
	if a1 == b {
		t.Error("different agents should produce different sequences")
	}
	if NewJitterSource(43).ForAgent("api").Int63() == a1 {
		t.Error("config seed should change the sequence")
	}
}

func TestJitterSource_AgentJitter(t *testing.T) {
	js := NewJitterSourceFromTime()

	if got := js.AgentJitter("api", 0); got != 0 {
		t.Errorf("AgentJitter(0) = %v, want 0", got)
	}
	if got := js.AgentJitter("api", -time.Second); got != 0 {
		t.Errorf("AgentJitter(<0) = %v, want 0", got)
	}
	for _, name := range []string{"a", "b", "c", "d"} {
		if got := js.AgentJitter(name, time.Second); got < 0 || got >= time.Second {
			t.Errorf("AgentJitter(%q) = %v, want [0, 1s)", name, got)
		}
	}
}
