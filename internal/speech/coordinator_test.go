package speech

import (
	"errors"
	"testing"
)

func TestCoordinatorAdvice(t *testing.T) {
	c := NewCoordinator(nil, testLogger())
	if c.Status() != ModeNeither {
		t.Fatalf("expected neither, got %s", c.Status())
	}
	if advice := c.RequestListen(); advice.StopOther {
		t.Fatalf("no advice expected while idle")
	}

	c.SetSpeaking(true)
	advice := c.RequestListen()
	if !advice.StopOther || advice.Other != ModeSpeaking {
		t.Fatalf("expected advice to stop speaking, got %+v", advice)
	}
	if advice := c.RequestSpeak(); advice.StopOther {
		t.Fatalf("speaking while speaking needs no advice")
	}

	c.SetSpeaking(false)
	c.SetListening(true)
	advice = c.RequestSpeak()
	if !advice.StopOther || advice.Other != ModeListening {
		t.Fatalf("expected advice to stop listening, got %+v", advice)
	}
}

func TestCoordinatorTransitions(t *testing.T) {
	c := NewCoordinator(nil, testLogger())
	var seen []Transition
	c.OnTransition(func(tr Transition) { seen = append(seen, tr) })

	c.SetListening(true)
	c.SetListening(true)
	c.SetSpeaking(true)
	c.SetSpeaking(false)
	c.SetListening(false)

	want := []struct{ from, to Mode }{
		{ModeNeither, ModeListening},
		{ModeListening, ModeSpeaking},
		{ModeSpeaking, ModeListening},
		{ModeListening, ModeNeither},
	}
	if len(seen) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), seen)
	}
	for i, w := range want {
		if seen[i].From != w.from || seen[i].To != w.to {
			t.Fatalf("transition %d: got %s->%s, want %s->%s", i, seen[i].From, seen[i].To, w.from, w.to)
		}
	}
}

func TestCoordinatorReportError(t *testing.T) {
	var sources []string
	c := NewCoordinator(func(source string, err error) { sources = append(sources, source) }, testLogger())
	c.ReportError(SourceRecognition, errors.New("boom"))
	c.ReportError(SourceSynthesis, nil)
	if len(sources) != 1 || sources[0] != SourceRecognition {
		t.Fatalf("unexpected reported sources %v", sources)
	}
}
