package speech

import "testing"

func TestTranscriptBufferOnlyGrowsOnFinals(t *testing.T) {
	var buf TranscriptBuffer
	events := []TranscriptEvent{
		{Text: "hel"},
		{Text: "hello"},
		{Text: "hello world", Final: true},
		{Text: "how"},
		{Text: "how are"},
		{Text: "how are you", Final: true},
		{Text: "trailing"},
	}
	for _, ev := range events {
		buf.Apply(ev)
	}
	if got := buf.Text(); got != "hello world how are you" {
		t.Fatalf("unexpected transcript %q", got)
	}
	if got := buf.Interim(); got != "trailing" {
		t.Fatalf("unexpected interim %q", got)
	}

	buf.Apply(TranscriptEvent{Final: true})
	if buf.Text() != "hello world how are you" || buf.Interim() != "" {
		t.Fatalf("empty final should only clear the interim")
	}

	buf.Reset()
	if buf.Text() != "" || buf.Interim() != "" {
		t.Fatalf("expected empty buffer after reset")
	}
}
