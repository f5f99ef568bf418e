package speech

import "sync"

// TranscriptBuffer accumulates final recognition results separated by a single space and
// tracks the latest interim text separately.
type TranscriptBuffer struct {
	mu      sync.Mutex
	text    string
	interim string
}

// Apply folds ev into the buffer and returns the accumulated text.
func (b *TranscriptBuffer) Apply(ev TranscriptEvent) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ev.Final {
		b.interim = ev.Text
		return b.text
	}
	b.interim = ""
	if ev.Text == "" {
		return b.text
	}
	if b.text == "" {
		b.text = ev.Text
	} else {
		b.text += " " + ev.Text
	}
	return b.text
}

func (b *TranscriptBuffer) Text() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.text
}

func (b *TranscriptBuffer) Interim() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.interim
}

func (b *TranscriptBuffer) Reset() {
	b.mu.Lock()
	b.text, b.interim = "", ""
	b.mu.Unlock()
}
