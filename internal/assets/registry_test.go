package assets

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-audio/wav"
)

func TestRegistryPutGetRelease(t *testing.T) {
	reg, err := NewRegistry(4)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	asset, err := reg.Put([]byte("audio"), "audio/mpeg")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if asset.URL() != "/v1/audio/"+asset.ID {
		t.Fatalf("unexpected url %q", asset.URL())
	}
	got, err := reg.Get(asset.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ContentType != "audio/mpeg" || string(got.Data) != "audio" {
		t.Fatalf("unexpected asset %+v", got)
	}
	reg.Release(asset.ID)
	if _, err := reg.Get(asset.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after release, got %v", err)
	}
	reg.Release(asset.ID)
}

func TestRegistryEvictsOldest(t *testing.T) {
	reg, err := NewRegistry(2)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	first, _ := reg.Put([]byte{1}, "")
	reg.Put([]byte{2}, "")
	reg.Put([]byte{3}, "")
	if _, err := reg.Get(first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected oldest asset evicted")
	}
	if reg.Len() != 2 {
		t.Fatalf("expected 2 assets, got %d", reg.Len())
	}
	if reg.Evicted() != 1 {
		t.Fatalf("expected 1 eviction, got %d", reg.Evicted())
	}
}

func TestRegistryRejectsEmpty(t *testing.T) {
	if _, err := NewRegistry(0); err == nil {
		t.Fatalf("expected error for zero size")
	}
	reg, _ := NewRegistry(1)
	if _, err := reg.Put(nil, "audio/wav"); err == nil {
		t.Fatalf("expected error for empty payload")
	}
}

func TestWrapPCM(t *testing.T) {
	pcm := make([]byte, 200)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	data, err := WrapPCM(pcm, 16000, 1)
	if err != nil {
		t.Fatalf("WrapPCM: %v", err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatalf("expected valid wav output")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 {
		t.Fatalf("unexpected format %d Hz x %d", dec.SampleRate, dec.NumChans)
	}

	if _, err := WrapPCM([]byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatalf("expected error for odd-length pcm")
	}
}

func TestPCMRate(t *testing.T) {
	cases := map[string]int{"pcm_22050": 22050, "pcm_16000": 16000}
	for format, want := range cases {
		got, ok := PCMRate(format)
		if !ok || got != want {
			t.Fatalf("PCMRate(%q) = %d, %v", format, got, ok)
		}
	}
	for _, format := range []string{"", "mp3_44100_128", "pcm_x"} {
		if _, ok := PCMRate(format); ok {
			t.Fatalf("PCMRate(%q) should not parse", format)
		}
	}
}
