// Package capability tracks which speech features this runtime can serve so clients can
// check support before opening a session.
package capability

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	Recognition       = "speech.recognition"
	LocalSynthesis    = "speech.synthesis.local"
	RemoteSynthesis   = "speech.synthesis.remote"
	PDFExtraction     = "documents.extract"
	DocumentAssistant = "documents.assistant"
)

type Capability struct {
	Name       string            `json:"name"`
	Available  bool              `json:"available"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type Registry struct {
	nodeID string
	bus    *bus.Client
	log    *slog.Logger

	mu   sync.RWMutex
	caps map[string]Capability
}

// NewRegistry builds an empty registry. busClient may be nil, in which case Announce only
// logs.
func NewRegistry(nodeID string, busClient *bus.Client, log *slog.Logger) *Registry {
	r := &Registry{
		nodeID: nodeID,
		bus:    busClient,
		log:    log.With(slog.String("component", "capability-registry")),
		caps:   make(map[string]Capability),
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return r
}

func (r *Registry) Set(name string, available bool, attrs map[string]string) {
	r.mu.Lock()
	r.caps[name] = Capability{Name: name, Available: available, Attributes: maps.Clone(attrs)}
	r.mu.Unlock()
}

func (r *Registry) Supported(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps[name].Available
}

// List returns every capability sorted by name.
func (r *Registry) List() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.caps))
	for _, name := range slices.Sorted(maps.Keys(r.caps)) {
		c := r.caps[name]
		c.Attributes = maps.Clone(c.Attributes)
		out = append(out, c)
	}
	return out
}

// Announce publishes the current capability set on the bus.
func (r *Registry) Announce() error {
	caps := r.List()
	msg := protocol.CapabilityAnnouncement{NodeID: r.nodeID, Timestamp: time.Now().UTC()}
	for _, c := range caps {
		msg.Capabilities = append(msg.Capabilities, protocol.CapabilityState{
			Name:       c.Name,
			Available:  c.Available,
			Attributes: c.Attributes,
		})
	}
	r.log.Info("capabilities", slog.Any("available", availableNames(caps)))
	if r.bus == nil {
		return nil
	}
	return r.bus.PublishJSON(protocol.SubjectCapabilities, msg)
}

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-speech/internal/capability")
	gauge, err := meter.Int64ObservableGauge("loqa_speech_capability_available",
		metric.WithDescription("1 when the capability can be served, 0 otherwise"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		for _, c := range r.List() {
			var v int64
			if c.Available {
				v = 1
			}
			obs.ObserveInt64(gauge, v, metric.WithAttributes(attribute.String("capability", c.Name)))
		}
		return nil
	}, gauge)
	return err
}

func availableNames(caps []Capability) []string {
	var names []string
	for _, c := range caps {
		if c.Available {
			names = append(names, c.Name)
		}
	}
	return names
}
