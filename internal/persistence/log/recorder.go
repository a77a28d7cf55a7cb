package log

import (
	stdlog "log"
	"os"
	"path/filepath"

	"gridcourier/internal/bus"
)

// recordedTopics is the traffic worth replaying: everything a UI or an
// offline analysis would need to reconstruct a run.
var recordedTopics = []string{
	bus.TopicSystemInit,
	bus.TopicSystemReset,
	bus.TopicUserAddOrder,
	bus.TopicUserToggleObstacle,
	bus.TopicMonitorResult,
	bus.TopicAnalyzeResult,
	bus.TopicPlanResult,
	bus.TopicKnowledgeUpdate,
	bus.TopicEnvUpdate,
}

// Recorder taps the bus and persists every envelope on the recorded
// topics. Write failures are logged, never propagated: recording must not
// disturb the loop.
type Recorder struct {
	log *stdlog.Logger
	w   *JSONLZstdWriter

	cancels []func()
}

func NewRecorder(dataDir string) *Recorder {
	return &Recorder{
		log: stdlog.New(os.Stdout, "[recorder] ", stdlog.LstdFlags|stdlog.Lmicroseconds),
		w:   NewJSONLZstdWriter(filepath.Join(dataDir, "events"), "events"),
	}
}

func (r *Recorder) Start(b *bus.Bus) {
	for _, topic := range recordedTopics {
		r.cancels = append(r.cancels, b.Subscribe(topic, r.onEnvelope))
	}
}

func (r *Recorder) onEnvelope(env bus.Envelope) {
	e := Entry{
		At:      env.At,
		Topic:   env.Topic,
		Seq:     env.Seq,
		Epoch:   env.Epoch,
		Payload: env.Payload,
	}
	if err := r.w.Write(e); err != nil {
		r.log.Printf("write %s: %v", env.Topic, err)
	}
}

func (r *Recorder) Close() error {
	for _, c := range r.cancels {
		c()
	}
	r.cancels = nil
	return r.w.Close()
}
