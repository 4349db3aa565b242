package workqueue

import (
	"encoding/json"
	"fmt"
)

// encodingVersion is embedded in every encoded record so a future change of
// wire format is detectable by readers sharing the queue.
const encodingVersion = 1

// Broker identifies a Kafka broker endpoint a WorkUnit should be fetched
// from.
type Broker struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

func (b Broker) String() string { return fmt.Sprintf("%s:%d", b.Host, b.Port) }

// WorkUnit is a planner-produced request to fetch up to Len messages from
// (Topic, Partition) starting at Offset on Producer. WorkUnits are never
// mutated in place: every state transition produces a new value.
type WorkUnit struct {
	Version   int    `json:"version"`
	Producer  Broker `json:"producer"`
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
	Len       int64  `json:"len"`
}

// Validate checks that a WorkUnit carries everything the publish path
// requires before it may be pushed onto the work list.
func (w WorkUnit) Validate() error {
	if w.Producer.Host == "" || w.Producer.Port == 0 {
		return fmt.Errorf("workqueue: work unit missing producer endpoint")
	}
	if w.Topic == "" {
		return fmt.Errorf("workqueue: work unit missing topic")
	}
	if w.Partition < 0 {
		return fmt.Errorf("workqueue: work unit has negative partition %d", w.Partition)
	}
	if w.Offset < 0 {
		return fmt.Errorf("workqueue: work unit has negative offset %d", w.Offset)
	}
	if w.Len < 0 {
		return fmt.Errorf("workqueue: work unit has negative len %d", w.Len)
	}
	return nil
}

// Status is the settled outcome of one worker cycle.
type Status string

const (
	StatusOK   Status = "ok"
	StatusFail Status = "fail"
)

// RespData is the summarised fetch result recorded on a settled WorkUnit.
// It is nil whenever the worker made no progress.
type RespData struct {
	OffsetRead int64 `json:"offset-read"`
}

// WorkOutcome embeds a WorkUnit plus the settled status and optional
// summarised response data. It is created exactly once per settled
// attempt and is immutable once written to the complete list.
type WorkOutcome struct {
	WorkUnit
	Status   Status     `json:"status"`
	RespData *RespData  `json:"resp-data,omitempty"`
}

// encodeJSON marshals a record as plain JSON. The encoding version travels
// as WorkUnit's own top-level "version" key (promoted into WorkOutcome).
func encodeJSON(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// EncodeWorkUnit renders a WorkUnit to its wire encoding (JSON, versioned).
func EncodeWorkUnit(w WorkUnit) ([]byte, error) {
	w.Version = encodingVersion
	return encodeJSON(w)
}

// DecodeWorkUnit parses a wire-encoded WorkUnit.
func DecodeWorkUnit(b []byte) (WorkUnit, error) {
	var w WorkUnit
	if err := json.Unmarshal(b, &w); err != nil {
		return WorkUnit{}, fmt.Errorf("workqueue: decode work unit: %w", err)
	}
	return w, nil
}

// EncodeWorkOutcome renders a WorkOutcome to its wire encoding.
func EncodeWorkOutcome(o WorkOutcome) ([]byte, error) {
	o.Version = encodingVersion
	return encodeJSON(o)
}

// DecodeWorkOutcome parses a wire-encoded WorkOutcome.
func DecodeWorkOutcome(b []byte) (WorkOutcome, error) {
	var o WorkOutcome
	if err := json.Unmarshal(b, &o); err != nil {
		return WorkOutcome{}, fmt.Errorf("workqueue: decode work outcome: %w", err)
	}
	return o, nil
}
