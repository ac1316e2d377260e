package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// DatumMessage is the JSON form of a datum used on MQTT topics, Redis
// Streams and the HTTP API.
type DatumMessage struct {
	SourceID   string             `json:"sourceId"`
	LocationID string             `json:"locationId,omitempty"`
	Kind       string             `json:"kind,omitempty"`
	Created    int64              `json:"created"` // epoch milliseconds
	I          map[string]float64 `json:"i,omitempty"`
	A          map[string]float64 `json:"a,omitempty"`
	S          map[string]any     `json:"s,omitempty"`
	T          []string           `json:"t,omitempty"`
}

// ToMessage converts d to its wire form.
func (d *Datum) ToMessage() *DatumMessage {
	msg := &DatumMessage{
		SourceID:   d.SourceID,
		LocationID: d.LocationID,
		Kind:       d.Kind.String(),
		Created:    d.Timestamp.UnixMilli(),
	}
	if d.Samples != nil {
		msg.I = d.Samples.Instantaneous
		msg.A = d.Samples.Accumulating
		msg.S = d.Samples.Status
		msg.T = d.Samples.Tags
	}
	return msg
}

// MarshalJSON encodes the wire form.
func (d *Datum) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToMessage())
}

// ToDatum validates msg and converts it to a datum. A missing kind means a
// node datum; a missing created date means now.
func (msg *DatumMessage) ToDatum() (*Datum, error) {
	if msg.SourceID == "" {
		return nil, &DataFormatError{Message: "missing sourceId"}
	}
	kind, err := ParseKind(msg.Kind)
	if err != nil {
		return nil, &DataFormatError{Message: err.Error()}
	}
	if kind == KindAny {
		kind = KindNode
	}
	if kind == KindLocation && msg.LocationID == "" {
		return nil, &DataFormatError{Message: "missing locationId for location datum"}
	}

	ts := time.Now()
	if msg.Created > 0 {
		ts = time.UnixMilli(msg.Created)
	}
	samples := &Samples{
		Instantaneous: msg.I,
		Accumulating:  msg.A,
		Status:        msg.S,
		Tags:          msg.T,
	}
	if kind == KindLocation {
		return NewLocationDatum(msg.LocationID, msg.SourceID, ts, samples), nil
	}
	return NewNodeDatum(msg.SourceID, ts, samples), nil
}

// ParseDatumJSON decodes a JSON datum payload.
func ParseDatumJSON(payload []byte) (*Datum, error) {
	var msg DatumMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal datum: %w", err)
	}
	return msg.ToDatum()
}

// ParseStreamDatum decodes a Redis Streams entry whose "data" field holds a
// JSON datum.
func ParseStreamDatum(values map[string]interface{}) (*Datum, error) {
	dataStr, ok := values["data"].(string)
	if !ok {
		return nil, ErrInvalidDataFormat
	}
	return ParseDatumJSON([]byte(dataStr))
}

// ErrInvalidDataFormat is returned for payloads without a datum.
var ErrInvalidDataFormat = &DataFormatError{Message: "invalid data format"}

// DataFormatError describes a malformed datum payload.
type DataFormatError struct {
	Message string
}

func (e *DataFormatError) Error() string {
	return e.Message
}
