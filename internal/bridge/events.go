package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/visionflow/visionflow/internal/pipeline"
)

// Message types on the wire.
const (
	TypeConnectionStatus = "connection_status"
	TypeStatusUpdate     = "status_update"
	TypeConfigUpdate     = "config_update"
	TypeLifecycleEvent   = "lifecycle_event"
	TypeNotification     = "notification"
	TypeRecord           = "record"
)

// Payload encodings for record messages.
const (
	EncodingBase64     = "base64"
	EncodingGzipBase64 = "gzip+base64"
)

// ConnectionStatusMessage confirms a subscription to the client.
type ConnectionStatusMessage struct {
	Type      string  `json:"type"`
	Status    string  `json:"status"`
	Pipeline  string  `json:"pipeline"`
	Topic     string  `json:"topic,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// StatusUpdateMessage reports a worker phase or state change.
type StatusUpdateMessage struct {
	Type      string  `json:"type"`
	Pipeline  string  `json:"pipeline"`
	Phase     string  `json:"phase"`
	State     string  `json:"state"`
	PrevState string  `json:"prev_state,omitempty"`
	Error     string  `json:"error,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// ConfigUpdateMessage reports an applied configuration change.
type ConfigUpdateMessage struct {
	Type        string   `json:"type"`
	Pipeline    string   `json:"pipeline"`
	ChangedKeys []string `json:"changed_keys"`
	Timestamp   float64  `json:"timestamp"`
}

// LifecycleEventMessage reports started, stopped, and crashed events.
type LifecycleEventMessage struct {
	Type      string  `json:"type"`
	Pipeline  string  `json:"pipeline"`
	Event     string  `json:"event"`
	Error     string  `json:"error,omitempty"`
	Timestamp float64 `json:"timestamp"`
}

// NotificationMessage carries worker warnings and errors.
type NotificationMessage struct {
	Type      string  `json:"type"`
	Pipeline  string  `json:"pipeline"`
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// RecordMessage carries one topic record. Gap reports records evicted
// before this one could be delivered; zero means a contiguous stream.
type RecordMessage struct {
	Type       string            `json:"type"`
	Pipeline   string            `json:"pipeline"`
	Topic      string            `json:"topic"`
	Seq        uint64            `json:"seq"`
	Payload    string            `json:"payload"`
	Encoding   string            `json:"encoding"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Gap        uint64            `json:"gap,omitempty"`
	ProducedAt float64           `json:"produced_at"`
	Timestamp  float64           `json:"timestamp"`
}

func epoch(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func now() float64 { return epoch(time.Now()) }

// encodeUpdate converts a supervisor update into its wire form.
// Returns nil for update kinds with no wire representation.
func encodeUpdate(u pipeline.Update) ([]byte, string, error) {
	ts := epoch(u.At)
	switch u.Kind {
	case pipeline.UpdateStatus:
		return marshal(StatusUpdateMessage{
			Type:      TypeStatusUpdate,
			Pipeline:  u.Pipeline,
			Phase:     u.Status.Phase.String(),
			State:     u.Status.State,
			PrevState: u.Status.PrevState,
			Error:     u.Status.Err,
			Timestamp: ts,
		}, TypeStatusUpdate)
	case pipeline.UpdateConfig:
		return marshal(ConfigUpdateMessage{
			Type:        TypeConfigUpdate,
			Pipeline:    u.Pipeline,
			ChangedKeys: u.ChangedKeys,
			Timestamp:   ts,
		}, TypeConfigUpdate)
	case pipeline.UpdateLifecycle:
		return marshal(LifecycleEventMessage{
			Type:      TypeLifecycleEvent,
			Pipeline:  u.Pipeline,
			Event:     string(u.Lifecycle),
			Error:     u.Status.Err,
			Timestamp: ts,
		}, TypeLifecycleEvent)
	case pipeline.UpdateNotice:
		return marshal(NotificationMessage{
			Type:      TypeNotification,
			Pipeline:  u.Pipeline,
			Level:     u.Level,
			Message:   u.Message,
			Timestamp: ts,
		}, TypeNotification)
	}
	return nil, "", nil
}

// encodeRecord converts a record into its wire form, compressing
// payloads at or above compressMin bytes.
func encodeRecord(name, topic string, rec pipeline.Record, gap uint64, compressMin int) ([]byte, error) {
	payload := rec.Payload
	encoding := EncodingBase64
	if compressMin > 0 && len(payload) >= compressMin {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(payload); err != nil {
			return nil, fmt.Errorf("compress record: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress record: %w", err)
		}
		payload = buf.Bytes()
		encoding = EncodingGzipBase64
	}

	msg, _, err := marshal(RecordMessage{
		Type:       TypeRecord,
		Pipeline:   name,
		Topic:      topic,
		Seq:        rec.Seq,
		Payload:    base64.StdEncoding.EncodeToString(payload),
		Encoding:   encoding,
		Metadata:   rec.Metadata,
		Gap:        gap,
		ProducedAt: epoch(rec.ProducedAt),
		Timestamp:  now(),
	}, TypeRecord)
	return msg, err
}

// DecodeRecordPayload reverses encodeRecord's payload encoding.
func DecodeRecordPayload(msg RecordMessage) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode record payload: %w", err)
	}
	if msg.Encoding != EncodingGzipBase64 {
		return raw, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decompress record payload: %w", err)
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, fmt.Errorf("decompress record payload: %w", err)
	}
	return buf.Bytes(), nil
}

func marshal(v interface{}, typ string) ([]byte, string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, "", fmt.Errorf("marshal %s: %w", typ, err)
	}
	return raw, typ, nil
}
