package bridge

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visionflow/visionflow/internal/pipeline"
)

func TestEncodeRecordPlain(t *testing.T) {
	rec := pipeline.Record{
		Topic:      "frames",
		Seq:        42,
		Payload:    []byte("small payload"),
		Metadata:   map[string]string{"done": "true"},
		ProducedAt: time.Now(),
	}

	raw, err := encodeRecord("arm", "frames", rec, 3, 4096)
	require.NoError(t, err)

	var msg RecordMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, TypeRecord, msg.Type)
	assert.Equal(t, "arm", msg.Pipeline)
	assert.Equal(t, uint64(42), msg.Seq)
	assert.Equal(t, uint64(3), msg.Gap)
	assert.Equal(t, EncodingBase64, msg.Encoding)

	payload, err := DecodeRecordPayload(msg)
	require.NoError(t, err)
	assert.Equal(t, []byte("small payload"), payload)
}

func TestEncodeRecordCompressesLargePayloads(t *testing.T) {
	big := bytes.Repeat([]byte("frame-data "), 1024)
	rec := pipeline.Record{Seq: 1, Payload: big, ProducedAt: time.Now()}

	raw, err := encodeRecord("arm", "frames", rec, 0, 4096)
	require.NoError(t, err)

	var msg RecordMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, EncodingGzipBase64, msg.Encoding)
	assert.Less(t, len(msg.Payload), len(big), "repetitive payload shrinks")

	payload, err := DecodeRecordPayload(msg)
	require.NoError(t, err)
	assert.Equal(t, big, payload)
}

func TestEncodeRecordCompressionDisabled(t *testing.T) {
	big := bytes.Repeat([]byte("x"), 8192)
	raw, err := encodeRecord("arm", "frames", pipeline.Record{Seq: 1, Payload: big, ProducedAt: time.Now()}, 0, 0)
	require.NoError(t, err)

	var msg RecordMessage
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, EncodingBase64, msg.Encoding)
}

func TestEncodeUpdateKinds(t *testing.T) {
	at := time.Now()
	cases := []struct {
		update pipeline.Update
		typ    string
	}{
		{pipeline.Update{Kind: pipeline.UpdateStatus, Pipeline: "arm", At: at,
			Status: pipeline.Status{Phase: pipeline.PhaseRunning, State: "detecting"}}, TypeStatusUpdate},
		{pipeline.Update{Kind: pipeline.UpdateConfig, Pipeline: "arm", At: at,
			ChangedKeys: []string{"detector"}}, TypeConfigUpdate},
		{pipeline.Update{Kind: pipeline.UpdateLifecycle, Pipeline: "arm", At: at,
			Lifecycle: pipeline.LifecycleStarted}, TypeLifecycleEvent},
		{pipeline.Update{Kind: pipeline.UpdateNotice, Pipeline: "arm", At: at,
			Level: "warning", Message: "boom"}, TypeNotification},
	}

	for _, tc := range cases {
		raw, typ, err := encodeUpdate(tc.update)
		require.NoError(t, err)
		assert.Equal(t, tc.typ, typ)

		var envelope struct {
			Type      string  `json:"type"`
			Pipeline  string  `json:"pipeline"`
			Timestamp float64 `json:"timestamp"`
		}
		require.NoError(t, json.Unmarshal(raw, &envelope))
		assert.Equal(t, tc.typ, envelope.Type)
		assert.Equal(t, "arm", envelope.Pipeline)
		assert.InDelta(t, float64(at.UnixNano())/1e9, envelope.Timestamp, 0.001)
	}
}
