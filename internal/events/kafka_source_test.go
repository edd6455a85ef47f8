package events

import (
	"encoding/json"
	"testing"
)

func TestNewKafkaSource_Validation(t *testing.T) {
	bus := NewBus(nil)

	cfg := DefaultKafkaConfig()
	cfg.Brokers = nil
	if _, err := NewKafkaSource(cfg, bus, nil); err == nil {
		t.Error("NewKafkaSource() accepted empty broker list")
	}

	cfg = DefaultKafkaConfig()
	cfg.Topic = ""
	if _, err := NewKafkaSource(cfg, bus, nil); err == nil {
		t.Error("NewKafkaSource() accepted empty topic")
	}
}

func TestEnvelopeDecoding(t *testing.T) {
	raw := `{"topic":"link.status_changed","op":"abcd1234-ef56","link":"link-9","status":124,"from_state":"running"}`

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	if Topic(env.Topic) != TopicLinkStatusChanged {
		t.Errorf("topic = %q", env.Topic)
	}
	if env.OperationID != "abcd1234-ef56" || env.LinkID != "link-9" || env.LinkStatus != 124 {
		t.Errorf("payload = %+v", env.OperationEvent)
	}
}
