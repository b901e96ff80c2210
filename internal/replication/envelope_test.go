package replication

import (
	"errors"
	"reflect"
	"testing"
)

func TestEnvelopeCodec(t *testing.T) {
	in := Envelope{
		Type:                      MessageSync,
		SenderID:                  "peer-a",
		TargetID:                  "peer-b",
		DocumentID:                "doc1",
		PeerMetadata:              map[string]any{MetadataDeviceKey: "device-a"},
		SupportedProtocolVersions: []string{ProtocolVersion},
		Data:                      []byte{1, 2, 3},
	}
	data, err := EncodeEnvelope(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in: %#v\nout: %#v", in, out)
	}
}

func TestEnvelopeValidation(t *testing.T) {
	t.Run("encode without type", func(t *testing.T) {
		if _, err := EncodeEnvelope(Envelope{SenderID: "a"}); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("expected ErrInvalidEnvelope, got %v", err)
		}
	})

	t.Run("decode garbage", func(t *testing.T) {
		if _, err := DecodeEnvelope([]byte{0xff, 0x00}); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("expected ErrInvalidEnvelope, got %v", err)
		}
	})

	t.Run("decode without sender", func(t *testing.T) {
		data, err := EncodeEnvelope(Envelope{Type: MessageJoin})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := DecodeEnvelope(data); !errors.Is(err, ErrInvalidEnvelope) {
			t.Errorf("expected ErrInvalidEnvelope, got %v", err)
		}
	})
}

func TestJoinEnvelope(t *testing.T) {
	env := joinEnvelope("peer-a", nil)
	if env.Type != MessageJoin || env.SenderID != "peer-a" {
		t.Errorf("unexpected join %#v", env)
	}
	if !reflect.DeepEqual(env.SupportedProtocolVersions, []string{ProtocolVersion}) {
		t.Errorf("expected protocol versions, got %v", env.SupportedProtocolVersions)
	}
}
