package pipeline

import "testing"

func TestPayloadHashIsDeterministic(t *testing.T) {
	a := Payload{"slot_id": "preview-1", "run_id": "r-1", "n": 3}
	b := Payload{"n": 3, "run_id": "r-1", "slot_id": "preview-1"}

	ha, err := PayloadHash(a)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	hb, err := PayloadHash(b)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if ha != hb {
		t.Errorf("Expected identical hashes regardless of key order, got %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("Expected hex sha256 (64 chars), got %d", len(ha))
	}
}

func TestPayloadHashDistinguishesContent(t *testing.T) {
	ha, _ := PayloadHash(Payload{"run_id": "r-1"})
	hb, _ := PayloadHash(Payload{"run_id": "r-2"})
	if ha == hb {
		t.Error("Expected different payloads to hash differently")
	}
}

func TestPayloadHashNil(t *testing.T) {
	hNil, err := PayloadHash(nil)
	if err != nil {
		t.Fatalf("hash of nil failed: %v", err)
	}
	hEmpty, _ := PayloadHash(Payload{})
	if hNil != hEmpty {
		t.Errorf("Expected nil and empty payloads to hash alike, got %s vs %s", hNil, hEmpty)
	}
}

func TestWithSchemaVersion(t *testing.T) {
	p := Payload{"key": "value"}
	stamped := p.WithSchemaVersion()

	if stamped["schema_version"] != EventSchemaVersion {
		t.Errorf("Expected schema_version %d, got %v", EventSchemaVersion, stamped["schema_version"])
	}
	if stamped["key"] != "value" {
		t.Error("Expected original keys to survive stamping")
	}
	if _, ok := p["schema_version"]; ok {
		t.Error("Stamping must not mutate the source payload")
	}

	var nilPayload Payload
	if got := nilPayload.WithSchemaVersion(); got["schema_version"] != EventSchemaVersion {
		t.Error("Expected nil payload to stamp into a fresh map")
	}
}
