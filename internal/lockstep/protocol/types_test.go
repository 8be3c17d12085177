package protocol

import (
	"encoding/json"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	msg, err := NewMessage("session-1", 2, OpAck, AckPayload{Turn: 7})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := msg.ValidateBasic(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Message
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ack, err := DecodePayload[AckPayload](decoded.Payload)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if ack.Turn != 7 || decoded.From != 2 || decoded.Op != OpAck {
		t.Fatalf("unexpected decoded message: %+v ack=%+v", decoded, ack)
	}
}

func TestMessageValidateBasicRejectsUnknownOp(t *testing.T) {
	msg, err := NewMessage("session-1", 1, Op("NOPE"), PausePayload{Paused: true})
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	if err := msg.ValidateBasic(); err == nil {
		t.Fatalf("expected unsupported op error")
	}
}

func TestCommandBatchValidate(t *testing.T) {
	ok := CommandBatch{Turn: 3, LastSequenceID: 5, Commands: []Command{
		{FactionID: 1, SequenceID: 4},
		{FactionID: 2, SequenceID: 5},
	}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid batch: %v", err)
	}

	empty := CommandBatch{Turn: 4, LastSequenceID: 5}
	if err := empty.Validate(); err != nil {
		t.Fatalf("expected empty batch to be valid: %v", err)
	}

	unordered := CommandBatch{Turn: 1, LastSequenceID: 3, Commands: []Command{
		{SequenceID: 3}, {SequenceID: 2},
	}}
	if err := unordered.Validate(); err == nil {
		t.Fatalf("expected ordering error")
	}

	uncovered := CommandBatch{Turn: 1, LastSequenceID: 1, Commands: []Command{{SequenceID: 2}}}
	if err := uncovered.Validate(); err == nil {
		t.Fatalf("expected coverage error")
	}
}

func TestValidationStateText(t *testing.T) {
	raw, err := json.Marshal(ValidationPayload{Faction: 3, State: GloballyValidated})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"faction":3,"state":"GLOBALLY_VALIDATED"}` {
		t.Fatalf("unexpected encoding: %s", raw)
	}
	out, err := DecodePayload[ValidationPayload](raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.State != GloballyValidated {
		t.Fatalf("expected GLOBALLY_VALIDATED, got %s", out.State)
	}
}
