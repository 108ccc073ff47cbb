package wire

import (
	"testing"
	"time"
)

// ── Codecs ─────────────────────────────────────

func TestCodecRoundTrip(t *testing.T) {
	frame, err := NewRequestFrame("frm_1", MethodTaskEnqueue, TaskEnqueueRequest{
		IdempotencyKey: "order-1",
		Priority:       7,
	})
	if err != nil {
		t.Fatalf("NewRequestFrame: %v", err)
	}

	for _, codec := range []Codec{&JSONCodec{}, &MsgpackCodec{}} {
		data, encErr := codec.Encode(frame)
		if encErr != nil {
			t.Fatalf("%s encode: %v", codec.Name(), encErr)
		}
		got, decErr := codec.Decode(data)
		if decErr != nil {
			t.Fatalf("%s decode: %v", codec.Name(), decErr)
		}
		if got.ID != frame.ID || got.Type != frame.Type || got.Method != frame.Method {
			t.Errorf("%s round trip changed envelope: %+v", codec.Name(), got)
		}
		if string(got.Data) != string(frame.Data) {
			t.Errorf("%s round trip changed payload: %s", codec.Name(), got.Data)
		}
	}
}

func TestGetCodecDefaultsToJSON(t *testing.T) {
	if name := GetCodec("").Name(); name != CodecNameJSON {
		t.Errorf("GetCodec(\"\") = %q, want json", name)
	}
	if name := GetCodec("msgpack").Name(); name != CodecNameMsgpack {
		t.Errorf("GetCodec(msgpack) = %q", name)
	}
	if name := GetCodec("protobuf").Name(); name != CodecNameJSON {
		t.Errorf("GetCodec(unknown) = %q, want json fallback", name)
	}
}

// ── Frames ─────────────────────────────────────

func TestNewResponseFrameCorrelates(t *testing.T) {
	resp, err := NewResponseFrame("frm_req", map[string]string{"ok": "yes"})
	if err != nil {
		t.Fatalf("NewResponseFrame: %v", err)
	}
	if resp.Type != FrameResponse {
		t.Errorf("Type = %q, want response", resp.Type)
	}
	if resp.CorrelID != "frm_req" {
		t.Errorf("CorrelID = %q, want frm_req", resp.CorrelID)
	}
	if resp.ID == "" || resp.ID == "frm_req" {
		t.Errorf("response frame needs its own ID, got %q", resp.ID)
	}
	if resp.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
}

func TestNewErrorFrame(t *testing.T) {
	f := NewErrorFrame("frm_req", ErrCodeConflict, "lock held")
	if f.Type != FrameErr {
		t.Errorf("Type = %q, want error", f.Type)
	}
	if f.Error == nil || f.Error.Code != ErrCodeConflict || f.Error.Message != "lock held" {
		t.Errorf("Error detail = %+v", f.Error)
	}
}

func TestGenerateFrameIDUnique(t *testing.T) {
	a := GenerateFrameID()
	time.Sleep(time.Microsecond)
	b := GenerateFrameID()
	if a == b {
		t.Errorf("consecutive frame IDs collided: %q", a)
	}
}
