package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeIntent(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		want    Intent
		wantErr error
	}{
		{
			name:  "register",
			frame: `{"event":"register","data":{"userId":"alice"}}`,
			want:  RegisterIntent{UserID: "alice"},
		},
		{
			name:  "session create with title",
			frame: `{"event":"session_create","data":{"sessionId":"s1","title":"Trip"}}`,
			want:  SessionCreateIntent{SessionID: "s1", Title: "Trip"},
		},
		{
			name:  "session open",
			frame: `{"event":"session_open","data":{"sessionId":"s1"}}`,
			want:  SessionOpenIntent{SessionID: "s1"},
		},
		{
			name:  "send",
			frame: `{"event":"ai_send","data":{"sessionId":"s1","text":"hi"}}`,
			want:  SendIntent{SessionID: "s1", Text: "hi"},
		},
		{
			name:    "unknown event",
			frame:   `{"event":"shout","data":{}}`,
			wantErr: ErrUnknownEvent,
		},
		{
			name:    "not json",
			frame:   `hello`,
			wantErr: ErrMalformedData,
		},
		{
			name:    "wrong payload type",
			frame:   `{"event":"ai_send","data":{"sessionId":42}}`,
			wantErr: ErrMalformedData,
		},
		{
			name:    "missing data",
			frame:   `{"event":"register"}`,
			wantErr: ErrMissingField,
		},
		{
			name:    "send without text",
			frame:   `{"event":"ai_send","data":{"sessionId":"s1"}}`,
			wantErr: ErrMissingField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeIntent([]byte(tt.frame))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestFrameShape(t *testing.T) {
	data, err := json.Marshal(Frame(ChunkNotification{ID: "a1", SessionID: "s1", Delta: "he"}))
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	want := `{"event":"ai_chunk","data":{"id":"a1","sessionId":"s1","delta":"he"}}`
	if string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}

	data, _ = json.Marshal(Frame(SessionListNotification{}))
	if want := `{"event":"session_list","data":[]}`; string(data) != want {
		t.Errorf("expected %s, got %s", want, data)
	}
}

func TestMessageJSON(t *testing.T) {
	ts := time.UnixMilli(1700000000123).UTC()
	msg := Message{
		ID:        "m1",
		To:        "alice",
		SessionID: "s1",
		Timestamp: ts,
		Role:      RoleSystem,
		Body:      ToolUseBody{ToolName: "get_weather"},
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var raw map[string]interface{}
	json.Unmarshal(data, &raw)
	if raw["timestamp"] != float64(1700000000123) {
		t.Errorf("expected millisecond timestamp, got %v", raw["timestamp"])
	}
	if _, ok := raw["deliveredAt"]; ok {
		t.Error("expected deliveredAt to be omitted while undelivered")
	}

	var back Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.Body != msg.Body || !back.Timestamp.Equal(ts) {
		t.Errorf("expected %+v, got %+v", msg, back)
	}

	bad := []byte(`{"id":"m2","body":{"type":"video"}}`)
	if err := json.Unmarshal(bad, &back); !errors.Is(err, ErrUnknownBodyType) {
		t.Errorf("expected ErrUnknownBodyType, got %v", err)
	}
}

func TestMessageValidateAndClone(t *testing.T) {
	msg := NewUserMessage("alice", "s1", "hello")
	if err := msg.Validate(); err != nil {
		t.Fatalf("expected a valid message, got %v", err)
	}
	if !msg.Delivered || msg.DeliveredAt == nil {
		t.Error("expected the local echo to be delivered")
	}

	clone := msg.Clone()
	*clone.DeliveredAt = clone.DeliveredAt.Add(time.Hour)
	if clone.DeliveredAt.Equal(*msg.DeliveredAt) {
		t.Error("expected Clone to copy DeliveredAt")
	}

	invalid := NewArtifactMessage("", "alice", "s1", "text")
	if err := invalid.Validate(); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("expected ErrInvalidMessage for an empty id, got %v", err)
	}
}

func TestSessionUpsertApply(t *testing.T) {
	t0 := time.UnixMilli(1000).UTC()
	t1 := time.UnixMilli(2000).UTC()

	created := SessionUpsert{ID: "s1", UserID: "alice", At: t0}.Apply(nil)
	if created.Title != DefaultSessionTitle || !created.CreatedAt.Equal(t0) {
		t.Fatalf("unexpected new session: %+v", created)
	}

	bumped := SessionUpsert{ID: "s1", UserID: "alice", At: t1}.Apply(&created)
	if bumped.Title != DefaultSessionTitle || !bumped.CreatedAt.Equal(t0) || !bumped.UpdatedAt.Equal(t1) {
		t.Errorf("unexpected bumped session: %+v", bumped)
	}

	renamed := SessionUpsert{ID: "s1", UserID: "alice", Title: "Trip", At: t1}.Apply(&created)
	if renamed.Title != "Trip" {
		t.Errorf("expected the title to change, got %q", renamed.Title)
	}
}

func TestUserConnectionBindUser(t *testing.T) {
	uc := NewUserConnection("c1", nil, 1)
	if uc.BindUser("") {
		t.Error("expected an empty user id to be refused")
	}
	if !uc.BindUser("alice") {
		t.Fatal("expected the first bind to succeed")
	}
	if uc.BindUser("bob") || uc.UserID() != "alice" {
		t.Errorf("expected the identity to stay alice, got %s", uc.UserID())
	}
}

func TestUserConnectionSendBlocksUntilClosed(t *testing.T) {
	uc := NewUserConnection("c1", nil, 1)
	if !uc.Send(ChunkNotification{Delta: "a"}) {
		t.Fatal("expected the first send to be queued")
	}

	result := make(chan bool, 1)
	go func() { result <- uc.Send(ChunkNotification{Delta: "b"}) }()

	select {
	case <-result:
		t.Fatal("expected Send to block on a full queue")
	case <-time.After(50 * time.Millisecond):
	}

	uc.Close()
	select {
	case ok := <-result:
		if ok {
			t.Error("expected Send to report failure after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("Send did not return after Close")
	}

	if uc.Send(ChunkNotification{Delta: "c"}) {
		t.Error("expected Send on a closed connection to fail")
	}
	uc.Close()
}

func TestUserConnectionSendClosesStalledQueue(t *testing.T) {
	uc := NewUserConnection("c1", nil, 1)
	uc.SendTimeout = 20 * time.Millisecond
	uc.Send(ChunkNotification{Delta: "a"})

	start := time.Now()
	if uc.Send(ChunkNotification{Delta: "b"}) {
		t.Fatal("expected Send on a stalled queue to fail")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send waited %v on a stalled queue", elapsed)
	}
	if !uc.IsClosed() {
		t.Error("expected the stalled connection to be closed")
	}
	if uc.Send(ChunkNotification{Delta: "c"}) {
		t.Error("expected Send after the stall to fail")
	}
}
