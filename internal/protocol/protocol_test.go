package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/vakeelsaab/vakeel-signal/internal/room"
)

func TestParseInbound(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want Inbound
	}{
		{
			name: "call request",
			raw:  `{"type":"call-request","to":" bob "}`,
			want: CallRequest{Type: TypeCallRequest, To: "bob", Kind: room.KindVideo},
		},
		{
			name: "audio call request",
			raw:  `{"type":"audio-call-request","to":"bob","extra":1}`,
			want: CallRequest{Type: TypeAudioCallRequest, To: "bob", Kind: room.KindAudio},
		},
		{
			name: "accept via data.clientUsername",
			raw:  `{"type":"audio-call-accept","data":{"clientUsername":"alice"}}`,
			want: CallAccept{Type: TypeAudioCallAccept, To: "alice", Kind: room.KindAudio},
		},
		{
			name: "decline",
			raw:  `{"type":"call-decline","to":"alice"}`,
			want: CallDecline{Type: TypeCallDecline, To: "alice", Kind: room.KindVideo},
		},
		{
			name: "call ended",
			raw:  `{"type":"call-ended","to":"alice"}`,
			want: CallEnded{To: "alice"},
		},
		{
			name: "offer keeps data verbatim",
			raw:  `{"type":"offer","to":"bob","data":{"sdp":"v=0","type":"offer"}}`,
			want: Relay{Type: TypeOffer, To: "bob", Data: json.RawMessage(`{"sdp":"v=0","type":"offer"}`)},
		},
		{
			name: "ice candidate keeps roomId",
			raw:  `{"type":"ice-candidate","to":"bob","roomId":"v1~video~alice~bob","data":{"candidate":"c"}}`,
			want: Relay{Type: TypeICECandidate, To: "bob", RoomID: "v1~video~alice~bob", Data: json.RawMessage(`{"candidate":"c"}`)},
		},
		{
			name: "chat with room in data",
			raw:  `{"type":"chat-message","data":{"roomId":"v1~video~alice~bob","message":"hello"}}`,
			want: ChatMessage{
				RoomID:  "v1~video~alice~bob",
				Message: "hello",
				Data:    json.RawMessage(`{"roomId":"v1~video~alice~bob","message":"hello"}`),
			},
		},
		{
			name: "status update",
			raw:  `{"type":"status-update","data":{"status":"BUSY"}}`,
			want: StatusUpdate{Status: "BUSY"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tc.raw))
			if err != nil {
				t.Fatalf("ParseInbound: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("ParseInbound (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseInboundRejects(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		wantRef Type
	}{
		{"not json", `{"type":`, ""},
		{"array", `[1,2]`, ""},
		{"missing type", `{"to":"bob"}`, ""},
		{"trailing data", `{"type":"call-ended","to":"a"} {}`, TypeCallEnded},
		{"request without to", `{"type":"call-request"}`, TypeCallRequest},
		{"offer without data", `{"type":"offer","to":"bob"}`, TypeOffer},
		{"offer with null data", `{"type":"ice-candidate","to":"bob","data":null}`, TypeICECandidate},
		{"chat without room", `{"type":"chat-message","data":{"message":"hi"}}`, TypeChatMessage},
		{"chat without text", `{"type":"chat-message","data":{"roomId":"r","message":"  "}}`, TypeChatMessage},
		{"chat data not object", `{"type":"chat-message","data":"hi"}`, TypeChatMessage},
		{"status without value", `{"type":"status-update","data":{}}`, TypeStatusUpdate},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseInbound([]byte(tc.raw))
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("err=%v, want ErrMalformed", err)
			}
			ev := ErrorEvent(err)
			if ev.Type != TypeError || ev.Code != CodeMalformedEnvelope || ev.Ref != tc.wantRef {
				t.Fatalf("event=%+v, want malformed_envelope ref=%q", ev, tc.wantRef)
			}
		})
	}
}

func TestParseInboundUnknownType(t *testing.T) {
	for _, raw := range []string{
		`{"type":"lawyer_list"}`,
		`{"type":"room-joined","roomId":"x"}`,
		`{"type":"screen-share","to":"bob"}`,
	} {
		if _, err := ParseInbound([]byte(raw)); !errors.Is(err, ErrUnknownType) {
			t.Fatalf("ParseInbound(%s) err=%v, want ErrUnknownType", raw, err)
		}
	}
}

func TestEventJSON(t *testing.T) {
	ev := NewError(CodeTargetUnreachable, TypeCallRequest, "ghost", "user is not connected").Event()
	b, err := ev.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"type":"error","to":"ghost","message":"user is not connected","code":"target_unreachable","ref":"call-request"}`
	if string(b) != want {
		t.Fatalf("json=%s, want %s", b, want)
	}

	b, _ = Event{Type: TypeRoomJoined, RoomID: "v1~video~alice~bob"}.Marshal()
	if string(b) != `{"type":"room-joined","roomId":"v1~video~alice~bob"}` {
		t.Fatalf("json=%s", b)
	}
}
