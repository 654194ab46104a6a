package livekit

import (
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicebridge/pkg/audio"
)

func recvEvent(t *testing.T, ch <-chan audio.Event) audio.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("event channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return audio.Event{}
}

func TestEventQueue_ConnectedFirst(t *testing.T) {
	q := newEventQueue()

	// Callbacks may fire before the join call returns.
	q.push(audio.Event{Type: audio.EventTrackSubscribed, ParticipantID: "alice", TrackID: "TR_1", Kind: audio.TrackKindAudio})
	q.push(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "bob"})

	q.start(
		audio.Event{Type: audio.EventConnected},
		audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "alice"},
		audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "bob"},
	)

	want := []struct {
		typ audio.EventType
		id  string
	}{
		{audio.EventConnected, ""},
		{audio.EventParticipantConnected, "alice"},
		{audio.EventTrackSubscribed, "alice"},
		{audio.EventParticipantConnected, "bob"},
	}
	for i, w := range want {
		ev := recvEvent(t, q.events())
		if ev.Type != w.typ || ev.ParticipantID != w.id {
			t.Fatalf("event %d: got %s/%q, want %s/%q", i, ev.Type, ev.ParticipantID, w.typ, w.id)
		}
	}
	q.close()
}

func TestEventQueue_OrderPreservedAfterStart(t *testing.T) {
	q := newEventQueue()
	q.start(audio.Event{Type: audio.EventConnected})
	recvEvent(t, q.events())

	for i := range 100 {
		q.push(audio.Event{Type: audio.EventTrackSubscribed, TrackID: string(rune('a' + i%26)), ParticipantID: "p"})
	}
	for i := range 100 {
		ev := recvEvent(t, q.events())
		if want := string(rune('a' + i%26)); ev.TrackID != want {
			t.Fatalf("event %d: got track %q, want %q", i, ev.TrackID, want)
		}
	}
	q.close()
}

func TestEventQueue_DisconnectedClosesChannel(t *testing.T) {
	q := newEventQueue()
	q.start(audio.Event{Type: audio.EventConnected})
	q.push(audio.Event{Type: audio.EventDisconnected, Reason: "remote"})
	q.push(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "late"})

	recvEvent(t, q.events())
	if ev := recvEvent(t, q.events()); ev.Type != audio.EventDisconnected {
		t.Fatalf("got %s, want DISCONNECTED", ev.Type)
	}
	select {
	case ev, ok := <-q.events():
		if ok {
			t.Fatalf("unexpected event after disconnect: %s", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after disconnect")
	}
	q.close() // idempotent
}

func TestEventQueue_CloseBeforeStart(t *testing.T) {
	q := newEventQueue()
	q.push(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "x"})
	q.close()
	q.start(audio.Event{Type: audio.EventConnected})
	if _, ok := <-q.events(); ok {
		t.Fatal("expected closed channel")
	}
}

func TestEventQueue_ParticipantRejoinAnnouncedAgain(t *testing.T) {
	q := newEventQueue()
	q.start(audio.Event{Type: audio.EventConnected})
	recvEvent(t, q.events())

	q.push(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "alice"})
	q.push(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "alice"})
	q.push(audio.Event{Type: audio.EventParticipantDisconnected, ParticipantID: "alice"})
	q.push(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "alice"})

	want := []audio.EventType{
		audio.EventParticipantConnected,
		audio.EventParticipantDisconnected,
		audio.EventParticipantConnected,
	}
	for i, w := range want {
		if ev := recvEvent(t, q.events()); ev.Type != w {
			t.Fatalf("event %d: got %s, want %s", i, ev.Type, w)
		}
	}
	q.close()
}

func TestMintToken(t *testing.T) {
	token, err := MintToken(audio.JoinParams{
		APIKey:    "APIkey123",
		APISecret: "a-very-long-secret-used-only-for-tests-0123456789",
		Room:      "aimee-phase1",
		Identity:  "aimee-agent",
		Grants:    audio.Grants{Join: true, Publish: true, Subscribe: true, PublishData: false},
		TokenTTL:  time.Hour,
	})
	if err != nil {
		t.Fatalf("MintToken: %v", err)
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		t.Fatalf("expected JWT with 3 parts, got %d", len(parts))
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	var claims struct {
		Iss   string `json:"iss"`
		Sub   string `json:"sub"`
		Exp   int64  `json:"exp"`
		Video struct {
			Room           string `json:"room"`
			RoomJoin       bool   `json:"roomJoin"`
			CanPublish     *bool  `json:"canPublish"`
			CanSubscribe   *bool  `json:"canSubscribe"`
			CanPublishData *bool  `json:"canPublishData"`
		} `json:"video"`
	}
	if err := json.Unmarshal(raw, &claims); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if claims.Iss != "APIkey123" {
		t.Errorf("iss = %q", claims.Iss)
	}
	if claims.Sub != "aimee-agent" {
		t.Errorf("sub = %q", claims.Sub)
	}
	if claims.Video.Room != "aimee-phase1" || !claims.Video.RoomJoin {
		t.Errorf("unexpected room grant: %+v", claims.Video)
	}
	if claims.Video.CanPublish == nil || !*claims.Video.CanPublish {
		t.Error("expected canPublish=true")
	}
	if claims.Video.CanSubscribe == nil || !*claims.Video.CanSubscribe {
		t.Error("expected canSubscribe=true")
	}
	if claims.Video.CanPublishData == nil || *claims.Video.CanPublishData {
		t.Error("expected canPublishData=false")
	}
	if ttl := time.Until(time.Unix(claims.Exp, 0)); ttl < 50*time.Minute || ttl > 61*time.Minute {
		t.Errorf("unexpected expiry in %v", ttl)
	}
}

func TestMintToken_MissingFields(t *testing.T) {
	tests := []struct {
		name string
		p    audio.JoinParams
	}{
		{"no key", audio.JoinParams{APISecret: "s", Room: "r", Identity: "i"}},
		{"no secret", audio.JoinParams{APIKey: "k", Room: "r", Identity: "i"}},
		{"no room", audio.JoinParams{APIKey: "k", APISecret: "s", Identity: "i"}},
		{"no identity", audio.JoinParams{APIKey: "k", APISecret: "s", Room: "r"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := MintToken(tt.p); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestPCMConversionHelpers(t *testing.T) {
	in := []int16{0, 1, -1, 32767, -32768}
	got := bytesToInt16s(int16sToBytes(in))
	for i := range in {
		if got[i] != in[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], in[i])
		}
	}
}

func TestRoom_SelectTrack(t *testing.T) {
	r := newRoom("lobby", "agent", slog.Default())
	alice := trackKey("alice", "TR_a")
	bob := trackKey("bob", "TR_b")

	if r.isSelected(alice) {
		t.Fatal("a fresh room decodes nothing")
	}
	r.SelectTrack("alice", "TR_a")
	if !r.isSelected(alice) || r.isSelected(bob) {
		t.Error("only alice should be decoded")
	}
	r.SelectTrack("bob", "TR_b")
	if r.isSelected(alice) || !r.isSelected(bob) {
		t.Error("selection did not move to bob")
	}
	r.SelectTrack("", "")
	if r.isSelected(bob) {
		t.Error("cleared selection still decodes bob")
	}
}
