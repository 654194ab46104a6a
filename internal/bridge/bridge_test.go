package bridge_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/MrWong99/voicebridge/internal/bridge"
	"github.com/MrWong99/voicebridge/internal/observe"
	"github.com/MrWong99/voicebridge/pkg/audio"
	audiomock "github.com/MrWong99/voicebridge/pkg/audio/mock"
	speechep "github.com/MrWong99/voicebridge/pkg/provider/speech"
	speechmock "github.com/MrWong99/voicebridge/pkg/provider/speech/mock"
)

// ─── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	bridge *bridge.Bridge
	room   *audiomock.Room
	plat   *audiomock.Platform
	ep     *speechmock.Endpoint
}

func testConfig() bridge.Config {
	return bridge.Config{
		Join: audio.JoinParams{
			URL:      "wss://rooms.example.com",
			Room:     "lobby",
			Identity: "agent",
			Grants:   audio.Grants{Join: true, Publish: true, Subscribe: true, PublishData: true},
		},
		Session:         speechep.SessionConfig{Instructions: "be helpful", Voice: "alloy"},
		SendQueue:       64,
		PlayoutBuffer:   time.Second,
		Reopen:          bridge.ReopenPolicy{MaxAttempts: 0, Backoff: 10 * time.Millisecond},
		BreakerFailures: 10,
	}
}

func newFixture(t *testing.T, mutate func(*bridge.Config), ep *speechmock.Endpoint) *fixture {
	t.Helper()
	return newMeteredFixture(t, mutate, ep, noop.NewMeterProvider())
}

func newMeteredFixture(t *testing.T, mutate func(*bridge.Config), ep *speechmock.Endpoint, mp metric.MeterProvider) *fixture {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	if ep == nil {
		ep = &speechmock.Endpoint{}
	}
	room := audiomock.NewRoom()
	plat := &audiomock.Platform{JoinResult: room}

	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	b, err := bridge.New(cfg, bridge.Dependencies{
		Platform: plat,
		Endpoint: ep,
		Metrics:  metrics,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return &fixture{bridge: b, room: room, plat: plat, ep: ep}
}

// start joins and emits the connected event.
func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.bridge.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	f.room.Emit(audio.Event{Type: audio.EventConnected})
	waitFor(t, "bridge connected", func() bool { return f.bridge.State() == bridge.StateConnected })
}

// startActive starts the bridge and waits for the speech session.
func (f *fixture) startActive(t *testing.T) {
	t.Helper()
	f.start(t)
	waitFor(t, "speech active", func() bool { return f.bridge.Status().SpeechState == "active" })
}

// subscribe emits a participant and one of their audio tracks.
func (f *fixture) subscribe(participant, track string) chan audio.Chunk {
	frames := make(chan audio.Chunk, 64)
	f.room.Emit(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: participant})
	f.room.Emit(audio.Event{
		Type:          audio.EventTrackSubscribed,
		ParticipantID: participant,
		TrackID:       track,
		Kind:          audio.TrackKindAudio,
		Frames:        frames,
	})
	return frames
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

// constFrame returns a 20 ms transport frame whose samples all equal v.
func constFrame(v int16) audio.Chunk {
	n := audio.TransportFormat.Bytes(20 * time.Millisecond)
	buf := make([]byte, n)
	for i := 0; i < n; i += 2 {
		binary.LittleEndian.PutUint16(buf[i:], uint16(v))
	}
	return audio.Chunk{Data: buf, Format: audio.TransportFormat, CapturedAt: time.Now()}
}

func firstSample(b []byte) int16 {
	return int16(binary.LittleEndian.Uint16(b))
}

// ─── construction ─────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	ep := &speechmock.Endpoint{}
	plat := &audiomock.Platform{}
	tests := []struct {
		name string
		cfg  func(*bridge.Config)
		deps bridge.Dependencies
	}{
		{"no platform", nil, bridge.Dependencies{Endpoint: ep}},
		{"no endpoint", nil, bridge.Dependencies{Platform: plat}},
		{"no room", func(c *bridge.Config) { c.Join.Room = "" }, bridge.Dependencies{Platform: plat, Endpoint: ep}},
		{"no identity", func(c *bridge.Config) { c.Join.Identity = "" }, bridge.Dependencies{Platform: plat, Endpoint: ep}},
		{"no topic", func(c *bridge.Config) { c.Transcripts = bridge.TranscriptConfig{Publish: true} }, bridge.Dependencies{Platform: plat, Endpoint: ep}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig()
			if tc.cfg != nil {
				tc.cfg(&cfg)
			}
			if _, err := bridge.New(cfg, tc.deps); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestNew_LeavesCallerConverterUntouched(t *testing.T) {
	conv := audio.NewConverter(audio.TransportFormat, audio.SpeechFormat)
	b, err := bridge.New(testConfig(), bridge.Dependencies{
		Platform:  &audiomock.Platform{},
		Endpoint:  &speechmock.Endpoint{},
		Converter: conv,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer b.Stop(context.Background())
	if conv.Logger != nil {
		t.Error("New set the logger on the caller's converter")
	}
}

func TestNew_StatusBeforeStart(t *testing.T) {
	f := newFixture(t, nil, nil)
	st := f.bridge.Status()
	if st.State != "disconnected" || st.Room != "lobby" || st.BridgeID != f.bridge.ID() {
		t.Errorf("status = %+v", st)
	}
	if st.BridgeID == "" {
		t.Error("bridge id is empty")
	}
}

// ─── lifecycle ────────────────────────────────────────────────────────────────

func TestStart_ConnectsPublishesAndOpensSpeech(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)

	if got := len(f.room.PublishedTracks()); got != 1 {
		t.Errorf("published tracks = %d, want 1", got)
	}
	tr := f.room.PublishedTracks()[0]
	if tr.Format != audio.TransportFormat {
		t.Errorf("track format = %s", tr.Format)
	}
	if f.ep.DialCount() != 1 {
		t.Errorf("dial count = %d, want 1", f.ep.DialCount())
	}
	st := f.bridge.Status()
	if st.Degraded || !st.Published {
		t.Errorf("status = %+v, want published and not degraded", st)
	}
	if len(f.plat.JoinCalls) != 1 || f.plat.JoinCalls[0].Identity != "agent" {
		t.Errorf("join calls = %+v", f.plat.JoinCalls)
	}
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	if err := f.bridge.Start(context.Background()); !errors.Is(err, bridge.ErrAlreadyStarted) {
		t.Errorf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

type lockedBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestStart_JoinFailureLoggedWithTrace(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	var buf lockedBuffer
	plat := &audiomock.Platform{JoinError: errors.New("401 unauthorized")}
	b, err := bridge.New(testConfig(), bridge.Dependencies{
		Platform: plat,
		Endpoint: &speechmock.Endpoint{},
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded against a failing platform")
	}

	var line string
	for _, l := range strings.Split(buf.String(), "\n") {
		if strings.Contains(l, "bridge: join failed") {
			line = l
		}
	}
	for _, want := range []string{"trace_id=", "span_id=", "room=lobby"} {
		if !strings.Contains(line, want) {
			t.Errorf("join failure log %q missing %s", line, want)
		}
	}
}

func TestStart_JoinFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.plat.JoinError = errors.New("401 unauthorized")

	err := f.bridge.Start(context.Background())
	var ce *audio.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("Start = %v, want *audio.ConnectError", err)
	}
	select {
	case <-f.bridge.Done():
	default:
		t.Fatal("Done not closed after failed join")
	}
	if f.bridge.Err() == nil {
		t.Error("Err() = nil after failed join")
	}
	if f.ep.DialCount() != 0 {
		t.Error("speech dialed without a room")
	}
}

func TestDegradation_SpeechConnectFails(t *testing.T) {
	ep := &speechmock.Endpoint{DialErr: errors.New("invalid api key")}
	f := newFixture(t, nil, ep)
	f.start(t)

	waitFor(t, "speech failed", func() bool { return f.bridge.Status().SpeechState == "failed" })
	st := f.bridge.Status()
	if st.State != "connected" {
		t.Errorf("state = %s, want connected", st.State)
	}
	if !st.Published {
		t.Error("local track not published")
	}
	if !st.Degraded {
		t.Error("bridge not reported degraded")
	}
	if f.room.DisconnectCount() != 0 {
		t.Error("room left after a speech failure")
	}
}

func TestDegradation_PublishFails(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.room.PublishAudioError = errors.New("permission denied")
	f.startActive(t)

	st := f.bridge.Status()
	if st.Published || !st.Degraded {
		t.Errorf("status = %+v, want unpublished and degraded", st)
	}

	// Assistant audio with no sink is dropped without harm.
	f.ep.LastStream().EmitAudio(make([]byte, 960), audio.SpeechFormat)
	f.ep.LastStream().Emit(speechep.Event{Kind: speechep.EventUserSpeechStarted})
	if f.bridge.State() != bridge.StateConnected {
		t.Error("bridge left connected state")
	}
}

func TestStop_Idempotent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)
	stream := f.ep.LastStream()

	ctx := context.Background()
	if err := f.bridge.Stop(ctx); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := f.bridge.Stop(ctx); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	if f.room.DisconnectCount() != 1 {
		t.Errorf("room disconnects = %d, want 1", f.room.DisconnectCount())
	}
	if !stream.Closed() {
		t.Error("speech stream not closed")
	}
	if tr := f.room.PublishedTracks()[0]; tr.CloseCount() != 1 {
		t.Errorf("track closes = %d, want 1", tr.CloseCount())
	}
	if f.bridge.Err() != nil {
		t.Errorf("Err() = %v after clean stop", f.bridge.Err())
	}
	if f.bridge.State() != bridge.StateDisconnected {
		t.Errorf("state = %s", f.bridge.State())
	}
	if f.bridge.Status().Published {
		t.Error("status still reports the track published after Stop")
	}
}

func TestStop_Concurrent(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)
	frames := f.subscribe("alice", "TR_a")

	stopFeeding := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stopFeeding:
				return
			case frames <- constFrame(int16(i)):
			default:
			}
		}
	}()

	var stops sync.WaitGroup
	for range 4 {
		stops.Add(1)
		go func() {
			defer stops.Done()
			_ = f.bridge.Stop(context.Background())
		}()
	}
	stops.Wait()
	close(stopFeeding)
	wg.Wait()

	select {
	case <-f.bridge.Done():
	default:
		t.Fatal("Done not closed")
	}
	if f.room.DisconnectCount() != 1 {
		t.Errorf("room disconnects = %d, want 1", f.room.DisconnectCount())
	}
}

func TestStop_BeforeStart(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.bridge.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-f.bridge.Done():
	default:
		t.Fatal("Done not closed")
	}
	if err := f.bridge.Start(context.Background()); !errors.Is(err, bridge.ErrAlreadyStarted) {
		t.Errorf("Start after Stop = %v, want ErrAlreadyStarted", err)
	}
}

func TestStop_ReportsTeardownErrors(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.room.DisconnectError = errors.New("leave failed")
	f.startActive(t)
	stream := f.ep.LastStream()

	err := f.bridge.Stop(context.Background())
	if err == nil {
		t.Fatal("Stop = nil, want leave error")
	}
	if !stream.Closed() {
		t.Error("speech not closed before the failing step")
	}
}

func TestRoomLost_EndsBridge(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)
	stream := f.ep.LastStream()

	f.room.Emit(audio.Event{Type: audio.EventDisconnected, Reason: "server shutdown"})

	select {
	case <-f.bridge.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not end after room loss")
	}
	if !errors.Is(f.bridge.Err(), bridge.ErrRoomLost) {
		t.Errorf("Err() = %v, want ErrRoomLost", f.bridge.Err())
	}
	if !stream.Closed() {
		t.Error("speech stream not closed after room loss")
	}
	if f.ep.DialCount() != 1 {
		t.Errorf("dial count = %d; the bridge must not reconnect", f.ep.DialCount())
	}
}

// ─── audio paths ──────────────────────────────────────────────────────────────

func TestInbound_ForwardedInOrder(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)
	stream := f.ep.LastStream()

	frames := f.subscribe("alice", "TR_a")
	waitFor(t, "active track", func() bool { return f.bridge.Status().ActiveTrack == "alice/TR_a" })

	const n = 20
	for i := range n {
		frames <- constFrame(int16((i + 1) * 100))
	}

	waitFor(t, "frames sent", func() bool { return len(stream.SentChunks()) == n })
	for i, c := range stream.SentChunks() {
		if len(c) != 960 {
			t.Fatalf("chunk %d: %d bytes, want 960 (20 ms at 24 kHz)", i, len(c))
		}
		if got, want := firstSample(c), int16((i+1)*100); got != want {
			t.Fatalf("chunk %d: first sample %d, want %d", i, got, want)
		}
	}
	if st := f.bridge.Status(); st.FramesIn != n {
		t.Errorf("frames_in = %d, want %d", st.FramesIn, n)
	}
	waitFor(t, "speech counters", func() bool {
		sp := f.bridge.Status().Speech
		return sp != nil && sp.Sent == n
	})
	if sp := f.bridge.Status().Speech; sp.Dropped != 0 {
		t.Errorf("speech dropped = %d, want 0", sp.Dropped)
	}
}

func TestInbound_SecondSpeakerIgnored(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)
	stream := f.ep.LastStream()

	alice := f.subscribe("alice", "TR_a")
	bob := f.subscribe("bob", "TR_b")
	waitFor(t, "participants", func() bool { return len(f.bridge.Status().Participants) == 2 })

	bob <- constFrame(7)
	alice <- constFrame(5)

	waitFor(t, "alice frame", func() bool { return len(stream.SentChunks()) >= 1 })
	time.Sleep(20 * time.Millisecond)
	sent := stream.SentChunks()
	if len(sent) != 1 || firstSample(sent[0]) != 5 {
		t.Errorf("sent %d chunks (first sample %d), want only alice's", len(sent), firstSample(sent[0]))
	}
	if got := f.bridge.Status().ActiveTrack; got != "alice/TR_a" {
		t.Errorf("active track = %q", got)
	}
}

func TestInbound_ParticipantDisconnectClearsActive(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)

	f.subscribe("alice", "TR_a")
	waitFor(t, "alice active", func() bool { return f.bridge.Status().ActiveTrack == "alice/TR_a" })

	f.room.Emit(audio.Event{Type: audio.EventParticipantDisconnected, ParticipantID: "alice"})
	waitFor(t, "active cleared", func() bool { return f.bridge.Status().ActiveTrack == "" })

	f.subscribe("bob", "TR_b")
	waitFor(t, "bob active", func() bool { return f.bridge.Status().ActiveTrack == "bob/TR_b" })
}

func TestInbound_DroppedWhileSpeechDown(t *testing.T) {
	ep := &speechmock.Endpoint{DialErr: errors.New("down")}
	f := newFixture(t, nil, ep)
	f.start(t)
	waitFor(t, "speech failed", func() bool { return f.bridge.Status().SpeechState == "failed" })

	frames := f.subscribe("alice", "TR_a")
	frames <- constFrame(1)
	frames <- constFrame(2)
	waitFor(t, "alice active", func() bool { return f.bridge.Status().ActiveTrack == "alice/TR_a" })
	if st := f.bridge.Status(); st.FramesIn != 0 {
		t.Errorf("frames_in = %d while speech is down", st.FramesIn)
	}
}

func TestOutbound_AssistantAudioPlayedIntoRoom(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)

	// 40 ms at 24 kHz → two 20 ms frames at 48 kHz.
	f.ep.LastStream().EmitAudio(make([]byte, 1920), audio.SpeechFormat)

	track := f.room.PublishedTracks()[0]
	waitFor(t, "frames written", func() bool { return track.FrameCount() == 2 })
	for i, fr := range track.WrittenFrames() {
		if len(fr.Data) != 1920 || fr.Format != audio.TransportFormat {
			t.Errorf("frame %d: %d bytes %s", i, len(fr.Data), fr.Format)
		}
	}
	waitFor(t, "playout counters", func() bool {
		p := f.bridge.Status().Playout
		return p != nil && p.Written == 2
	})
	st := f.bridge.Status()
	if st.FramesOut != 1 {
		t.Errorf("frames_out = %d, want 1 assistant chunk", st.FramesOut)
	}
	raw, err := json.Marshal(st)
	if err != nil {
		t.Fatal(err)
	}
	var decoded struct {
		Playout struct {
			Written uint64 `json:"written"`
		} `json:"playout"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil || decoded.Playout.Written != 2 {
		t.Errorf("status json = %s", raw)
	}
}

// ─── speech recovery ─────────────────────────────────────────────────────────

func TestSpeechFailure_Reopens(t *testing.T) {
	f := newFixture(t, func(c *bridge.Config) {
		c.Reopen = bridge.ReopenPolicy{MaxAttempts: 1, Backoff: 10 * time.Millisecond}
	}, nil)
	f.startActive(t)
	first := f.ep.LastStream()

	first.Fail(errors.New("websocket closed"))

	waitFor(t, "second dial", func() bool { return f.ep.DialCount() == 2 })
	waitFor(t, "speech active again", func() bool { return f.bridge.Status().SpeechState == "active" })
	if f.room.DisconnectCount() != 0 {
		t.Error("room left after a speech failure")
	}
	if f.bridge.State() != bridge.StateConnected {
		t.Errorf("state = %s", f.bridge.State())
	}
}

func TestSpeechFailure_ReopenBudget(t *testing.T) {
	ep := &speechmock.Endpoint{DialErr: errors.New("overloaded")}
	f := newFixture(t, func(c *bridge.Config) {
		c.Reopen = bridge.ReopenPolicy{MaxAttempts: 2, Backoff: 5 * time.Millisecond}
	}, ep)
	f.start(t)

	waitFor(t, "all attempts", func() bool { return ep.DialCount() == 3 })
	time.Sleep(50 * time.Millisecond)
	if got := ep.DialCount(); got != 3 {
		t.Errorf("dial count = %d, want 3 (initial + 2 reopens)", got)
	}
	if st := f.bridge.Status(); !st.Degraded || st.State != "connected" {
		t.Errorf("status = %+v", st)
	}
}

func TestSpeechFailure_ParticipantJoinRetries(t *testing.T) {
	ep := &speechmock.Endpoint{DialErrs: []error{errors.New("blip")}}
	f := newFixture(t, nil, ep)
	f.start(t)
	waitFor(t, "speech failed", func() bool { return f.bridge.Status().SpeechState == "failed" })

	f.room.Emit(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "alice"})

	waitFor(t, "speech active", func() bool { return f.bridge.Status().SpeechState == "active" })
	if ep.DialCount() != 2 {
		t.Errorf("dial count = %d, want 2", ep.DialCount())
	}
}

func TestSpeechFailure_BreakerRejects(t *testing.T) {
	ep := &speechmock.Endpoint{DialErr: errors.New("bad key")}
	f := newFixture(t, func(c *bridge.Config) {
		c.BreakerFailures = 1
		c.BreakerReset = time.Hour
	}, ep)
	f.start(t)
	waitFor(t, "breaker open", func() bool { return f.bridge.Status().Breaker == "open" })

	f.room.Emit(audio.Event{Type: audio.EventParticipantConnected, ParticipantID: "alice"})
	waitFor(t, "participant", func() bool { return len(f.bridge.Status().Participants) == 1 })
	time.Sleep(20 * time.Millisecond)

	if ep.DialCount() != 1 {
		t.Errorf("dial count = %d; an open breaker must not dial", ep.DialCount())
	}
}

func TestSpeechFailure_BreakerTransitionsCounted(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	ep := &speechmock.Endpoint{DialErr: errors.New("bad key")}
	f := newMeteredFixture(t, func(c *bridge.Config) {
		c.BreakerFailures = 1
		c.BreakerReset = time.Hour
	}, ep, mp)
	f.start(t)
	var got []attribute.Set
	waitFor(t, "breaker transition recorded", func() bool {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		got = got[:0]
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				if m.Name != "voicebridge.speech.breaker.transitions" {
					continue
				}
				for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
					got = append(got, dp.Attributes)
				}
			}
		}
		return len(got) > 0
	})
	if len(got) != 1 {
		t.Fatalf("transition series = %d, want 1", len(got))
	}
	want := attribute.NewSet(
		attribute.String("breaker", "speech/mock"),
		attribute.String("from", "closed"),
		attribute.String("to", "open"),
	)
	if !got[0].Equals(&want) {
		t.Errorf("attributes = %v, want %v", got[0].ToSlice(), want.ToSlice())
	}
}

// ─── greeting, barge-in, transcripts ──────────────────────────────────────────

func greetingConfig(c *bridge.Config) {
	c.Greeting = bridge.GreetingConfig{
		Enabled:      true,
		Delay:        10 * time.Millisecond,
		Instructions: "say hello",
		WelcomeBack:  "say welcome back",
		RejoinWindow: time.Minute,
	}
}

func TestGreeting_NewSpeaker(t *testing.T) {
	f := newFixture(t, greetingConfig, nil)
	f.startActive(t)
	stream := f.ep.LastStream()

	f.subscribe("alice", "TR_a")

	waitFor(t, "greeting", func() bool { return len(stream.RequestedResponses()) == 1 })
	if got := stream.RequestedResponses()[0]; got != "say hello" {
		t.Errorf("greeting = %q", got)
	}
}

func TestGreeting_WelcomeBack(t *testing.T) {
	f := newFixture(t, greetingConfig, nil)
	f.startActive(t)
	stream := f.ep.LastStream()

	f.subscribe("alice", "TR_a")
	waitFor(t, "first greeting", func() bool { return len(stream.RequestedResponses()) == 1 })

	f.room.Emit(audio.Event{Type: audio.EventParticipantDisconnected, ParticipantID: "alice"})
	f.subscribe("alice", "TR_a2")

	waitFor(t, "second greeting", func() bool { return len(stream.RequestedResponses()) == 2 })
	if got := stream.RequestedResponses()[1]; got != "say welcome back" {
		t.Errorf("rejoin greeting = %q", got)
	}
}

func TestGreeting_WaitsForSpeech(t *testing.T) {
	stream := speechmock.NewStream()
	ep := &speechmock.Endpoint{Streams: []*speechmock.Stream{stream}, DialBlock: make(chan struct{})}
	f := newFixture(t, greetingConfig, ep)
	f.start(t)

	f.subscribe("alice", "TR_a")
	time.Sleep(30 * time.Millisecond)
	if n := len(stream.RequestedResponses()); n != 0 {
		t.Fatalf("greeted before speech was active (%d requests)", n)
	}

	close(ep.DialBlock)
	waitFor(t, "deferred greeting", func() bool { return len(stream.RequestedResponses()) == 1 })
}

func TestGreeting_Disabled(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)
	stream := f.ep.LastStream()

	f.subscribe("alice", "TR_a")
	waitFor(t, "alice active", func() bool { return f.bridge.Status().ActiveTrack == "alice/TR_a" })
	time.Sleep(30 * time.Millisecond)
	if n := len(stream.RequestedResponses()); n != 0 {
		t.Errorf("requests = %d with greeting disabled", n)
	}
}

func TestBargeIn_FlushesPlayout(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)
	stream := f.ep.LastStream()

	// One second of speech queues 50 frames that take a second to play.
	stream.EmitAudio(make([]byte, audio.SpeechFormat.Bytes(time.Second)), audio.SpeechFormat)
	track := f.room.PublishedTracks()[0]
	waitFor(t, "playout started", func() bool { return track.FrameCount() >= 1 })

	stream.Emit(speechep.Event{Kind: speechep.EventUserSpeechStarted})
	time.Sleep(100 * time.Millisecond)
	before := track.FrameCount()
	time.Sleep(100 * time.Millisecond)
	if after := track.FrameCount(); after != before {
		t.Errorf("playout continued after barge-in: %d → %d frames", before, after)
	}
	if track.FrameCount() >= 50 {
		t.Errorf("all %d frames played despite barge-in", track.FrameCount())
	}
}

func TestTranscripts_Published(t *testing.T) {
	f := newFixture(t, func(c *bridge.Config) {
		c.Transcripts = bridge.TranscriptConfig{Publish: true, Topic: "transcript"}
	}, nil)
	f.startActive(t)
	f.subscribe("alice", "TR_a")
	waitFor(t, "alice active", func() bool { return f.bridge.Status().ActiveTrack == "alice/TR_a" })

	stream := f.ep.LastStream()
	stream.Emit(speechep.Event{Kind: speechep.EventUserTranscript, Text: "where is the museum?"})
	stream.Emit(speechep.Event{Kind: speechep.EventAssistantText, Text: "Two blocks north."})

	waitFor(t, "data packets", func() bool { return len(f.room.DataCalls()) == 2 })
	calls := f.room.DataCalls()
	var got []bridge.Transcript
	for _, c := range calls {
		if c.Topic != "transcript" {
			t.Errorf("topic = %q", c.Topic)
		}
		var tr bridge.Transcript
		if err := json.Unmarshal(c.Payload, &tr); err != nil {
			t.Fatalf("payload: %v", err)
		}
		got = append(got, tr)
	}
	roles := []string{got[0].Role, got[1].Role}
	if !slices.Equal(roles, []string{"user", "assistant"}) {
		t.Errorf("roles = %v", roles)
	}
	if got[0].Text != "where is the museum?" || got[0].Participant != "alice" {
		t.Errorf("user transcript = %+v", got[0])
	}
	if got[1].BridgeID != f.bridge.ID() {
		t.Errorf("bridge id = %q", got[1].BridgeID)
	}
}

func TestTranscripts_DisabledByDefault(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.startActive(t)
	f.ep.LastStream().Emit(speechep.Event{Kind: speechep.EventUserTranscript, Text: "hi"})
	time.Sleep(30 * time.Millisecond)
	if n := len(f.room.DataCalls()); n != 0 {
		t.Errorf("data packets = %d with transcripts disabled", n)
	}
}
