// ABOUTME: Integration tests for the marker bus
// ABOUTME: Tests outlet creation, loopback delivery, time sync and subscriber handling
package bus

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/childmindresearch/MoBI-AV/internal/client"
	"github.com/childmindresearch/MoBI-AV/internal/marker"
	"github.com/childmindresearch/MoBI-AV/internal/media"
	"github.com/childmindresearch/MoBI-AV/internal/protocol"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
)

var audioInfo = protocol.StreamInfo{
	Name:         "AudioMarkers",
	Type:         "Markers",
	ChannelCount: 1,
	Format:       "string",
	SourceID:     "test-audio",
}

func startServer(t *testing.T, clock internalsync.Clock) *Server {
	t.Helper()
	s, err := NewServer(Config{Addr: "127.0.0.1:0", Name: "Test Bus", Hostname: "testhost", Clock: clock})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func streamURL(s *Server, name string) string {
	return fmt.Sprintf("ws://%s/markers/%s", s.Addr(), name)
}

func subscribe(t *testing.T, s *Server, name string) *client.Client {
	t.Helper()
	c := client.NewClient(client.Config{URL: streamURL(s, name), Name: "test-inlet"})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(c.Close)

	deadline := time.Now().Add(2 * time.Second)
	for s.Subscribers(name) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c
}

func TestNewServerRequiresClock(t *testing.T) {
	if _, err := NewServer(Config{}); err == nil {
		t.Error("expected error without clock")
	}

	s, err := NewServer(Config{Clock: internalsync.NewSystemClock()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if s.config.Addr != ":8937" {
		t.Errorf("expected default addr :8937, got %s", s.config.Addr)
	}
	if s.config.SendBuffer != DefaultSendBuffer {
		t.Errorf("expected default send buffer, got %d", s.config.SendBuffer)
	}
}

func TestOutletIsIdempotent(t *testing.T) {
	s := startServer(t, internalsync.NewSystemClock())

	first, err := s.Outlet(audioInfo)
	if err != nil {
		t.Fatalf("Outlet: %v", err)
	}

	renamed := audioInfo
	renamed.SourceID = "other"
	second, err := s.Outlet(renamed)
	if err != nil {
		t.Fatalf("second Outlet: %v", err)
	}
	if first != second {
		t.Error("expected the same outlet for the same stream name")
	}
	if got := second.(*Outlet).Info(); got.SourceID != "test-audio" || got.Hostname != "testhost" {
		t.Errorf("outlet header changed or missing hostname: %+v", got)
	}

	if _, err := s.Outlet(protocol.StreamInfo{}); err == nil {
		t.Error("expected error for unnamed stream")
	}
}

func TestLoopbackDeliveryIsFIFO(t *testing.T) {
	s := startServer(t, internalsync.NewSystemClock())
	if _, err := s.Outlet(audioInfo); err != nil {
		t.Fatalf("Outlet: %v", err)
	}

	inlet := subscribe(t, s, audioInfo.Name)
	if info := inlet.Info(); info.Name != audioInfo.Name || info.SourceID != audioInfo.SourceID {
		t.Errorf("unexpected stream header %+v", info)
	}

	emitter := marker.NewEmitter(media.Audio, audioInfo, s, func(err error) {
		t.Errorf("emitter error: %v", err)
	})
	defer emitter.Close()

	const count = 20
	for i := 0; i < count; i++ {
		emitter.Emit(marker.Marker{
			Modality:  media.Audio,
			Kind:      marker.Start,
			SessionID: fmt.Sprintf("s%02d", i),
			SubjectID: "S1",
			Filename:  "S1_audio.wav",
			At:        time.Now(),
			Params:    media.Params{SampleRate: 44100, Channels: 1},
		})
	}

	timeout := time.After(5 * time.Second)
	for i := 0; i < count; i++ {
		select {
		case m, ok := <-inlet.Markers:
			if !ok {
				t.Fatalf("connection closed after %d markers", i)
			}
			if want := fmt.Sprintf("s%02d", i); m.SessionID != want {
				t.Fatalf("marker %d out of order: got %s, want %s", i, m.SessionID, want)
			}
			if m.Stream != audioInfo.Name || m.Modality != "audio" || m.Event != "start" {
				t.Errorf("unexpected marker %+v", m)
			}
		case <-timeout:
			t.Fatalf("timed out after %d markers", i)
		}
	}
}

func TestTimeSyncUsesBusClock(t *testing.T) {
	busClock := internalsync.NewManualClock(time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC))
	s := startServer(t, busClock)
	if _, err := s.Outlet(audioInfo); err != nil {
		t.Fatalf("Outlet: %v", err)
	}
	inlet := subscribe(t, s, audioInfo.Name)

	cs := internalsync.NewClockSync()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := inlet.SyncOnce(ctx, cs); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}
	if !cs.Synced() {
		t.Fatal("expected clock sync after one exchange")
	}

	// a bus instant taken now maps onto local now
	local := cs.BusToLocal(internalsync.Micros(busClock))
	if diff := time.Since(local); diff > 100*time.Millisecond || diff < -100*time.Millisecond {
		t.Errorf("bus time translated %v away from local now", diff)
	}
}

func TestUnknownStreamIsNotFound(t *testing.T) {
	s := startServer(t, internalsync.NewSystemClock())

	_, resp, err := websocket.DefaultDialer.Dial(streamURL(s, "Nope"), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %+v", resp)
	}
}

func TestHelloIsRequired(t *testing.T) {
	s := startServer(t, internalsync.NewSystemClock())
	if _, err := s.Outlet(audioInfo); err != nil {
		t.Fatalf("Outlet: %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(streamURL(s, audioInfo.Name), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.Message{Type: protocol.TypeClientTime, Payload: protocol.ClientTime{ClientTransmitted: 1}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the bus to hang up without a hello")
	}
}

func TestClosedBusRejectsPushAndOutlets(t *testing.T) {
	s := startServer(t, internalsync.NewSystemClock())
	outlet, err := s.Outlet(audioInfo)
	if err != nil {
		t.Fatalf("Outlet: %v", err)
	}
	inlet := subscribe(t, s, audioInfo.Name)

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := outlet.Push(protocol.Marker{}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed from Push, got %v", err)
	}
	if _, err := s.Outlet(protocol.StreamInfo{Name: "VideoMarkers"}); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed from Outlet, got %v", err)
	}

	select {
	case <-inlet.Done():
	case <-time.After(2 * time.Second):
		t.Error("inlet was not disconnected by Close")
	}
}

func TestFullSubscriberIsDropped(t *testing.T) {
	s, err := NewServer(Config{Clock: internalsync.NewSystemClock()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	out, err := s.Outlet(audioInfo)
	if err != nil {
		t.Fatalf("Outlet: %v", err)
	}
	o := out.(*Outlet)

	slow := &subscriber{id: "slow", name: "slow", sendChan: make(chan protocol.Message, 1)}
	if err := o.add(slow); err != nil {
		t.Fatalf("add: %v", err)
	}

	if err := o.Push(protocol.Marker{Seq: 1}); err != nil {
		t.Fatalf("first Push: %v", err)
	}
	if s.Subscribers(audioInfo.Name) != 1 {
		t.Fatal("subscriber dropped while its queue had room")
	}

	if err := o.Push(protocol.Marker{Seq: 2}); err != nil {
		t.Fatalf("second Push should not fail the emitter: %v", err)
	}
	if s.Subscribers(audioInfo.Name) != 0 {
		t.Error("expected the full subscriber to be dropped")
	}

	// the queued marker is still delivered before the hang-up
	msg, ok := <-slow.sendChan
	if !ok || msg.Payload.(protocol.Marker).Seq != 1 {
		t.Errorf("expected queued marker 1, got %+v (ok=%v)", msg, ok)
	}
	if _, ok := <-slow.sendChan; ok {
		t.Error("expected the queue to be closed")
	}
}

func TestDuplicateClientIDRejected(t *testing.T) {
	s, err := NewServer(Config{Clock: internalsync.NewSystemClock()})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	out, _ := s.Outlet(audioInfo)
	o := out.(*Outlet)

	if err := o.add(&subscriber{id: "a", sendChan: make(chan protocol.Message, 1)}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := o.add(&subscriber{id: "a", sendChan: make(chan protocol.Message, 1)}); err == nil {
		t.Error("expected duplicate client ID to be rejected")
	}
}
