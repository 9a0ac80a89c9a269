// ABOUTME: Tests for the marker inlet
// ABOUTME: Tests handshake, marker routing and disconnect handling against a stub outlet
package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/childmindresearch/MoBI-AV/internal/protocol"
	internalsync "github.com/childmindresearch/MoBI-AV/internal/sync"
)

// stubOutlet answers the hello, then runs serve on the connection
func stubOutlet(t *testing.T, version int, serve func(conn *websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := protocol.Decode(data)
		if err != nil || env.Type != protocol.TypeClientHello {
			return
		}

		conn.WriteJSON(protocol.Message{
			Type: protocol.TypeServerHello,
			Payload: protocol.ServerHello{
				ServerID: "stub",
				Name:     "Stub Bus",
				Version:  version,
				Stream:   protocol.StreamInfo{Name: "VideoMarkers", Type: "Markers", ChannelCount: 1, SourceID: "stub-video"},
			},
		})
		serve(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/markers/VideoMarkers"
}

func TestNewClientDefaults(t *testing.T) {
	c := NewClient(Config{URL: "ws://localhost:8937/markers/AudioMarkers"})
	if c.config.ClientID == "" {
		t.Error("expected a generated client ID")
	}
	if c.config.Name != "mobi-listen" {
		t.Errorf("expected default name, got %s", c.config.Name)
	}
	if c.IsConnected() {
		t.Error("new client should not be connected")
	}
}

func TestConnectReceivesStreamInfoAndMarkers(t *testing.T) {
	url := stubOutlet(t, protocol.Version, func(conn *websocket.Conn) {
		for i := 1; i <= 3; i++ {
			conn.WriteJSON(protocol.Message{
				Type:    protocol.TypeMarker,
				Payload: protocol.Marker{Stream: "VideoMarkers", Seq: uint64(i), Event: "start"},
			})
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	})

	c := NewClient(Config{URL: url})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	if info := c.Info(); info.Name != "VideoMarkers" || info.SourceID != "stub-video" {
		t.Errorf("unexpected stream info %+v", info)
	}

	var seqs []uint64
	timeout := time.After(2 * time.Second)
	for done := false; !done; {
		select {
		case m, ok := <-c.Markers:
			if !ok {
				done = true
				break
			}
			seqs = append(seqs, m.Seq)
		case <-timeout:
			t.Fatal("Markers channel never closed")
		}
	}

	if len(seqs) != 3 || seqs[0] != 1 || seqs[2] != 3 {
		t.Errorf("expected markers 1..3 in order, got %v", seqs)
	}
	if c.IsConnected() {
		t.Error("client should report disconnected after the outlet hung up")
	}
}

func TestConnectRejectsVersionMismatch(t *testing.T) {
	url := stubOutlet(t, protocol.Version+1, func(conn *websocket.Conn) {})

	c := NewClient(Config{URL: url})
	if err := c.Connect(); err == nil {
		c.Close()
		t.Fatal("expected handshake to fail")
	}
}

func TestConnectFailsWithoutServer(t *testing.T) {
	c := NewClient(Config{URL: "ws://127.0.0.1:1/markers/AudioMarkers"})
	if err := c.Connect(); err == nil {
		t.Fatal("expected dial to fail")
	}
}

func TestSyncOnceIgnoresStaleResponses(t *testing.T) {
	url := stubOutlet(t, protocol.Version, func(conn *websocket.Conn) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		env, _ := protocol.Decode(data)
		var req protocol.ClientTime
		env.DecodePayload(&req)

		now := time.Now().UnixMicro()
		// a stale answer first, then the real one
		conn.WriteJSON(protocol.Message{Type: protocol.TypeServerTime, Payload: protocol.ServerTime{ClientTransmitted: req.ClientTransmitted - 1, ServerReceived: 1, ServerTransmitted: 1}})
		conn.WriteJSON(protocol.Message{Type: protocol.TypeServerTime, Payload: protocol.ServerTime{ClientTransmitted: req.ClientTransmitted, ServerReceived: now, ServerTransmitted: now}})

		conn.ReadMessage()
	})

	c := NewClient(Config{URL: url})
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	cs := internalsync.NewClockSync()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.SyncOnce(ctx, cs); err != nil {
		t.Fatalf("SyncOnce: %v", err)
	}

	offset, _, _ := cs.Stats()
	if offset > 50000 || offset < -50000 {
		t.Errorf("stale response leaked into the estimate: offset %dμs", offset)
	}
}
