package bus_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/bus/bustest"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

func TestPublishJSON(t *testing.T) {
	client := bustest.Start(t)
	if !client.Healthy() {
		t.Fatal("expected healthy client")
	}

	received := make(chan protocol.VoiceEvent, 1)
	sub, err := client.Conn().Subscribe(protocol.VoiceEventSubject(protocol.EventFinal), func(msg *nats.Msg) {
		var evt protocol.VoiceEvent
		if err := json.Unmarshal(msg.Data, &evt); err == nil {
			received <- evt
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := client.Conn().Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := client.PublishJSON(protocol.VoiceEventSubject(protocol.EventFinal), protocol.VoiceEvent{Kind: protocol.EventFinal, Text: "hello"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case evt := <-received:
		if evt.Text != "hello" {
			t.Fatalf("expected hello, got %q", evt.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestRequestJSON(t *testing.T) {
	client := bustest.Start(t)

	sub, err := client.Conn().Subscribe(protocol.SubjectVoiceControl, func(msg *nats.Msg) {
		data, _ := json.Marshal(protocol.ControlReply{Available: true, State: "idle"})
		_ = msg.Respond(data)
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var reply protocol.ControlReply
	if err := client.RequestJSON(ctx, protocol.SubjectVoiceControl, protocol.ControlRequest{Action: protocol.ControlStatus}, &reply); err != nil {
		t.Fatalf("request: %v", err)
	}
	if !reply.Available || reply.State != "idle" {
		t.Fatalf("unexpected reply %+v", reply)
	}
}
