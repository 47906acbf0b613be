package hub

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
)

func TestOpenAssignsNodeScopedID(t *testing.T) {
	h := New("n1", 4, zaptest.NewLogger(t))
	ep := h.Open("alice")

	if !strings.HasPrefix(ep.ID, "n1.") {
		t.Fatalf("unexpected endpoint id: %s", ep.ID)
	}
	if NodeOf(ep.ID) != "n1" {
		t.Fatalf("NodeOf returned %q", NodeOf(ep.ID))
	}
	if other := h.Open("alice"); other.ID == ep.ID {
		t.Fatal("expected distinct endpoint ids")
	}
	if h.Len() != 2 {
		t.Fatalf("expected 2 endpoints, got %d", h.Len())
	}
}

func TestDeliverQueuesFrame(t *testing.T) {
	h := New("n1", 4, zaptest.NewLogger(t))
	ep := h.Open("alice")

	env := realtime.NewEnvelope(realtime.ChannelMessage, map[string]string{"content": "hi"})
	if err := h.Deliver(context.Background(), ep.ID, env); err != nil {
		t.Fatalf("Deliver err: %v", err)
	}

	select {
	case got := <-ep.Outbound():
		if got.Channel != realtime.ChannelMessage {
			t.Fatalf("unexpected channel: %s", got.Channel)
		}
	default:
		t.Fatal("expected queued frame")
	}
}

func TestDeliverNeverBlocks(t *testing.T) {
	h := New("n1", 1, zaptest.NewLogger(t))
	ep := h.Open("alice")
	env := realtime.NewEnvelope(realtime.ChannelStatus, nil)

	if err := h.Deliver(context.Background(), ep.ID, env); err != nil {
		t.Fatalf("first Deliver err: %v", err)
	}
	if err := h.Deliver(context.Background(), ep.ID, env); !errors.Is(err, ErrEndpointBusy) {
		t.Fatalf("expected ErrEndpointBusy, got %v", err)
	}
}

func TestDeliverAfterClose(t *testing.T) {
	h := New("n1", 4, zaptest.NewLogger(t))
	ep := h.Open("alice")
	h.Close(ep.ID)
	h.Close(ep.ID)

	select {
	case <-ep.Done():
	default:
		t.Fatal("expected done to be closed")
	}

	err := h.Deliver(context.Background(), ep.ID, realtime.NewEnvelope(realtime.ChannelStatus, nil))
	if !errors.Is(err, ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound, got %v", err)
	}
	if err := h.Deliver(context.Background(), "other.node-endpoint", realtime.Envelope{}); !errors.Is(err, ErrEndpointNotFound) {
		t.Fatalf("expected ErrEndpointNotFound without remote, got %v", err)
	}
}

func TestShutdownClosesEndpoints(t *testing.T) {
	h := New("n1", 4, zaptest.NewLogger(t))
	a := h.Open("alice")
	b := h.Open("bob")
	h.Shutdown()

	for _, ep := range []*Endpoint{a, b} {
		select {
		case <-ep.Done():
		default:
			t.Fatalf("endpoint %s still open", ep.ID)
		}
	}
	if h.Len() != 0 {
		t.Fatalf("expected empty hub, got %d", h.Len())
	}
}

type staticLookup map[string][]string

func (l staticLookup) EndpointsFor(_ context.Context, userID string) ([]string, error) {
	return l[userID], nil
}

func TestFanoutCountsSuccessfulDeliveries(t *testing.T) {
	h := New("n1", 1, zaptest.NewLogger(t))
	a := h.Open("alice")
	b := h.Open("alice")

	// fill b so the second delivery to it fails
	_ = h.Deliver(context.Background(), b.ID, realtime.Envelope{})

	lookup := staticLookup{"alice": {a.ID, b.ID, "n1.gone"}}
	f := NewFanout(lookup, h, zaptest.NewLogger(t))

	got := f.Notify(context.Background(), "alice", realtime.NewEnvelope(realtime.ChannelMessage, "x"))
	if got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
	if n := f.Notify(context.Background(), "nobody", realtime.Envelope{}); n != 0 {
		t.Fatalf("expected 0 deliveries, got %d", n)
	}
}
