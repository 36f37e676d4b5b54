package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"polyflow/internal/channel"
	"polyflow/logger"
	"polyflow/models"
	"polyflow/subscription"
)

func newParserManager(t *testing.T, insts ...models.Instrument) (*Manager, *channel.Channels) {
	t.Helper()
	set := subscription.NewSet()
	set.Apply(insts, time.Now())
	channels := channel.NewChannels(16, 16)
	m := NewManager(streamConfig(), set, channels)
	m.ctx = context.Background()
	return m, channels
}

func drainBook(t *testing.T, channels *channel.Channels, n int) []models.BookEvent {
	t.Helper()
	events := make([]models.BookEvent, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-channels.Book:
			events = append(events, ev)
		case <-time.After(time.Second):
			t.Fatalf("expected %d events, got %d", n, len(events))
		}
	}
	select {
	case ev := <-channels.Book:
		t.Fatalf("unexpected extra event: %+v", ev)
	default:
	}
	return events
}

func TestHandleMessageRoutesBookEvent(t *testing.T) {
	m, channels := newParserManager(t, inst("tok-1", models.Bucket5m))

	m.handleMessage([]byte(`{"event_type":"book","asset_id":"tok-1","timestamp":"1717243200123","bids":[["0.45","100"]],"asks":[["0.55","80"]]}`))

	events := drainBook(t, channels, 1)
	ev := events[0]
	if ev.EventType != models.EventBook {
		t.Errorf("unexpected event type: %s", ev.EventType)
	}
	if ev.AssetID != "tok-1" || ev.ConditionID != "0xtok-1" || ev.Slug != "slug-tok-1" {
		t.Errorf("instrument fields not resolved: %+v", ev)
	}
	if ev.Bucket != models.Bucket5m {
		t.Errorf("unexpected bucket: %s", ev.Bucket)
	}
	if ev.ServerTS != 1717243200123 {
		t.Errorf("unexpected server timestamp: %d", ev.ServerTS)
	}
	if len(ev.Payload) == 0 {
		t.Error("payload not preserved")
	}
}

func TestHandleMessageBatchArray(t *testing.T) {
	m, channels := newParserManager(t, inst("tok-1", models.Bucket5m), inst("tok-2", models.Bucket15m))

	m.handleMessage([]byte(`[
		{"event_type":"book","asset_id":"tok-1","timestamp":"1"},
		{"event_type":"last_trade_price","asset_id":"tok-2","timestamp":"2","price":"0.61"}
	]`))

	events := drainBook(t, channels, 2)
	if events[0].AssetID != "tok-1" || events[1].AssetID != "tok-2" {
		t.Fatalf("unexpected routing: %s, %s", events[0].AssetID, events[1].AssetID)
	}
	if events[1].EventType != models.EventLastTrade {
		t.Fatalf("unexpected event type: %s", events[1].EventType)
	}
}

func TestHandleMessagePriceChangeFanout(t *testing.T) {
	m, channels := newParserManager(t, inst("tok-1", models.Bucket5m), inst("tok-2", models.Bucket5m))

	m.handleMessage([]byte(`{"event_type":"price_change","timestamp":"5","price_changes":[
		{"asset_id":"tok-1","price":"0.44","size":"10","side":"BUY"},
		{"asset_id":"tok-2","price":"0.56","size":"20","side":"SELL"},
		{"asset_id":"unknown","price":"0.5","size":"1","side":"BUY"}
	]}`))

	events := drainBook(t, channels, 2)
	for _, ev := range events {
		if ev.EventType != models.EventPriceChange {
			t.Errorf("unexpected event type: %s", ev.EventType)
		}
		if ev.ServerTS != 5 {
			t.Errorf("unexpected server timestamp: %d", ev.ServerTS)
		}
	}
}

func TestHandleMessageIgnoresUnknownInstrument(t *testing.T) {
	m, channels := newParserManager(t, inst("tok-1", models.Bucket5m))

	m.handleMessage([]byte(`{"event_type":"book","asset_id":"never-subscribed","timestamp":"1"}`))

	select {
	case ev := <-channels.Book:
		t.Fatalf("event for unknown instrument was routed: %+v", ev)
	default:
	}
}

func TestHandleMessageMalformedCounted(t *testing.T) {
	m, channels := newParserManager(t, inst("tok-1", models.Bucket5m))

	before := logger.MalformedMsgs()
	m.handleMessage([]byte(`{not json`))
	m.handleMessage([]byte(`[{"event_type":`))
	m.handleMessage([]byte(`{"event_type":"book","timestamp":"1"}`))
	m.handleMessage([]byte(`{"event_type":"price_change","price_changes":[{"price":"0.5"}]}`))
	if got := logger.MalformedMsgs() - before; got != 4 {
		t.Fatalf("expected 4 malformed messages counted, got %d", got)
	}

	select {
	case ev := <-channels.Book:
		t.Fatalf("malformed message produced an event: %+v", ev)
	default:
	}
}

func TestHandleMessageControlFrames(t *testing.T) {
	m, channels := newParserManager(t, inst("tok-1", models.Bucket5m))

	before := logger.MalformedMsgs()
	m.handleMessage([]byte("PONG"))
	m.handleMessage([]byte("  "))
	m.handleMessage([]byte(`{"event_type":"subscribed","asset_id":"tok-1"}`))
	if got := logger.MalformedMsgs() - before; got != 0 {
		t.Fatalf("control frames counted as malformed: %d", got)
	}

	select {
	case ev := <-channels.Book:
		t.Fatalf("control frame produced an event: %+v", ev)
	default:
	}
}

func TestParseServerTS(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"", 0},
		{"not-a-number", 0},
		{"1717243200123", 1717243200123},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%q", tc.in), func(t *testing.T) {
			if got := parseServerTS(tc.in); got != tc.want {
				t.Fatalf("parseServerTS(%q) = %d, want %d", tc.in, got, tc.want)
			}
		})
	}
}
