package chatlog_test

import (
	"testing"
	"time"

	"github.com/coastline-irc/history/internal/chatlog"
)

var (
	upstream  = chatlog.UpstreamContext{UserID: 1, NetworkID: 1}
	clientCtx = chatlog.ClientContext{}
)

func TestQuery_FromTimeAscending(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 3; i++ {
		s.Store(inbound("PRIVMSG", "#general", "msg"), upstream, clientCtx)
	}
	waitForIngest(t, s, 1, 1, "#general", 3)

	events, err := s.FromTime(1, 1, "#general", 0, 10)
	if err != nil {
		t.Fatalf("FromTime() error: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
}

func TestQuery_BeforeTimeReturnsEarlierEvents(t *testing.T) {
	s := newTestStore(t)
	s.Store(inbound("PRIVMSG", "#general", "first"), upstream, clientCtx)
	waitForIngest(t, s, 1, 1, "#general", 1)

	events, err := s.BeforeTime(1, 1, "#general", maxMillis, 10)
	if err != nil {
		t.Fatalf("BeforeTime() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
}

func TestQuery_UnknownBufferYieldsEmptyResult(t *testing.T) {
	s := newTestStore(t)

	events, err := s.FromTime(1, 1, "#never-seen", 0, 10)
	if err != nil {
		t.Fatalf("FromTime() error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func TestQuery_FromMsgidExcludesAnchor(t *testing.T) {
	s := newTestStore(t)

	base := baseTime()
	first := inbound("PRIVMSG", "#general", "first")
	first.Tags = map[string]string{"draft/msgid": "m1"}
	first.Time = base
	s.Store(first, upstream, clientCtx)

	second := inbound("PRIVMSG", "#general", "second")
	second.Tags = map[string]string{"draft/msgid": "m2"}
	second.Time = base.Add(time.Second)
	s.Store(second, upstream, clientCtx)

	waitForIngest(t, s, 1, 1, "#general", 2)

	events, err := s.FromMsgid(1, 1, "#general", "m1", 10)
	if err != nil {
		t.Fatalf("FromMsgid() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1 (anchor excluded, per §4.4's strict >)", len(events))
	}
	if events[0].Data != "second" {
		t.Errorf("got %q, want %q", events[0].Data, "second")
	}
}

func TestQuery_BeforeMsgidIncludesAnchor(t *testing.T) {
	s := newTestStore(t)

	base := baseTime()
	first := inbound("PRIVMSG", "#general", "first")
	first.Tags = map[string]string{"draft/msgid": "m1"}
	first.Time = base
	s.Store(first, upstream, clientCtx)

	second := inbound("PRIVMSG", "#general", "second")
	second.Tags = map[string]string{"draft/msgid": "m2"}
	second.Time = base.Add(time.Second)
	s.Store(second, upstream, clientCtx)

	waitForIngest(t, s, 1, 1, "#general", 2)

	events, err := s.BeforeMsgid(1, 1, "#general", "m2", 10)
	if err != nil {
		t.Fatalf("BeforeMsgid() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (anchor included, per §4.4's ≤)", len(events))
	}
}

func TestQuery_BetweenAcceptsMsgidEndpoints(t *testing.T) {
	s := newTestStore(t)

	base := baseTime()
	first := inbound("PRIVMSG", "#general", "first")
	first.Tags = map[string]string{"draft/msgid": "m1"}
	first.Time = base
	s.Store(first, upstream, clientCtx)

	second := inbound("PRIVMSG", "#general", "second")
	second.Tags = map[string]string{"draft/msgid": "m2"}
	second.Time = base.Add(time.Second)
	s.Store(second, upstream, clientCtx)

	third := inbound("PRIVMSG", "#general", "third")
	third.Tags = map[string]string{"draft/msgid": "m3"}
	third.Time = base.Add(2 * time.Second)
	s.Store(third, upstream, clientCtx)

	waitForIngest(t, s, 1, 1, "#general", 3)

	events, err := s.Between(1, 1, "#general", chatlog.AtMsgid("m1"), chatlog.AtMsgid("m3"), 10)
	if err != nil {
		t.Fatalf("Between() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (m1 inclusive, m3 exclusive)", len(events))
	}
	if events[0].Data != "first" || events[1].Data != "second" {
		t.Fatalf("got [%q, %q], want [first, second]", events[0].Data, events[1].Data)
	}

	mixed, err := s.Between(1, 1, "#general", chatlog.AtMsgid("m2"), chatlog.AtTime(maxMillis), 10)
	if err != nil {
		t.Fatalf("Between() error: %v", err)
	}
	if len(mixed) != 2 {
		t.Fatalf("got %d events, want 2 (from=m2 inclusive through end)", len(mixed))
	}
}

func TestQuery_BetweenUnknownMsgidEndpointYieldsEmptyResult(t *testing.T) {
	s := newTestStore(t)
	s.Store(inbound("PRIVMSG", "#general", "hello"), upstream, clientCtx)
	waitForIngest(t, s, 1, 1, "#general", 1)

	events, err := s.Between(1, 1, "#general", chatlog.AtMsgid("does-not-exist"), chatlog.AtTime(maxMillis), 10)
	if err != nil {
		t.Fatalf("Between() error: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("got %d events, want 0", len(events))
	}
}

func baseTime() time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
}
