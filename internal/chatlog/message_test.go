package chatlog

import "testing"

func TestKindFromCommand(t *testing.T) {
	tests := []struct {
		command string
		want    Kind
		ok      bool
	}{
		{"PRIVMSG", KindPrivmsg, true},
		{"privmsg", KindPrivmsg, true},
		{"NOTICE", KindNotice, true},
		{"JOIN", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, ok := kindFromCommand(tt.command)
		if got != tt.want || ok != tt.ok {
			t.Errorf("kindFromCommand(%q) = (%v, %v), want (%v, %v)", tt.command, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIsCTCP(t *testing.T) {
	if !isCTCP("\x01VERSION\x01") {
		t.Error("expected CTCP frame to be detected")
	}
	if isCTCP("hello") {
		t.Error("expected plain text to not be CTCP")
	}
	if isCTCP("") {
		t.Error("expected empty string to not be CTCP")
	}
}

func TestIsCTCPAction(t *testing.T) {
	if !isCTCPAction("\x01ACTION waves\x01") {
		t.Error("expected ACTION to be detected")
	}
	if isCTCPAction("\x01VERSION\x01") {
		t.Error("expected VERSION to not match ACTION")
	}
}

func TestInboundMessage_TargetAndData(t *testing.T) {
	m := InboundMessage{Params: []string{"#general", "hello"}}
	if got := m.target(); got != "#general" {
		t.Errorf("target() = %q, want %q", got, "#general")
	}
	if got := m.data(); got != "hello" {
		t.Errorf("data() = %q, want %q", got, "hello")
	}
}

func TestInboundMessage_EmptyParams(t *testing.T) {
	m := InboundMessage{}
	if got := m.target(); got != "" {
		t.Errorf("target() = %q, want empty", got)
	}
	if got := m.data(); got != "" {
		t.Errorf("data() = %q, want empty", got)
	}
}

func TestInboundMessage_ParamsVector(t *testing.T) {
	m := InboundMessage{Params: []string{"#general", "extra", "hello"}}
	if got := m.paramsVector(); got != "#general extra" {
		t.Errorf("paramsVector() = %q, want %q", got, "#general extra")
	}
}

func TestInboundMessage_MsgidTag(t *testing.T) {
	m := InboundMessage{Tags: map[string]string{"draft/msgid": "abc123"}}
	if got := m.msgidTag(); got != "abc123" {
		t.Errorf("msgidTag() = %q, want %q", got, "abc123")
	}

	m2 := InboundMessage{Tags: map[string]string{"msgid": "def456"}}
	if got := m2.msgidTag(); got != "def456" {
		t.Errorf("msgidTag() = %q, want %q", got, "def456")
	}

	m3 := InboundMessage{}
	if got := m3.msgidTag(); got != "" {
		t.Errorf("msgidTag() = %q, want empty", got)
	}
}

func TestCanonicalTags_RoundTrip(t *testing.T) {
	tags := map[string]string{"time": "2024-01-01T00:00:00Z", "msgid": "abc"}
	encoded := canonicalTags(tags)
	decoded := parseCanonicalTags(encoded)
	if len(decoded) != len(tags) {
		t.Fatalf("got %d tags, want %d", len(decoded), len(tags))
	}
	for k, v := range tags {
		if decoded[k] != v {
			t.Errorf("decoded[%q] = %q, want %q", k, decoded[k], v)
		}
	}
}

func TestCanonicalTags_Deterministic(t *testing.T) {
	a := map[string]string{"b": "2", "a": "1", "c": "3"}
	first := canonicalTags(a)
	second := canonicalTags(a)
	if string(first) != string(second) {
		t.Errorf("canonicalTags not deterministic: %q vs %q", first, second)
	}
}

func TestCanonicalTags_Empty(t *testing.T) {
	if got := string(canonicalTags(nil)); got != "{}" {
		t.Errorf("canonicalTags(nil) = %q, want %q", got, "{}")
	}
}
