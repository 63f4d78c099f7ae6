package session

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestParseValidMessages(t *testing.T) {
	secret := strings.Repeat("a", 48)

	cases := []struct {
		name string
		raw  string
		kind string
	}{
		{"hello", `{"kind":"hello","deviceId":"dev-1","secret":"` + secret + `"}`, KindHello},
		{"ack ok", `{"kind":"ack","id":"cmd-1","status":"ok"}`, KindAck},
		{"ack error", `{"kind":"ack","id":"cmd-1","status":"error","error":"boom"}`, KindAck},
		{"ping", `{"kind":"ping","timestamp":1724500000}`, KindPing},
		{"ping without timestamp", `{"kind":"ping"}`, KindPing},
		{"status", `{"kind":"status","installId":"inst-1","currentState":{"scene":"idle"}}`, KindStatus},
		{"empty status", `{"kind":"status"}`, KindStatus},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Parse([]byte(tc.raw))
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if msg.Kind != tc.kind {
				t.Errorf("expected kind %s, got %s", tc.kind, msg.Kind)
			}
		})
	}
}

func TestParseRejections(t *testing.T) {
	secret := strings.Repeat("a", 48)

	cases := []struct {
		name string
		raw  string
	}{
		{"not json", `{{{`},
		{"missing kind", `{"deviceId":"dev-1"}`},
		{"unknown kind", `{"kind":"restart"}`},
		{"hello without deviceId", `{"kind":"hello","secret":"` + secret + `"}`},
		{"hello short secret", `{"kind":"hello","deviceId":"dev-1","secret":"short"}`},
		{"hello 31 char secret", `{"kind":"hello","deviceId":"dev-1","secret":"` + strings.Repeat("a", 31) + `"}`},
		{"ack without id", `{"kind":"ack","status":"ok"}`},
		{"ack bad id", `{"kind":"ack","id":"cmd 1!","status":"ok"}`},
		{"ack bad status", `{"kind":"ack","id":"cmd-1","status":"done"}`},
		{"ping negative timestamp", `{"kind":"ping","timestamp":-5}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.raw)); !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("expected ErrInvalidMessage, got %v", err)
			}
		})
	}
}

func TestParseUnknownKindNamesSupportedKinds(t *testing.T) {
	_, err := Parse([]byte(`{"kind":"reboot"}`))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, kind := range []string{KindHello, KindAck, KindPing, KindStatus} {
		if !strings.Contains(err.Error(), kind) {
			t.Errorf("error should name supported kind %s: %v", kind, err)
		}
	}
}

func TestParseSizeCeiling(t *testing.T) {
	big := append([]byte(`{"kind":"status","clientInfo":{"blob":"`), bytes.Repeat([]byte("x"), MaxMessageSize)...)
	big = append(big, []byte(`"}}`)...)

	if _, err := Parse(big); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestParseStripsUnknownFields(t *testing.T) {
	msg, err := Parse([]byte(`{"kind":"ping","timestamp":1,"injected":"payload","nested":{"x":1}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if msg.Kind != KindPing || msg.Timestamp != 1 {
		t.Errorf("known fields mangled: %+v", msg)
	}
	// Unknown fields simply do not survive decoding into the typed struct;
	// nothing downstream can observe them.
}

func TestParseHelloAtExactMinimumSecret(t *testing.T) {
	raw := `{"kind":"hello","deviceId":"dev-1","secret":"` + strings.Repeat("a", MinSecretLength) + `"}`
	if _, err := Parse([]byte(raw)); err != nil {
		t.Errorf("secret at exact minimum should pass: %v", err)
	}
}
