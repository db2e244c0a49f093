package model

import "testing"

func TestCallbackDataRoundTrip(t *testing.T) {
	b := Button{Label: "🛑 Terminate", Action: ActionTerminate, SessionID: 4242}
	data := b.CallbackData()
	action, id, err := ParseCallbackData(data)
	if err != nil {
		t.Fatalf("parse %q: %v", data, err)
	}
	if action != ActionTerminate || id != 4242 {
		t.Fatalf("parsed (%q, %d), want (%q, 4242)", action, id, ActionTerminate)
	}
}

func TestParseCallbackDataRejectsMalformed(t *testing.T) {
	for _, data := range []string{"", "info", "&42", "info&", "info&abc"} {
		if _, _, err := ParseCallbackData(data); err == nil {
			t.Fatalf("expected error for %q", data)
		}
	}
}

func TestButtonsSignatureDetectsChange(t *testing.T) {
	a := []Button{{Label: "A", Action: ActionInfo, SessionID: 1}}
	b := []Button{{Label: "B", Action: ActionInfo, SessionID: 1}}
	if ButtonsSignature(a) == ButtonsSignature(b) {
		t.Fatal("different labels must produce different signatures")
	}
	if ButtonsSignature(a) != ButtonsSignature(a) {
		t.Fatal("signature must be stable")
	}
}
