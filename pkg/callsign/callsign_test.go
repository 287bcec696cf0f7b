package callsign

import "testing"

func TestAllowed(t *testing.T) {
	for _, c := range []struct {
		name     string
		allow    string
		deny     string
		callsign string
		exp      bool
	}{
		{"NoRules", "", "", "W1AW", true},
		{"AllowMatch", `^[A-Z0-9]+$`, "", "W1AW", true},
		{"AllowNoMatch", `^[A-Z0-9]+$`, "", "lower", false},
		{"DenyMatch", "", `^N0CALL$`, "N0CALL", false},
		{"DenyNoMatch", "", `^N0CALL$`, "W1AW", true},
		{"BothAllowWins", `^[A-Z0-9]+$`, `^N0CALL$`, "W1AW", true},
		{"BothDenyWins", `^[A-Z0-9]+$`, `^N0CALL$`, "N0CALL", false},
		{"BothNeither", `^[A-Z0-9]+$`, `^N0CALL$`, "lower", false},
		{"DenySubstring", "", `BAD`, "XBAD1X", false},
		{"Empty", `^[A-Z0-9]+$`, "", "", false},
	} {
		t.Run(c.name, func(t *testing.T) {
			r, err := Compile(c.allow, c.deny)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := r.Allowed(c.callsign); got != c.exp {
				t.Errorf("allow=%q deny=%q callsign=%q: expected %v, got %v", c.allow, c.deny, c.callsign, c.exp, got)
			}
		})
	}
}

func TestAllowedNil(t *testing.T) {
	var r *Rules
	if !r.Allowed("ANY") {
		t.Errorf("nil rules must allow everything")
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := Compile(`^(`, ""); err == nil {
		t.Errorf("expected an error for a bad allow pattern")
	}
	if _, err := Compile("", `[z-a]`); err == nil {
		t.Errorf("expected an error for a bad deny pattern")
	}
}
