package models

import (
	"encoding/json"
	"testing"
)

func TestState_StringAndParse(t *testing.T) {
	for _, s := range States() {
		got, err := ParseState(s.String())
		if err != nil {
			t.Fatalf("ParseState(%q): %v", s.String(), err)
		}
		if got != s {
			t.Errorf("ParseState(%q) = %v, want %v", s.String(), got, s)
		}
	}
	if _, err := ParseState("DELETED"); err == nil {
		t.Error("expected error for unknown state")
	}
}

func TestState_JSONByName(t *testing.T) {
	data, err := json.Marshal(Annotation{ID: "a1", State: StateUpdatedLocal})
	if err != nil {
		t.Fatal(err)
	}
	var back Annotation
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back.State != StateUpdatedLocal {
		t.Errorf("state = %v, want UPDATED_LOCAL", back.State)
	}
}

func TestState_NeedsPush(t *testing.T) {
	for _, s := range States() {
		want := s == StateUpdatedLocal
		if s.NeedsPush() != want {
			t.Errorf("%v.NeedsPush() = %v, want %v", s, s.NeedsPush(), want)
		}
	}
}

func TestThread_FlatLookup(t *testing.T) {
	anns := []Annotation{
		{ID: "root"},
		{ID: "r1", ReplyTo: "root"},
		{ID: "r2", ReplyTo: "root"},
		{ID: "orphan", ReplyTo: "missing"},
	}
	th := Thread(anns)
	if len(th["root"]) != 2 {
		t.Errorf("replies to root = %d, want 2", len(th["root"]))
	}
	if len(th[""]) != 2 {
		t.Errorf("top level = %d, want 2 (root + orphan)", len(th[""]))
	}
}
