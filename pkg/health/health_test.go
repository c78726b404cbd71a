package health

import "testing"

func TestRaiseIsSticky(t *testing.T) {
	s := New()
	s.Raise(FlagIO)
	if !s.Check(FlagIO) {
		t.Fatal("expected FlagIO to be set after Raise")
	}
	s.Raise(FlagOOM)
	if !s.Check(FlagIO) || !s.Check(FlagOOM) {
		t.Fatal("expected both flags set after independent Raise calls")
	}
}

func TestCheckMaskExcludesUnsetFlags(t *testing.T) {
	s := New()
	s.Raise(FlagDeleteBlock)
	if s.Check(WriteMask) {
		t.Fatal("WriteMask check should not see FlagDeleteBlock alone")
	}
	if !s.Check(FlagDeleteBlock) {
		t.Fatal("expected FlagDeleteBlock itself to be set")
	}
}

func TestResetClearsAllFlags(t *testing.T) {
	s := New()
	s.Raise(FlagIO)
	s.Reset()
	if s.Check(FlagIO) {
		t.Fatal("expected Reset to clear all flags")
	}
}
