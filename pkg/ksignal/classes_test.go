package ksignal

import "testing"

func TestProgramErrorClassification(t *testing.T) {
	cases := map[int]bool{
		11: true,  // SIGSEGV
		8:  true,  // SIGFPE
		9:  false, // SIGKILL
		15: false, // SIGTERM
	}
	for signo, want := range cases {
		if got := IsProgramError(signo); got != want {
			t.Errorf("IsProgramError(%d) = %v, want %v", signo, got, want)
		}
	}
}

func TestNoCatchSignals(t *testing.T) {
	if !IsNoCatch(9) { // SIGKILL
		t.Error("SIGKILL must be no-catch")
	}
	if !IsNoCatch(19) { // SIGSTOP
		t.Error("SIGSTOP must be no-catch")
	}
	if IsNoCatch(15) { // SIGTERM
		t.Error("SIGTERM must be catchable")
	}
}

func TestDefaultIgnoreSignals(t *testing.T) {
	if !IsDefaultIgnore(17) { // SIGCHLD
		t.Error("SIGCHLD should default-ignore")
	}
	if IsDefaultIgnore(15) { // SIGTERM
		t.Error("SIGTERM should not default-ignore")
	}
}

func TestSigSetAddDel(t *testing.T) {
	var s SigSet
	s.Add(5)
	if !s.IsMember(5) {
		t.Fatal("expected 5 to be a member after Add")
	}
	s.Del(5)
	if s.IsMember(5) {
		t.Fatal("expected 5 to be removed after Del")
	}
}
