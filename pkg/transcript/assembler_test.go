package transcript

import (
	"testing"
)

func TestCommitTurn_JoinsDeltas(t *testing.T) {
	a := NewAssembler()
	a.AppendModel("Hel")
	a.AppendModel("lo")

	committed := a.CommitTurn()
	if len(committed) != 1 {
		t.Fatalf("committed %d turns, want 1", len(committed))
	}
	if committed[0].Role != RoleModel {
		t.Errorf("role = %q, want %q", committed[0].Role, RoleModel)
	}
	if committed[0].Text != "Hello" {
		t.Errorf("text = %q, want %q", committed[0].Text, "Hello")
	}
	if committed[0].ID == "" {
		t.Error("committed turn must carry an id")
	}

	log := a.Log()
	if len(log) != 1 || log[0].Text != "Hello" {
		t.Fatalf("log = %+v", log)
	}
}

func TestCommitTurn_EmptyIsNoOp(t *testing.T) {
	a := NewAssembler()

	if committed := a.CommitTurn(); len(committed) != 0 {
		t.Fatalf("committed %d turns, want 0", len(committed))
	}
	if a.Len() != 0 {
		t.Fatalf("log has %d turns, want 0", a.Len())
	}
}

func TestCommitTurn_WhitespaceOnlyIsNoOp(t *testing.T) {
	a := NewAssembler()
	a.AppendUser("   \n\t ")

	if committed := a.CommitTurn(); len(committed) != 0 {
		t.Fatalf("committed %d turns, want 0", len(committed))
	}
}

func TestCommitTurn_BothRolesUserFirst(t *testing.T) {
	a := NewAssembler()
	a.AppendModel("The next race starts at three.")
	a.AppendUser("when is the next race")

	committed := a.CommitTurn()
	if len(committed) != 2 {
		t.Fatalf("committed %d turns, want 2", len(committed))
	}
	if committed[0].Role != RoleUser {
		t.Errorf("first turn role = %q, want user", committed[0].Role)
	}
	if committed[1].Role != RoleModel {
		t.Errorf("second turn role = %q, want model", committed[1].Role)
	}
	if committed[0].ID == committed[1].ID {
		t.Error("turn ids must be unique")
	}
}

func TestCommitTurn_ClearsAccumulators(t *testing.T) {
	a := NewAssembler()
	a.AppendModel("first")
	a.CommitTurn()

	if got := a.Partial(RoleModel); got != "" {
		t.Fatalf("partial after commit = %q, want empty", got)
	}

	a.AppendModel("second")
	committed := a.CommitTurn()
	if len(committed) != 1 || committed[0].Text != "second" {
		t.Fatalf("committed = %+v", committed)
	}
	if a.Len() != 2 {
		t.Fatalf("log has %d turns, want 2", a.Len())
	}
}

func TestPartial_TracksUncommittedText(t *testing.T) {
	a := NewAssembler()
	a.AppendUser("show me ")
	a.AppendUser("the odds")

	if got := a.Partial(RoleUser); got != "show me the odds" {
		t.Fatalf("partial = %q", got)
	}
	if got := a.Partial(RoleModel); got != "" {
		t.Fatalf("model partial = %q, want empty", got)
	}
}

func TestClearPartials_KeepsLog(t *testing.T) {
	a := NewAssembler()
	a.AppendModel("committed")
	a.CommitTurn()
	a.AppendModel("in flight")

	a.ClearPartials()

	if got := a.Partial(RoleModel); got != "" {
		t.Fatalf("partial after clear = %q, want empty", got)
	}
	if a.Len() != 1 {
		t.Fatalf("log has %d turns, want 1", a.Len())
	}
	if committed := a.CommitTurn(); len(committed) != 0 {
		t.Fatalf("commit after clear produced %d turns, want 0", len(committed))
	}
}

func TestLog_ReturnsCopy(t *testing.T) {
	a := NewAssembler()
	a.AppendUser("hello")
	a.CommitTurn()

	log := a.Log()
	log[0].Text = "mutated"

	if a.Log()[0].Text != "hello" {
		t.Fatal("mutating the returned log must not affect the assembler")
	}
}
