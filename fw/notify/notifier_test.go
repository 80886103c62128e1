package notify

import (
	"testing"
)

func TestFlushCoalescesDuplicates(t *testing.T) {
	n := NewNotifier()

	var got []Kind
	n.Subscribe(func(k Kind) { got = append(got, k) })

	n.Enqueue(AppChanged)
	n.Enqueue(AppChanged)
	n.Enqueue(AppChanged)
	n.Flush()

	if len(got) != 1 || got[0] != AppChanged {
		t.Fatalf("got %v, want single AppChanged", got)
	}
}

func TestFlushEmitsInDeclarationOrder(t *testing.T) {
	n := NewNotifier()

	var got []Kind
	n.Subscribe(func(k Kind) { got = append(got, k) })

	// enqueue order must not matter
	n.Enqueue(AppUpdated)
	n.Enqueue(AppAlerted)
	n.Enqueue(AppChanged)
	n.Flush()

	want := []Kind{AppAlerted, AppChanged, AppUpdated}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestFlushDrainsPending(t *testing.T) {
	n := NewNotifier()

	calls := 0
	n.Subscribe(func(Kind) { calls++ })

	n.Enqueue(AppAlerted)
	n.Flush()
	n.Flush() // nothing pending

	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestFlushFansOutToAllSinks(t *testing.T) {
	n := NewNotifier()

	a, b := 0, 0
	n.Subscribe(func(Kind) { a++ })
	n.Subscribe(func(Kind) { b++ })

	n.Enqueue(AppUpdated)
	n.Flush()

	if a != 1 || b != 1 {
		t.Fatalf("sinks = (%d,%d), want (1,1)", a, b)
	}
}

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		AppAlerted: "appAlerted",
		AppChanged: "appChanged",
		AppUpdated: "appUpdated",
	}
	for k, want := range cases {
		if k.String() != want {
			t.Fatalf("%d.String() = %q, want %q", k, k.String(), want)
		}
	}
}
