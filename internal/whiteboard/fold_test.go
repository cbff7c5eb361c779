package whiteboard

import (
	"encoding/json"
	"reflect"
	"testing"

	"peerstudy-backend/internal/model"
)

func stroke(seq, userID int64, data string) Op {
	return Op{Seq: seq, UserID: userID, Kind: model.OpStroke, Data: json.RawMessage(data)}
}

func clear(seq, userID int64) Op {
	return Op{Seq: seq, UserID: userID, Kind: model.OpClear, Data: json.RawMessage(`{}`)}
}

func erase(seq, userID, target int64) Op {
	data, _ := json.Marshal(map[string]int64{"target_seq": target})
	return Op{Seq: seq, UserID: userID, Kind: model.OpErase, Data: data}
}

func seqs(elements []Element) []int64 {
	out := make([]int64, len(elements))
	for i, el := range elements {
		out[i] = el.Seq
	}
	return out
}

func TestFold_ClearSupersedesPriorOperations(t *testing.T) {
	ops := []Op{
		stroke(1, 10, `{"points":[1]}`),
		stroke(2, 11, `{"points":[2]}`),
		clear(3, 10),
		stroke(4, 11, `{"points":[4]}`),
	}

	got := Fold(ops)

	if !reflect.DeepEqual(seqs(got), []int64{4}) {
		t.Errorf("expected only the post-clear stroke, got seqs %v", seqs(got))
	}
}

func TestFold_EraseRemovesTargetedElement(t *testing.T) {
	ops := []Op{
		stroke(1, 10, `{"points":[1]}`),
		stroke(2, 10, `{"points":[2]}`),
		erase(3, 11, 1),
	}

	got := Fold(ops)

	if !reflect.DeepEqual(seqs(got), []int64{2}) {
		t.Errorf("expected stroke 1 erased, got seqs %v", seqs(got))
	}
}

func TestFold_RoundTripAcrossClear(t *testing.T) {
	full := []Op{
		stroke(1, 10, `{"points":[1]}`),
		stroke(2, 11, `{"points":[2]}`),
		clear(3, 10),
		stroke(4, 11, `{"points":[4]}`),
		stroke(5, 10, `{"points":[5]}`),
	}

	lastClear := LastClearSeq(full)
	if lastClear != 3 {
		t.Fatalf("expected last clear at seq 3, got %d", lastClear)
	}

	// A consumer catching up after the clear replays only the tail.
	var tail []Op
	for _, op := range full {
		if op.Seq > ReplayFrom(0, lastClear) {
			tail = append(tail, op)
		}
	}

	if !reflect.DeepEqual(Fold(full), Fold(tail)) {
		t.Error("folding the full log and the post-clear tail must yield the same canvas")
	}
}

func TestFold_ConvergesRegardlessOfArrivalOrder(t *testing.T) {
	// Two participants draw concurrently; seq assigned at publish time gives a
	// total order, so every arrival permutation folds identically.
	a := stroke(1, 10, `{"points":[1]}`)
	b := stroke(2, 11, `{"points":[2]}`)
	c := erase(3, 10, 2)

	want := Fold([]Op{a, b, c})
	permutations := [][]Op{
		{a, c, b},
		{b, a, c},
		{b, c, a},
		{c, a, b},
		{c, b, a},
	}
	for i, perm := range permutations {
		if got := Fold(perm); !reflect.DeepEqual(got, want) {
			t.Errorf("permutation %d folded differently: got %v want %v", i, seqs(got), seqs(want))
		}
	}
}

func TestReplayFrom_UsesTheLaterBound(t *testing.T) {
	if got := ReplayFrom(10, 3); got != 10 {
		t.Errorf("sinceSeq past the clear should win, got %d", got)
	}
	if got := ReplayFrom(0, 7); got != 6 {
		t.Errorf("catch-up before the clear should start at clear-1, got %d", got)
	}
	if got := ReplayFrom(0, 0); got != 0 {
		t.Errorf("no clear means no truncation, got %d", got)
	}
}

func TestLastClearSeq_EmptyLog(t *testing.T) {
	if got := LastClearSeq(nil); got != 0 {
		t.Errorf("expected 0 for empty log, got %d", got)
	}
}
