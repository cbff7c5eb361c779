package whiteboard

import (
	"encoding/json"
	"sort"

	"peerstudy-backend/internal/model"
)

// Op is one whiteboard operation as relayed to consumers.
type Op struct {
	Seq    int64                  `json:"seq"`
	UserID int64                  `json:"user_id"`
	Kind   model.WhiteboardOpKind `json:"kind"`
	Data   json.RawMessage        `json:"data"`
}

// Element is a visible canvas element produced by a STROKE or TEXT operation,
// keyed by the seq of the operation that created it.
type Element struct {
	Seq    int64                  `json:"seq"`
	UserID int64                  `json:"user_id"`
	Kind   model.WhiteboardOpKind `json:"kind"`
	Data   json.RawMessage        `json:"data"`
}

// eraseTarget is the payload of an ERASE operation.
type eraseTarget struct {
	TargetSeq int64 `json:"target_seq"`
}

// Fold replays operations in seq order and returns the visible elements.
// CLEAR drops everything before it; ERASE removes the element it targets.
// Folding is idempotent: replaying a prefix already applied yields the same
// canvas, so consumers may safely re-fold after a reconnect.
func Fold(ops []Op) []Element {
	sorted := make([]Op, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	elements := make(map[int64]Element)
	for _, op := range sorted {
		switch op.Kind {
		case model.OpStroke, model.OpText:
			elements[op.Seq] = Element{Seq: op.Seq, UserID: op.UserID, Kind: op.Kind, Data: op.Data}
		case model.OpErase:
			var t eraseTarget
			if err := json.Unmarshal(op.Data, &t); err == nil {
				delete(elements, t.TargetSeq)
			}
		case model.OpClear:
			elements = make(map[int64]Element)
		}
	}

	out := make([]Element, 0, len(elements))
	for _, el := range elements {
		out = append(out, el)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// LastClearSeq returns the seq of the latest CLEAR operation, or 0 when the
// log contains none.
func LastClearSeq(ops []Op) int64 {
	var last int64
	for _, op := range ops {
		if op.Kind == model.OpClear && op.Seq > last {
			last = op.Seq
		}
	}
	return last
}

// ReplayFrom returns the replay lower bound for a consumer catching up with
// sinceSeq already applied. Everything at or before the latest CLEAR is
// superseded, so catch-up may skip it. This is an optimization only; folding
// the full log yields the same canvas.
func ReplayFrom(sinceSeq, lastClearSeq int64) int64 {
	// The CLEAR itself must still be replayed so the consumer wipes its canvas,
	// hence the bound is one below it.
	if lastClearSeq-1 > sinceSeq {
		return lastClearSeq - 1
	}
	return sinceSeq
}
