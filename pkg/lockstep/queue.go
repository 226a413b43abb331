package lockstep

import "github.com/opd-ai/lockstep/pkg/game"

type queuedInput struct {
	frame uint64
	input game.Input
}

// InputQueue holds one client's pending inputs in strictly increasing frame
// order. Frames must arrive without gaps: the next accepted frame starts at
// the client's join frame plus one and advances by exactly one per accepted
// input.
type InputQueue struct {
	nextFrame uint64
	entries   []queuedInput
}

// NewInputQueue returns a queue expecting nextFrame as its first input.
func NewInputQueue(nextFrame uint64) *InputQueue {
	return &InputQueue{nextFrame: nextFrame}
}

// NextFrame returns the frame the next accepted input must carry.
func (q *InputQueue) NextFrame() uint64 {
	return q.nextFrame
}

// Len returns the number of queued inputs.
func (q *InputQueue) Len() int {
	return len(q.entries)
}

// Add accepts an input iff frame matches the expected cursor.
func (q *InputQueue) Add(frame uint64, input game.Input) error {
	if frame != q.nextFrame {
		return ErrBadInput
	}
	q.entries = append(q.entries, queuedInput{frame: frame, input: input})
	q.nextFrame++
	return nil
}

// TakeFor returns the input queued for the given frame, if present. Stale
// head entries with earlier frames are dropped and released; entries for
// later frames stay queued.
func (q *InputQueue) TakeFor(frame uint64) (game.Input, bool) {
	for len(q.entries) > 0 {
		head := q.entries[0]
		if head.frame > frame {
			return nil, false
		}
		q.entries = q.entries[1:]
		if head.frame == frame {
			return head.input, true
		}
		head.input.Release()
	}
	return nil, false
}

// Release frees every queued input. Used when the owning client terminates.
func (q *InputQueue) Release() error {
	var first error
	for _, e := range q.entries {
		if err := e.input.Release(); err != nil && first == nil {
			first = err
		}
	}
	q.entries = nil
	return first
}
