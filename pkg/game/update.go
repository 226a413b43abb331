package game

import "sort"

// FrameUpdate is the delta produced by one tick: players that joined,
// players that left, and the input each player submitted for the frame.
// Player sets iterate in ascending id order so every observer applies the
// update identically.
type FrameUpdate struct {
	newPlayers     []PlayerID
	removedPlayers []PlayerID
	inputs         map[PlayerID]Input
}

// NewFrameUpdate returns an empty update.
func NewFrameUpdate() *FrameUpdate {
	return &FrameUpdate{inputs: make(map[PlayerID]Input)}
}

// insertSorted inserts id into a sorted slice, ignoring duplicates.
func insertSorted(ids []PlayerID, id PlayerID) []PlayerID {
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		return ids
	}
	ids = append(ids, 0)
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// AddNewPlayer records a player joining on this frame.
func (u *FrameUpdate) AddNewPlayer(id PlayerID) {
	u.newPlayers = insertSorted(u.newPlayers, id)
}

// AddRemovedPlayer records a player leaving on this frame.
func (u *FrameUpdate) AddRemovedPlayer(id PlayerID) {
	u.removedPlayers = insertSorted(u.removedPlayers, id)
}

// SetInput records a player's input for this frame. The update takes
// ownership of the input; it is released by ReleaseInputs.
func (u *FrameUpdate) SetInput(id PlayerID, input Input) {
	u.inputs[id] = input
}

// NewPlayers returns the joining players in ascending id order.
func (u *FrameUpdate) NewPlayers() []PlayerID {
	return u.newPlayers
}

// RemovedPlayers returns the leaving players in ascending id order.
func (u *FrameUpdate) RemovedPlayers() []PlayerID {
	return u.removedPlayers
}

// InputPlayers returns the players with inputs, in ascending id order.
func (u *FrameUpdate) InputPlayers() []PlayerID {
	ids := make([]PlayerID, 0, len(u.inputs))
	for id := range u.inputs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Input returns the input recorded for a player, or nil.
func (u *FrameUpdate) Input(id PlayerID) Input {
	return u.inputs[id]
}

// Empty reports whether the update carries no changes.
func (u *FrameUpdate) Empty() bool {
	return len(u.newPlayers) == 0 && len(u.removedPlayers) == 0 && len(u.inputs) == 0
}

// ReleaseInputs frees every input held by the update. Call after the update
// has been applied and serialized for broadcast.
func (u *FrameUpdate) ReleaseInputs() error {
	var first error
	for _, input := range u.inputs {
		if err := input.Release(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Apply folds an update into a world in the canonical order: removals in
// ascending id order, then exactly one world tick, then per-player inputs in
// ascending id order, then additions in ascending id order. The world tick
// runs after removals so it never observes a departed player, and before
// additions so a new player first exists in the frame it was announced for.
//
// The caller keeps ownership of world; intermediate worlds are released
// here, and the returned world is owned by the caller.
func Apply(g Game, world World, u *FrameUpdate) (World, error) {
	current := world
	// step replaces current with next, releasing the intermediate.
	step := func(next World, err error) error {
		if err != nil {
			if current != world {
				current.Release()
			}
			return err
		}
		if current != world {
			if rerr := current.Release(); rerr != nil {
				return rerr
			}
		}
		current = next
		return nil
	}

	for _, id := range u.removedPlayers {
		if err := step(g.RemovePlayer(current, id)); err != nil {
			return nil, err
		}
	}
	if err := step(g.UpdateWorld(current)); err != nil {
		return nil, err
	}
	for _, id := range u.InputPlayers() {
		if err := step(g.UpdatePlayer(current, id, u.inputs[id])); err != nil {
			return nil, err
		}
	}
	for _, id := range u.newPlayers {
		if err := step(g.AddPlayer(current, id)); err != nil {
			return nil, err
		}
	}
	return current, nil
}
