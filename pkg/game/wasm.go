package game

import (
	"fmt"
	"math"

	"github.com/opd-ai/lockstep/pkg/guest"
)

// WasmGame implements Game over a guest module. Worlds and inputs are
// owned handles into the guest heap; serialization round-trips through the
// guest buffer protocol.
type WasmGame struct {
	mod *guest.Module
}

// NewWasmGame wraps an instantiated guest module.
func NewWasmGame(mod *guest.Module) *WasmGame {
	return &WasmGame{mod: mod}
}

type wasmWorld struct {
	mod    *guest.Module
	handle *guest.Owned
}

func (w *wasmWorld) Blob() ([]byte, error) {
	buffer, err := w.mod.SerializeWorld(w.handle)
	if err != nil {
		return nil, err
	}
	defer buffer.Release()
	return w.mod.ReadBuffer(buffer)
}

func (w *wasmWorld) Release() error {
	return w.handle.Release()
}

type wasmInput struct {
	mod    *guest.Module
	handle *guest.Owned
}

func (in *wasmInput) Blob() ([]byte, error) {
	buffer, err := in.mod.SerializeInput(in.handle)
	if err != nil {
		return nil, err
	}
	defer buffer.Release()
	return in.mod.ReadBuffer(buffer)
}

func (in *wasmInput) Release() error {
	return in.handle.Release()
}

func (g *WasmGame) world(handle *guest.Owned, err error) (World, error) {
	if err != nil {
		return nil, err
	}
	return &wasmWorld{mod: g.mod, handle: handle}, nil
}

func worldHandle(world World) (*guest.Owned, error) {
	w, ok := world.(*wasmWorld)
	if !ok {
		return nil, fmt.Errorf("world %T does not belong to this game", world)
	}
	return w.handle, nil
}

func inputHandle(input Input) (*guest.Owned, error) {
	in, ok := input.(*wasmInput)
	if !ok {
		return nil, fmt.Errorf("input %T does not belong to this game", input)
	}
	return in.handle, nil
}

// InitialWorld implements Game.
func (g *WasmGame) InitialWorld() (World, error) {
	return g.world(g.mod.InitialWorld())
}

// UpdateWorld implements Game.
func (g *WasmGame) UpdateWorld(world World) (World, error) {
	h, err := worldHandle(world)
	if err != nil {
		return nil, err
	}
	return g.world(g.mod.UpdateWorld(h))
}

// UpdatePlayer implements Game.
func (g *WasmGame) UpdatePlayer(world World, player PlayerID, input Input) (World, error) {
	wh, err := worldHandle(world)
	if err != nil {
		return nil, err
	}
	ih, err := inputHandle(input)
	if err != nil {
		return nil, err
	}
	return g.world(g.mod.UpdatePlayer(wh, uint32(player), ih))
}

// AddPlayer implements Game.
func (g *WasmGame) AddPlayer(world World, player PlayerID) (World, error) {
	h, err := worldHandle(world)
	if err != nil {
		return nil, err
	}
	return g.world(g.mod.AddPlayer(h, uint32(player)))
}

// RemovePlayer implements Game.
func (g *WasmGame) RemovePlayer(world World, player PlayerID) (World, error) {
	h, err := worldHandle(world)
	if err != nil {
		return nil, err
	}
	return g.world(g.mod.RemovePlayer(h, uint32(player)))
}

// DeserializeInput copies data into a guest buffer and asks the guest to
// parse it. The guest ABI has no failure channel, so every returned handle
// is a valid input from the host's point of view.
func (g *WasmGame) DeserializeInput(data []byte) (Input, error) {
	if len(data) > math.MaxInt32 {
		return nil, fmt.Errorf("input of %d bytes is too large for the guest", len(data))
	}
	buffer, err := g.mod.AllocateBuffer(uint32(len(data)))
	if err != nil {
		return nil, err
	}
	defer buffer.Release()

	ptr, err := g.mod.BufferPtr(buffer)
	if err != nil {
		return nil, err
	}
	if err := g.mod.WriteMemory(ptr, data); err != nil {
		return nil, err
	}

	handle, err := g.mod.DeserializeInput(buffer)
	if err != nil {
		return nil, err
	}
	return &wasmInput{mod: g.mod, handle: handle}, nil
}

// GeneratePlayerID implements Game.
func (g *WasmGame) GeneratePlayerID() (PlayerID, error) {
	id, err := g.mod.GeneratePlayerID()
	if err != nil {
		return 0, err
	}
	return PlayerID(id), nil
}
