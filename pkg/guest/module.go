// Package guest hosts the sandboxed game module. The module is a wasm
// artifact exporting the game operations over opaque 32-bit handles; this
// package owns instantiation, import resolution, handle lifetime, and byte
// transfer in and out of the guest linear memory.
package guest

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// requiredExports are the functions every game module must export, in
// addition to the linear memory export named "memory".
var requiredExports = []string{
	"initialize",
	"initial_world",
	"update_world",
	"update_player",
	"add_player",
	"remove_player",
	"generate_player_id",
	"allocate_buffer",
	"free_handle",
	"buffer_ptr",
	"buffer_size",
	"serialize_world",
	"serialize_input",
	"deserialize_input",
}

// allowedImports are the host functions resolved for the guest. Requesting
// any other import fails instantiation.
var allowedImports = map[string]bool{
	"log_str":        true,
	"abort":          true,
	"draw_rectangle": true,
}

// Module is an instantiated game module. All calls are serialized by the
// simulation thread; Module performs no locking of its own.
type Module struct {
	engine   *wasmer.Engine
	store    *wasmer.Store
	instance *wasmer.Instance
	memory   *wasmer.Memory
	exports  map[string]wasmer.NativeFunction

	// live counts handles currently owned by the host. The invariant the
	// server maintains is one current world plus transient handles that
	// are released before the call that produced them returns.
	live int
}

// NewModule validates, compiles, and instantiates a game module from its
// raw bytecode, then runs its initialize export.
func NewModule(code []byte) (*Module, error) {
	if err := ValidateNoFloats(code); err != nil {
		return nil, fmt.Errorf("module validation failed: %w", err)
	}

	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)

	compiled, err := wasmer.NewModule(store, code)
	if err != nil {
		return nil, fmt.Errorf("failed to compile module: %w", err)
	}

	for _, imp := range compiled.Imports() {
		if imp.Module() != "env" || !allowedImports[imp.Name()] {
			return nil, fmt.Errorf("module requests unknown import %s.%s", imp.Module(), imp.Name())
		}
	}

	m := &Module{
		engine:  engine,
		store:   store,
		exports: make(map[string]wasmer.NativeFunction, len(requiredExports)),
	}

	instance, err := wasmer.NewInstance(compiled, hostImports(store, m))
	if err != nil {
		return nil, fmt.Errorf("failed to instantiate module: %w", err)
	}
	m.instance = instance

	memory, err := instance.Exports.GetMemory("memory")
	if err != nil {
		return nil, fmt.Errorf("module does not export memory: %w", err)
	}
	m.memory = memory

	for _, name := range requiredExports {
		fn, err := instance.Exports.GetFunction(name)
		if err != nil {
			return nil, fmt.Errorf("module does not export %s: %w", name, err)
		}
		m.exports[name] = fn
	}

	if _, err := m.exports["initialize"](); err != nil {
		return nil, fmt.Errorf("initialize trapped: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"system_name": "guest",
		"code_bytes":  len(code),
	}).Info("game module instantiated")

	return m, nil
}

// call32 invokes an export returning a single 32-bit word.
func (m *Module) call32(name string, args ...interface{}) (uint32, error) {
	result, err := m.exports[name](args...)
	if err != nil {
		return 0, fmt.Errorf("%s trapped: %w", name, err)
	}
	value, ok := result.(int32)
	if !ok {
		return 0, fmt.Errorf("%s returned %v, expected i32", name, result)
	}
	return uint32(value), nil
}

// callOwned invokes an export whose returned handle the host takes
// ownership of.
func (m *Module) callOwned(name string, args ...interface{}) (*Owned, error) {
	raw, err := m.call32(name, args...)
	if err != nil {
		return nil, err
	}
	return m.own(raw), nil
}

// InitialWorld asks the guest for the world at frame zero.
func (m *Module) InitialWorld() (*Owned, error) {
	return m.callOwned("initial_world")
}

// UpdateWorld advances the world by one frame.
func (m *Module) UpdateWorld(world *Owned) (*Owned, error) {
	return m.callOwned("update_world", world.arg())
}

// UpdatePlayer applies one player's input to the world.
func (m *Module) UpdatePlayer(world *Owned, playerID uint32, input *Owned) (*Owned, error) {
	return m.callOwned("update_player", world.arg(), int32(playerID), input.arg())
}

// AddPlayer inserts a player into the world.
func (m *Module) AddPlayer(world *Owned, playerID uint32) (*Owned, error) {
	return m.callOwned("add_player", world.arg(), int32(playerID))
}

// RemovePlayer removes a player from the world.
func (m *Module) RemovePlayer(world *Owned, playerID uint32) (*Owned, error) {
	return m.callOwned("remove_player", world.arg(), int32(playerID))
}

// GeneratePlayerID asks the guest to allocate a fresh player id. The host
// never invents player ids itself.
func (m *Module) GeneratePlayerID() (uint32, error) {
	return m.call32("generate_player_id")
}

// AllocateBuffer creates a guest-side byte buffer of the given size.
func (m *Module) AllocateBuffer(size uint32) (*Owned, error) {
	return m.callOwned("allocate_buffer", int32(size))
}

// BufferPtr returns the linear-memory offset of a buffer's bytes.
func (m *Module) BufferPtr(buffer *Owned) (uint32, error) {
	return m.call32("buffer_ptr", buffer.arg())
}

// BufferSize returns the length of a buffer in bytes.
func (m *Module) BufferSize(buffer *Owned) (uint32, error) {
	return m.call32("buffer_size", buffer.arg())
}

// SerializeWorld produces a buffer holding the world's serialized form.
func (m *Module) SerializeWorld(world *Owned) (*Owned, error) {
	return m.callOwned("serialize_world", world.arg())
}

// SerializeInput produces a buffer holding an input's serialized form.
func (m *Module) SerializeInput(input *Owned) (*Owned, error) {
	return m.callOwned("serialize_input", input.arg())
}

// DeserializeInput parses an input from a buffer. The guest ABI cannot
// signal a parse failure, so every returned handle is treated as a valid
// input.
func (m *Module) DeserializeInput(buffer *Owned) (*Owned, error) {
	return m.callOwned("deserialize_input", buffer.arg())
}

// WriteMemory copies data into guest memory at ptr.
func (m *Module) WriteMemory(ptr uint32, data []byte) error {
	mem := m.memory.Data()
	end := uint64(ptr) + uint64(len(data))
	if end > uint64(len(mem)) {
		return fmt.Errorf("guest fault: write of %d bytes at %d exceeds memory size %d", len(data), ptr, len(mem))
	}
	copy(mem[ptr:end], data)
	return nil
}

// ReadMemory copies size bytes out of guest memory at ptr.
func (m *Module) ReadMemory(ptr, size uint32) ([]byte, error) {
	mem := m.memory.Data()
	end := uint64(ptr) + uint64(size)
	if end > uint64(len(mem)) {
		return nil, fmt.Errorf("guest fault: read of %d bytes at %d exceeds memory size %d", size, ptr, len(mem))
	}
	out := make([]byte, size)
	copy(out, mem[ptr:end])
	return out, nil
}

// ReadBuffer copies a buffer's bytes out of guest memory.
func (m *Module) ReadBuffer(buffer *Owned) ([]byte, error) {
	ptr, err := m.BufferPtr(buffer)
	if err != nil {
		return nil, err
	}
	size, err := m.BufferSize(buffer)
	if err != nil {
		return nil, err
	}
	return m.ReadMemory(ptr, size)
}

// LiveHandles reports how many guest handles the host currently owns.
func (m *Module) LiveHandles() int {
	return m.live
}
