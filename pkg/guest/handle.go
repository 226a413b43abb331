package guest

import "fmt"

// Owned wraps a guest handle whose allocation the host is responsible for
// releasing. Release is idempotent; a handle is never dropped without
// free_handle being called exactly once.
type Owned struct {
	mod      *Module
	raw      uint32
	released bool
}

// own takes ownership of a raw handle returned by the guest.
func (m *Module) own(raw uint32) *Owned {
	m.live++
	return &Owned{mod: m, raw: raw}
}

// Raw exposes the underlying 32-bit handle value.
func (o *Owned) Raw() uint32 {
	return o.raw
}

// arg converts the handle to a wasm call argument. Arguments are passed by
// reference: the callee does not free them.
func (o *Owned) arg() interface{} {
	return int32(o.raw)
}

// Release frees the handle in the guest heap. Safe to call more than once.
func (o *Owned) Release() error {
	if o.released {
		return nil
	}
	o.released = true
	o.mod.live--
	if _, err := o.mod.exports["free_handle"](int32(o.raw)); err != nil {
		return fmt.Errorf("free_handle trapped: %w", err)
	}
	return nil
}
