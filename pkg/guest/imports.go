package guest

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/wasmerio/wasmer-go/wasmer"
)

// hostImports builds the env namespace resolved for the guest: a log sink,
// an abort hook, and a drawing hook. The server never renders, so the
// drawing hook traps. The module's memory field is not populated until
// after instantiation; the log sink reads it through the closure.
func hostImports(store *wasmer.Store, m *Module) *wasmer.ImportObject {
	importObject := wasmer.NewImportObject()
	env := make(map[string]wasmer.IntoExtern)

	// log_str(ptr, len) reads UTF-8 from guest memory and logs it.
	env["log_str"] = wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			ptr := uint32(args[0].I32())
			size := uint32(args[1].I32())
			if m.memory == nil {
				return nil, fmt.Errorf("guest logged during instantiation")
			}
			data := m.memory.Data()
			end := uint64(ptr) + uint64(size)
			if end > uint64(len(data)) {
				return nil, fmt.Errorf("guest fault: log_str range %d..%d exceeds memory size %d", ptr, end, len(data))
			}
			logrus.WithFields(logrus.Fields{
				"system_name": "guest",
			}).Info(string(data[ptr:end]))
			return []wasmer.Value{}, nil
		},
	)

	env["abort"] = wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes()),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			return nil, fmt.Errorf("guest called abort")
		},
	)

	env["draw_rectangle"] = wasmer.NewFunction(
		store,
		wasmer.NewFunctionType(
			wasmer.NewValueTypes(wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32, wasmer.I32),
			wasmer.NewValueTypes(),
		),
		func(args []wasmer.Value) ([]wasmer.Value, error) {
			return nil, fmt.Errorf("guest called draw_rectangle on the server")
		},
	)

	importObject.Register("env", env)
	return importObject
}
