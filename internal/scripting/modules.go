package scripting

import (
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/cat-in-the-dark/MessageBus/internal/session"
)

// registerModules installs the bus.* table into a session's VM.
//
// Postcondition: bus.session_id() and bus.log(msg) are defined in L.
func (m *Manager) registerModules(L *lua.LState, h *session.Holder) {
	logger := m.logger.With(zap.String("session", h.ID()))

	bus := L.NewTable()
	L.SetField(bus, "session_id", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(h.ID()))
		return 1
	}))
	L.SetField(bus, "log", L.NewFunction(func(L *lua.LState) int {
		logger.Info("script", zap.String("msg", L.CheckString(1)))
		return 0
	}))
	L.SetGlobal("bus", bus)
}
