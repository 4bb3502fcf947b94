package scripting

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/cat-in-the-dark/MessageBus/internal/session"
)

// HookOnString is the global function called for string messages:
//
//	function on_string(msg, data) return data, reply end
//
// The first return value, when a number, replaces the session's Data. The
// second, when a string, is sent back to the peer.
const HookOnString = "on_string"

const vmAttachment = "scripting.vm"

// Manager holds compiled scripts and instantiates them per session.
//
// Compiled prototypes are shared read-only between sessions; each session's
// LState is only ever used from that session's invoker.
type Manager struct {
	protos []*lua.FunctionProto
	names  []string
	limit  int
	logger *zap.Logger
}

// NewManager compiles every *.lua file in dir in lexicographic order. An
// empty dir yields a Manager with no scripts.
//
// Precondition: logger must be non-nil; instLimit <= 0 uses DefaultInstructionLimit.
// Postcondition: Returns a Manager or an error naming the first script that fails to compile.
func NewManager(dir string, instLimit int, logger *zap.Logger) (*Manager, error) {
	if instLimit <= 0 {
		instLimit = DefaultInstructionLimit
	}
	m := &Manager{limit: instLimit, logger: logger}
	if dir == "" {
		return m, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading script dir %q: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".lua" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("scripting: reading %q: %w", path, err)
		}
		if err := m.add(filepath.Base(path), src); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewManagerFromSource compiles a single in-memory script.
//
// Postcondition: Returns a Manager or a compile error.
func NewManagerFromSource(name, src string, instLimit int, logger *zap.Logger) (*Manager, error) {
	m, err := NewManager("", instLimit, logger)
	if err != nil {
		return nil, err
	}
	if err := m.add(name, []byte(src)); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) add(name string, src []byte) error {
	chunk, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		return fmt.Errorf("scripting: parsing %q: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return fmt.Errorf("scripting: compiling %q: %w", name, err)
	}
	m.protos = append(m.protos, proto)
	m.names = append(m.names, name)
	return nil
}

// Scripts returns the names of the loaded scripts in load order.
func (m *Manager) Scripts() []string {
	return append([]string(nil), m.names...)
}

// HandleString is the handler for string messages. It runs on h's invoker.
//
// Postcondition: Lua errors are logged and never propagated; the session's
// Data is only changed when the hook returns a number.
func (m *Manager) HandleString(msg string, h *session.Holder) {
	L, err := m.state(h)
	if err != nil {
		m.logger.Warn("scripting: session VM unavailable",
			zap.String("session", h.ID()),
			zap.Error(err),
		)
		return
	}

	fn := L.GetGlobal(HookOnString)
	if fn == lua.LNil {
		m.logger.Debug("scripting: hook not defined",
			zap.String("session", h.ID()),
			zap.String("hook", HookOnString),
		)
		return
	}

	ctx := h.Context()
	release := limitInstructions(L, m.limit)
	err = L.CallByParam(lua.P{
		Fn:      fn,
		NRet:    2,
		Protect: true,
	}, lua.LString(msg), lua.LNumber(ctx.Data))
	release()
	if err != nil {
		m.logger.Warn("scripting: Lua runtime error",
			zap.String("session", h.ID()),
			zap.String("hook", HookOnString),
			zap.Error(err),
		)
		return
	}

	data, reply := L.Get(-2), L.Get(-1)
	L.Pop(2)

	if n, ok := data.(lua.LNumber); ok {
		ctx.Data = int64(n)
	}
	if s, ok := reply.(lua.LString); ok {
		if err := h.Reply(string(s)); err != nil {
			m.logger.Warn("scripting: sending reply",
				zap.String("session", h.ID()),
				zap.Error(err),
			)
		}
	}
}

// state returns the session's VM, creating it on first use.
func (m *Manager) state(h *session.Holder) (*lua.LState, error) {
	ctx := h.Context()
	if v, ok := ctx.Attachment(vmAttachment); ok {
		return v.(*lua.LState), nil
	}

	L := NewSandboxedState()
	m.registerModules(L, h)
	for i, proto := range m.protos {
		release := limitInstructions(L, m.limit)
		L.Push(L.NewFunctionFromProto(proto))
		err := L.PCall(0, lua.MultRet, nil)
		release()
		if err != nil {
			L.Close()
			return nil, fmt.Errorf("scripting: loading %q: %w", m.names[i], err)
		}
		L.SetTop(0)
	}

	ctx.Attach(vmAttachment, L)
	ctx.OnRelease(L.Close)
	m.logger.Debug("scripting: session VM created",
		zap.String("session", h.ID()),
		zap.Int("scripts", len(m.protos)),
	)
	return L, nil
}
