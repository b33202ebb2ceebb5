package script

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/ClancyDennis/claude-commander/internal/worker"
)

// Pool is the slice of the supervisor a script drives. Satisfied by
// *worker.Supervisor.
type Pool interface {
	Spawn(workingDir string, opts worker.SpawnOptions) (string, error)
	SendInput(id, text string) error
	Stop(id string) error
	WaitTurn(ctx context.Context, id string) (worker.TurnOutcome, error)
}

// Runtime executes Lua workflow scripts in a sandboxed environment. Each
// run() call spawns a fresh worker in the runtime's directory, waits for its
// turn to finish, and stops it.
type Runtime struct {
	pool      Pool
	logger    *slog.Logger
	dir       string
	prompt    string
	callIndex int
	logs      []string

	ctx context.Context

	// stuckReason is set when stuck() is called
	stuckReason string
	isStuck     bool
}

// ErrStuck wraps the reason a script declared itself stuck.
type ErrStuck struct {
	Reason string
}

func (e *ErrStuck) Error() string {
	return "workflow stuck: " + e.Reason
}

func NewRuntime(pool Pool, logger *slog.Logger, dir string) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		pool:   pool,
		logger: logger,
		dir:    dir,
		logs:   make([]string, 0),
	}
}

// Execute runs the Lua workflow script with the given prompt. The script must
// define a global workflow(prompt) function.
func (r *Runtime) Execute(ctx context.Context, scriptPath, prompt string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	r.ctx = ctx
	r.prompt = prompt

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true, // Don't load any libraries by default
	})
	defer L.Close()

	r.openSafeLibs(L)
	r.registerAPI(L)

	if err := L.DoString(string(script)); err != nil {
		return fmt.Errorf("failed to load script: %w", err)
	}

	workflow := L.GetGlobal("workflow")
	if workflow == lua.LNil {
		return fmt.Errorf("script must define a 'workflow' function")
	}

	L.Push(workflow)
	L.Push(lua.LString(prompt))
	if err := L.PCall(1, 0, nil); err != nil {
		if r.isStuck {
			return &ErrStuck{Reason: r.stuckReason}
		}
		return fmt.Errorf("workflow execution failed: %w", err)
	}

	if r.isStuck {
		return &ErrStuck{Reason: r.stuckReason}
	}

	return nil
}

// openSafeLibs loads only the safe standard libraries
func (r *Runtime) openSafeLibs(L *lua.LState) {
	lua.OpenBase(L)

	// Remove dangerous base functions
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil) // Use log() instead

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	// Remove non-deterministic math functions
	math := L.GetGlobal("math")
	if tbl, ok := math.(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func (r *Runtime) registerAPI(L *lua.LState) {
	L.SetGlobal("run", L.NewFunction(r.luaRun))
	L.SetGlobal("stuck", L.NewFunction(r.luaStuck))
	L.SetGlobal("context", L.NewFunction(r.luaContext))
	L.SetGlobal("log", L.NewFunction(r.luaLog))
}

// luaRun implements the run(prompt, opts?) API. opts is an optional table
// with a 'model' field.
func (r *Runtime) luaRun(L *lua.LState) int {
	prompt := L.CheckString(1)

	var opts worker.SpawnOptions
	if L.GetTop() >= 2 {
		tbl := L.CheckTable(2)
		if model, ok := L.GetField(tbl, "model").(lua.LString); ok {
			opts.Model = string(model)
		}
	}

	r.callIndex++

	out, err := r.runWorker(prompt, opts)
	if err != nil {
		L.RaiseError("worker run failed: %v", err)
		return 0
	}

	tbl := L.NewTable()
	L.SetField(tbl, "text", lua.LString(out.Text))
	L.SetField(tbl, "failed", lua.LBool(out.Failed))
	L.SetField(tbl, "crashed", lua.LBool(out.Crashed))
	if out.Err != "" {
		L.SetField(tbl, "error", lua.LString(out.Err))
	}
	L.Push(tbl)
	return 1
}

func (r *Runtime) runWorker(prompt string, opts worker.SpawnOptions) (worker.TurnOutcome, error) {
	id, err := r.pool.Spawn(r.dir, opts)
	if err != nil {
		return worker.TurnOutcome{}, err
	}
	defer r.pool.Stop(id)

	r.logger.Info("script run", "call", r.callIndex, "worker", id)

	if err := r.pool.SendInput(id, prompt); err != nil {
		return worker.TurnOutcome{}, err
	}

	out, err := r.pool.WaitTurn(r.ctx, id)
	if err != nil {
		return worker.TurnOutcome{}, err
	}
	return out, nil
}

// luaStuck implements the stuck(reason?) API
func (r *Runtime) luaStuck(L *lua.LState) int {
	reason := L.OptString(1, "workflow stuck")
	r.stuckReason = reason
	r.isStuck = true
	// Raise an error to stop execution
	L.RaiseError("stuck: %s", reason)
	return 0
}

// luaContext implements the context() API
func (r *Runtime) luaContext(L *lua.LState) int {
	tbl := L.NewTable()
	L.SetField(tbl, "dir", lua.LString(r.dir))
	L.SetField(tbl, "iteration", lua.LNumber(r.callIndex))
	L.SetField(tbl, "prompt", lua.LString(r.prompt))
	L.Push(tbl)
	return 1
}

// luaLog implements the log(message) API
func (r *Runtime) luaLog(L *lua.LState) int {
	message := L.CheckString(1)
	r.logs = append(r.logs, message)
	r.logger.Info("script log", "call", r.callIndex, "message", message)
	return 0
}

// Logs returns the log lines collected during execution.
func (r *Runtime) Logs() []string {
	return r.logs
}

// IsScript checks whether a file is a Lua workflow script.
func IsScript(path string) bool {
	return filepath.Ext(path) == ".lua"
}
