package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fablehost/fable/internal/protocol"
)

// scriptedPlugin is the canned behavior for one fake plugin executable.
type scriptedPlugin struct {
	name      string
	version   string
	tools     []protocol.ToolDecl
	initErr   *protocol.Error
	callCount atomic.Int64
	call      func(params protocol.CallToolParams) (json.RawMessage, *protocol.Error)
}

func (p *scriptedPlugin) handler(req *protocol.Request) []*protocol.Response {
	switch req.Method {
	case protocol.MethodInitialize:
		if p.initErr != nil {
			return []*protocol.Response{{JSONRPC: protocol.Version, Error: p.initErr, ID: req.ID}}
		}
		result, _ := json.Marshal(protocol.InitializeResult{
			Name:        p.name,
			Version:     p.version,
			Description: "scripted test plugin",
			Tools:       p.tools,
		})
		return []*protocol.Response{{JSONRPC: protocol.Version, Result: result, ID: req.ID}}
	case protocol.MethodCallTool:
		p.callCount.Add(1)
		var params protocol.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return []*protocol.Response{{JSONRPC: protocol.Version, Error: &protocol.Error{Code: protocol.CodeParseError, Message: err.Error()}, ID: req.ID}}
		}
		if p.call == nil {
			return []*protocol.Response{{JSONRPC: protocol.Version, Error: &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "no tools"}, ID: req.ID}}
		}
		result, rpcErr := p.call(params)
		if rpcErr != nil {
			return []*protocol.Response{{JSONRPC: protocol.Version, Error: rpcErr, ID: req.ID}}
		}
		return []*protocol.Response{{JSONRPC: protocol.Version, Result: result, ID: req.ID}}
	default:
		return []*protocol.Response{{JSONRPC: protocol.Version, Error: &protocol.Error{Code: protocol.CodeMethodNotFound, Message: "method not found: " + req.Method}, ID: req.ID}}
	}
}

// newTestRegistry routes spawn calls to scripted plugins keyed by path.
func newTestRegistry(t *testing.T, plugins map[string]*scriptedPlugin) *Registry {
	t.Helper()
	reg := NewRegistry("fable", "0.1.0", log.New(io.Discard, "", 0), nil)
	reg.spawn = func(path string, _ *log.Logger) (*Instance, error) {
		p, ok := plugins[path]
		if !ok {
			return nil, fmt.Errorf("no scripted plugin at %s", path)
		}
		return startScripted(t, p.handler), nil
	}
	return reg
}

func echoTool(name string) protocol.ToolDecl {
	return protocol.ToolDecl{
		Name:        name,
		Description: "echoes its arguments",
		Parameters:  json.RawMessage(`{"type":"object"}`),
	}
}

func TestLoadRegistersManifestAndTools(t *testing.T) {
	p := &scriptedPlugin{name: "alpha", version: "1.0.0", tools: []protocol.ToolDecl{echoTool("ping"), echoTool("pong")}}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/plugins/alpha": p})
	defer reg.Close()

	manifest, err := reg.Load(context.Background(), "/plugins/alpha")
	if err != nil {
		t.Fatal(err)
	}
	if manifest.Name != "alpha" || !manifest.Enabled {
		t.Fatalf("manifest = %+v", manifest)
	}
	tools := reg.Tools()
	if len(tools) != 2 {
		t.Fatalf("tools = %+v", tools)
	}
	if tools[0].Name != "ping" || tools[1].Name != "pong" {
		t.Fatalf("tool names = %s, %s", tools[0].Name, tools[1].Name)
	}
	reg.mu.RLock()
	owner := reg.tools["ping"]
	reg.mu.RUnlock()
	if owner != "alpha" {
		t.Fatalf("ping owned by %q", owner)
	}
}

func TestLoadHandshakeErrorRegistersNothing(t *testing.T) {
	p := &scriptedPlugin{name: "broken", initErr: &protocol.Error{Code: protocol.CodeInternalError, Message: "boom"}}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/plugins/broken": p})
	defer reg.Close()

	if _, err := reg.Load(context.Background(), "/plugins/broken"); err == nil {
		t.Fatal("expected handshake error")
	}
	if got := reg.Manifests(); len(got) != 0 {
		t.Fatalf("manifests = %+v", got)
	}
}

func TestToolCollisionLastRegistrationWins(t *testing.T) {
	first := &scriptedPlugin{name: "first", tools: []protocol.ToolDecl{echoTool("shared")}}
	second := &scriptedPlugin{name: "second", tools: []protocol.ToolDecl{echoTool("shared")}}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/first": first, "/p/second": second})
	defer reg.Close()

	if _, err := reg.Load(context.Background(), "/p/first"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Load(context.Background(), "/p/second"); err != nil {
		t.Fatal(err)
	}
	reg.mu.RLock()
	owner := reg.tools["shared"]
	reg.mu.RUnlock()
	if owner != "second" {
		t.Fatalf("shared owned by %q, want second", owner)
	}
}

func TestReloadSameNameReplacesInstance(t *testing.T) {
	p := &scriptedPlugin{name: "alpha", version: "1.0.0", tools: []protocol.ToolDecl{echoTool("ping")}}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/plugins/alpha": p})
	defer reg.Close()

	if _, err := reg.Load(context.Background(), "/plugins/alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Load(context.Background(), "/plugins/alpha"); err != nil {
		t.Fatal(err)
	}
	if got := reg.Manifests(); len(got) != 1 {
		t.Fatalf("manifests = %+v", got)
	}
}

func TestCallToolRoutesToOwner(t *testing.T) {
	p := &scriptedPlugin{
		name:  "echo",
		tools: []protocol.ToolDecl{echoTool("echo_args")},
		call: func(params protocol.CallToolParams) (json.RawMessage, *protocol.Error) {
			return params.Arguments, nil
		},
	}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/echo": p})
	defer reg.Close()

	if _, err := reg.Load(context.Background(), "/p/echo"); err != nil {
		t.Fatal(err)
	}
	result, err := reg.CallTool(context.Background(), "echo_args", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if string(result) != `{"x":1}` {
		t.Fatalf("result = %s", result)
	}
}

func TestCallToolUnknownName(t *testing.T) {
	reg := newTestRegistry(t, nil)
	defer reg.Close()
	_, err := reg.CallTool(context.Background(), "nope", nil)
	if !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
}

func TestCallToolDisabledPluginNeverReachesSubprocess(t *testing.T) {
	p := &scriptedPlugin{
		name:  "echo",
		tools: []protocol.ToolDecl{echoTool("echo_args")},
		call: func(params protocol.CallToolParams) (json.RawMessage, *protocol.Error) {
			return params.Arguments, nil
		},
	}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/echo": p})
	defer reg.Close()
	if _, err := reg.Load(context.Background(), "/p/echo"); err != nil {
		t.Fatal(err)
	}

	enabled, err := reg.Toggle("echo")
	if err != nil {
		t.Fatal(err)
	}
	if enabled {
		t.Fatal("toggle should disable")
	}
	if _, err := reg.CallTool(context.Background(), "echo_args", json.RawMessage(`{}`)); !errors.Is(err, ErrPluginDisabled) {
		t.Fatalf("err = %v, want ErrPluginDisabled", err)
	}
	if got := p.callCount.Load(); got != 0 {
		t.Fatalf("subprocess saw %d call(s), want 0", got)
	}

	// Toggling twice restores the original state.
	if enabled, err = reg.Toggle("echo"); err != nil || !enabled {
		t.Fatalf("toggle = %v, %v", enabled, err)
	}
	if _, err := reg.CallTool(context.Background(), "echo_args", json.RawMessage(`{}`)); err != nil {
		t.Fatal(err)
	}
}

// Exercises CallTool against concurrent Toggle flips; run with -race. The
// enabled flag lives on the shared entry, so CallTool must copy it out under
// the read lock instead of touching the entry afterwards.
func TestCallToolConcurrentWithToggle(t *testing.T) {
	p := &scriptedPlugin{
		name:  "echo",
		tools: []protocol.ToolDecl{echoTool("echo_args")},
		call: func(params protocol.CallToolParams) (json.RawMessage, *protocol.Error) {
			return params.Arguments, nil
		},
	}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/echo": p})
	defer reg.Close()
	if _, err := reg.Load(context.Background(), "/p/echo"); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if _, err := reg.Toggle("echo"); err != nil {
				t.Errorf("toggle: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_, err := reg.CallTool(context.Background(), "echo_args", json.RawMessage(`{}`))
			if err != nil && !errors.Is(err, ErrPluginDisabled) {
				t.Errorf("call: %v", err)
				return
			}
		}
	}()
	wg.Wait()
}

func TestToggleUnknownPlugin(t *testing.T) {
	reg := newTestRegistry(t, nil)
	defer reg.Close()
	if _, err := reg.Toggle("ghost"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestUnloadRemovesPluginAndTools(t *testing.T) {
	p := &scriptedPlugin{name: "alpha", tools: []protocol.ToolDecl{echoTool("ping")}}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/alpha": p})
	defer reg.Close()
	if _, err := reg.Load(context.Background(), "/p/alpha"); err != nil {
		t.Fatal(err)
	}

	if err := reg.Unload("alpha"); err != nil {
		t.Fatal(err)
	}
	if got := reg.Manifests(); len(got) != 0 {
		t.Fatalf("manifests = %+v", got)
	}
	if _, err := reg.CallTool(context.Background(), "ping", nil); !errors.Is(err, ErrToolNotFound) {
		t.Fatalf("err = %v, want ErrToolNotFound", err)
	}
	if err := reg.Unload("alpha"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("second unload err = %v, want ErrNotRegistered", err)
	}
}

func TestCallToolValidatesArgumentsAgainstSchema(t *testing.T) {
	p := &scriptedPlugin{
		name: "dice",
		tools: []protocol.ToolDecl{{
			Name:        "roll_dice",
			Description: "roll dice",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"notation":{"type":"string"}},"required":["notation"]}`),
		}},
		call: func(params protocol.CallToolParams) (json.RawMessage, *protocol.Error) {
			return json.RawMessage(`{"ok":true}`), nil
		},
	}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/dice": p})
	defer reg.Close()
	if _, err := reg.Load(context.Background(), "/p/dice"); err != nil {
		t.Fatal(err)
	}

	if _, err := reg.CallTool(context.Background(), "roll_dice", json.RawMessage(`{"notation":7}`)); err == nil {
		t.Fatal("expected schema validation error")
	}
	if got := p.callCount.Load(); got != 0 {
		t.Fatalf("subprocess saw %d call(s) for invalid args, want 0", got)
	}
	if _, err := reg.CallTool(context.Background(), "roll_dice", json.RawMessage(`{"notation":"2d6"}`)); err != nil {
		t.Fatal(err)
	}
}

func TestCallToolErrorResponse(t *testing.T) {
	p := &scriptedPlugin{
		name:  "flaky",
		tools: []protocol.ToolDecl{echoTool("blow_up")},
		call: func(params protocol.CallToolParams) (json.RawMessage, *protocol.Error) {
			return nil, &protocol.Error{Code: protocol.CodeInternalError, Message: "kaboom"}
		},
	}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/flaky": p})
	defer reg.Close()
	if _, err := reg.Load(context.Background(), "/p/flaky"); err != nil {
		t.Fatal(err)
	}
	_, err := reg.CallTool(context.Background(), "blow_up", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected tool execution error")
	}
	if !strings.Contains(err.Error(), "kaboom") {
		t.Fatalf("err = %v, want plugin error message", err)
	}
}

func TestSweepRemovesDeadPlugins(t *testing.T) {
	p := &scriptedPlugin{name: "mortal", tools: []protocol.ToolDecl{echoTool("ping")}}
	reg := newTestRegistry(t, map[string]*scriptedPlugin{"/p/mortal": p})
	defer reg.Close()
	if _, err := reg.Load(context.Background(), "/p/mortal"); err != nil {
		t.Fatal(err)
	}

	if dead := reg.Sweep(); len(dead) != 0 {
		t.Fatalf("sweep of healthy registry removed %v", dead)
	}

	// Kill the subprocess behind the registry's back.
	reg.mu.RLock()
	inst := reg.plugins["mortal"].instance
	reg.mu.RUnlock()
	_ = inst.kill()

	dead := reg.Sweep()
	if len(dead) != 1 || dead[0] != "mortal" {
		t.Fatalf("sweep = %v", dead)
	}
	if got := reg.Manifests(); len(got) != 0 {
		t.Fatalf("manifests = %+v", got)
	}
}
