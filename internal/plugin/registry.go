// Package plugin hosts external tool executables as long-lived subprocesses
// and routes tool invocations to the plugin that owns each tool name.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	mrand "math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/xeipuuv/gojsonschema"

	"github.com/fablehost/fable/internal/chat"
	"github.com/fablehost/fable/internal/protocol"
	"github.com/fablehost/fable/internal/telemetry"
)

var (
	ErrToolNotFound   = errors.New("tool not found")
	ErrPluginDisabled = errors.New("plugin disabled")
	ErrNotRegistered  = errors.New("plugin not registered")
)

const handshakeTimeout = 15 * time.Second

type entry struct {
	instance *Instance
	manifest chat.PluginManifest
	// validators holds compiled argument schemas per tool name; a tool with
	// an uncompilable schema gets no entry and its arguments pass unchecked.
	validators map[string]*gojsonschema.Schema
}

// Registry owns the loaded plugin instances and the tool routing table. It is
// the only writer of both; callers get a handle, never package globals.
type Registry struct {
	hostName    string
	hostVersion string
	logger      *log.Logger
	metrics     *telemetry.Metrics

	// spawn is swapped by tests for an in-process scripted plugin.
	spawn func(path string, logger *log.Logger) (*Instance, error)

	mu      sync.RWMutex
	plugins map[string]*entry
	tools   map[string]string // tool name -> owning plugin name

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewRegistry(hostName, hostVersion string, logger *log.Logger, metrics *telemetry.Metrics) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = &telemetry.Metrics{}
	}
	return &Registry{
		hostName:    hostName,
		hostVersion: hostVersion,
		logger:      logger,
		metrics:     metrics,
		spawn:       startInstance,
		plugins:     map[string]*entry{},
		tools:       map[string]string{},
		entropy:     ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Discover loads every regular executable file directly inside dir. A missing
// directory means nothing to discover; a single bad plugin is logged and
// skipped, the rest still load.
func (r *Registry) Discover(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil || !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if _, err := r.Load(ctx, path); err != nil {
			r.logger.Printf("failed to load plugin %s: %v", path, err)
		}
	}
	return nil
}

// Load spawns the executable and performs the initialize handshake. On any
// handshake failure the spawned process is killed and nothing is registered.
// Re-loading a name that is already registered unloads the prior instance
// first instead of leaking its process.
func (r *Registry) Load(ctx context.Context, path string) (chat.PluginManifest, error) {
	inst, err := r.spawn(path, r.logger)
	if err != nil {
		r.metrics.PluginErrors.Add(1)
		return chat.PluginManifest{}, err
	}
	manifest, err := r.handshake(ctx, inst)
	if err != nil {
		r.metrics.PluginErrors.Add(1)
		_ = inst.kill()
		return chat.PluginManifest{}, fmt.Errorf("plugin %s: %w", path, err)
	}

	validators := compileValidators(manifest.Tools, r.logger)

	r.mu.Lock()
	if old, ok := r.plugins[manifest.Name]; ok {
		r.logger.Printf("plugin %s already registered, unloading previous instance", manifest.Name)
		r.removeLocked(manifest.Name)
		go func() { _ = old.instance.kill() }()
	}
	r.plugins[manifest.Name] = &entry{instance: inst, manifest: manifest, validators: validators}
	for _, tool := range manifest.Tools {
		if owner, ok := r.tools[tool.Name]; ok && owner != manifest.Name {
			r.logger.Printf("tool collision: %s already registered by %s, overwriting with %s", tool.Name, owner, manifest.Name)
		}
		r.tools[tool.Name] = manifest.Name
	}
	r.mu.Unlock()

	r.metrics.PluginLoads.Add(1)
	r.logger.Printf("loaded plugin %s (%s) with %d tool(s)", manifest.Name, manifest.Version, len(manifest.Tools))
	return manifest, nil
}

func (r *Registry) handshake(ctx context.Context, inst *Instance) (chat.PluginManifest, error) {
	req, err := protocol.NewRequest(protocol.NumberID(1), protocol.MethodInitialize, protocol.InitializeParams{
		Host:    r.hostName,
		Version: r.hostVersion,
	})
	if err != nil {
		return chat.PluginManifest{}, err
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	resp, err := inst.send(hctx, req)
	if err != nil {
		return chat.PluginManifest{}, fmt.Errorf("initialize: %w", err)
	}
	if resp.Error != nil {
		return chat.PluginManifest{}, fmt.Errorf("initialize failed: %s", resp.Error.Message)
	}
	if resp.Result == nil {
		return chat.PluginManifest{}, errors.New("initialize returned neither result nor error")
	}
	var result protocol.InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return chat.PluginManifest{}, fmt.Errorf("malformed initialize result: %w", err)
	}
	if strings.TrimSpace(result.Name) == "" {
		return chat.PluginManifest{}, errors.New("plugin declared an empty name")
	}
	manifest := chat.PluginManifest{
		Name:        strings.TrimSpace(result.Name),
		Version:     result.Version,
		Description: result.Description,
		Enabled:     true,
	}
	for _, tool := range result.Tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			continue
		}
		manifest.Tools = append(manifest.Tools, chat.Tool{
			Name:        name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	return manifest, nil
}

func compileValidators(tools []chat.Tool, logger *log.Logger) map[string]*gojsonschema.Schema {
	validators := make(map[string]*gojsonschema.Schema, len(tools))
	for _, tool := range tools {
		if len(tool.Parameters) == 0 {
			continue
		}
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(tool.Parameters))
		if err != nil {
			logger.Printf("tool %s: parameter schema does not compile, skipping validation: %v", tool.Name, err)
			continue
		}
		validators[tool.Name] = schema
	}
	return validators
}

// removeLocked purges one plugin and its routing-table entries. Caller holds
// the write lock.
func (r *Registry) removeLocked(name string) {
	delete(r.plugins, name)
	for tool, owner := range r.tools {
		if owner == name {
			delete(r.tools, tool)
		}
	}
}

// Unload removes the plugin and kills its subprocess.
func (r *Registry) Unload(name string) error {
	r.mu.Lock()
	ent, ok := r.plugins[name]
	if ok {
		r.removeLocked(name)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	r.metrics.PluginUnloads.Add(1)
	r.logger.Printf("unloaded plugin %s", name)
	return ent.instance.kill()
}

// Toggle flips the enabled flag and returns the new state.
func (r *Registry) Toggle(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.plugins[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	ent.manifest.Enabled = !ent.manifest.Enabled
	return ent.manifest.Enabled, nil
}

// CallTool routes the invocation to the owning plugin and returns the raw
// result value. Disabled plugins are rejected before any subprocess contact.
func (r *Registry) CallTool(ctx context.Context, toolName string, args json.RawMessage) (json.RawMessage, error) {
	// Everything needed from the entry is copied under the read lock: Toggle
	// mutates the enabled flag on the shared entry under the write lock.
	r.mu.RLock()
	owner, ok := r.tools[toolName]
	var (
		enabled bool
		schema  *gojsonschema.Schema
		inst    *Instance
	)
	if ent := r.plugins[owner]; ok && ent != nil {
		enabled = ent.manifest.Enabled
		schema = ent.validators[toolName]
		inst = ent.instance
	}
	r.mu.RUnlock()
	if !ok || inst == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, toolName)
	}
	if !enabled {
		return nil, fmt.Errorf("%w: %s", ErrPluginDisabled, owner)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if schema != nil {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
		if err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", toolName, err)
		}
		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, desc := range result.Errors() {
				details = append(details, desc.String())
			}
			return nil, fmt.Errorf("invalid arguments for %s: %s", toolName, strings.Join(details, "; "))
		}
	}

	req, err := protocol.NewRequest(r.nextRequestID(), protocol.MethodCallTool, protocol.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	r.metrics.ToolCalls.Add(1)
	resp, err := inst.send(ctx, req)
	if err != nil {
		r.metrics.ToolErrors.Add(1)
		return nil, fmt.Errorf("call %s via plugin %s: %w", toolName, owner, err)
	}
	if resp.Error != nil {
		r.metrics.ToolErrors.Add(1)
		return nil, fmt.Errorf("tool execution error: %s", resp.Error.Message)
	}
	if resp.Result == nil {
		r.metrics.ToolErrors.Add(1)
		return nil, fmt.Errorf("tool %s returned no result", toolName)
	}
	return resp.Result, nil
}

// Manifests returns a snapshot of all loaded plugins sorted by name.
func (r *Registry) Manifests() []chat.PluginManifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.PluginManifest, 0, len(r.plugins))
	for _, ent := range r.plugins {
		out = append(out, ent.manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tools returns the full tool catalog across loaded plugins, sorted by name.
// Disabled plugins keep advertising their tools; calls against them fail with
// a disabled error so the model gets told rather than silently losing tools.
func (r *Registry) Tools() []chat.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]chat.Tool, 0)
	for _, ent := range r.plugins {
		out = append(out, ent.manifest.Tools...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sweep unloads plugins whose subprocess has exited and returns their names.
func (r *Registry) Sweep() []string {
	r.mu.RLock()
	dead := make([]string, 0)
	for name, ent := range r.plugins {
		if ent.instance.exited() {
			dead = append(dead, name)
		}
	}
	r.mu.RUnlock()
	for _, name := range dead {
		r.logger.Printf("plugin %s process died, removing from registry", name)
		if err := r.Unload(name); err != nil && !errors.Is(err, ErrNotRegistered) {
			r.logger.Printf("sweep unload %s: %v", name, err)
		}
	}
	sort.Strings(dead)
	return dead
}

// Close unloads every plugin.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := make(map[string]*entry, len(r.plugins))
	for name, ent := range r.plugins {
		entries[name] = ent
	}
	r.plugins = map[string]*entry{}
	r.tools = map[string]string{}
	r.mu.Unlock()
	for name, ent := range entries {
		if err := ent.instance.kill(); err != nil {
			r.logger.Printf("plugin %s close error: %v", name, err)
		}
	}
	return nil
}

func (r *Registry) nextRequestID() protocol.RequestID {
	r.idMu.Lock()
	defer r.idMu.Unlock()
	return protocol.StringID(ulid.MustNew(ulid.Timestamp(time.Now()), r.entropy).String())
}
