package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/dispatchcore/core/internal/tools/policy"
	"github.com/dispatchcore/core/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ErrToolAlreadyRegistered is returned by Register when a tool with the
// same name is already present. The first registration always wins.
var ErrToolAlreadyRegistered = fmt.Errorf("tool already registered")

type registeredTool struct {
	tool       Tool
	descriptor models.ToolDescriptor
	schema     *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration and
// lookup. A name may only be registered once: the second call to
// Register for an already-present name is rejected rather than silently
// replacing the first registration.
type ToolRegistry struct {
	mu     sync.RWMutex
	tools  map[string]*registeredTool
	policy *policy.SecurityPolicy
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[string]*registeredTool),
	}
}

// SetPolicy installs the security policy that Execute consults before
// dispatching a call. A nil policy disables enforcement (the zero value,
// and the default for NewToolRegistry).
func (r *ToolRegistry) SetPolicy(p *policy.SecurityPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policy = p
}

// Register adds a tool to the registry with the given security metadata.
// The tool's schema is compiled once here so later dispatch can validate
// arguments without recompiling on every call. Returns
// ErrToolAlreadyRegistered if the name is already taken.
func (r *ToolRegistry) Register(tool Tool, permission models.PermissionLevel, requiresConfirmation bool) error {
	if tool == nil {
		return fmt.Errorf("cannot register nil tool")
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if len(name) > MaxToolNameLength {
		return fmt.Errorf("tool name exceeds maximum length of %d characters", MaxToolNameLength)
	}

	schema := tool.Schema()
	compiled, err := compileSchema(name, schema)
	if err != nil {
		return fmt.Errorf("compile schema for tool %q: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrToolAlreadyRegistered, name)
	}
	r.tools[name] = &registeredTool{
		tool:   tool,
		schema: compiled,
		descriptor: models.ToolDescriptor{
			Name:                 name,
			Description:          tool.Description(),
			InputSchema:          schema,
			PermissionLevel:      permission,
			RequiresConfirmation: requiresConfirmation,
		},
	}
	return nil
}

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	resource := "tool://" + name + "/schema.json"
	if err := compiler.AddResource(resource, bytes.NewReader(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile(resource)
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Descriptor returns the registered security/schema metadata for a tool.
func (r *ToolRegistry) Descriptor(name string) (models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return rt.descriptor, true
}

// ValidateArguments checks params against the tool's compiled JSON Schema.
// A tool registered with no schema accepts any arguments.
func (r *ToolRegistry) ValidateArguments(name string, params json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	if rt.schema == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(params, &v); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	if err := rt.schema.Validate(v); err != nil {
		return err
	}
	return nil
}

// Execute runs a tool by name with the given JSON parameters.
// Returns an error result if the tool is not found or parameters are invalid.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{
			Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength),
			IsError: true,
		}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{
			Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize),
			IsError: true,
		}, nil
	}

	r.mu.RLock()
	rt, ok := r.tools[name]
	sp := r.policy
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{
			Content: "tool not found: " + name,
			IsError: true,
		}, nil
	}

	if rt.schema != nil {
		var v any
		if err := json.Unmarshal(params, &v); err != nil {
			return &ToolResult{Content: fmt.Sprintf("arguments are not valid JSON: %v", err), IsError: true}, nil
		}
		if err := rt.schema.Validate(v); err != nil {
			return &ToolResult{Content: fmt.Sprintf("invalid arguments: %v", err), IsError: true}, nil
		}
	}

	if sp != nil {
		call := models.ToolCall{Name: name, Input: params}
		if err := sp.Check(ctx, call, rt.descriptor); err != nil {
			return &ToolResult{Content: err.Error(), IsError: true}, nil
		}
	}

	return rt.tool.Execute(ctx, params)
}

// AsLLMTools returns all registered tools as a slice for passing to LM providers.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, rt := range r.tools {
		tools = append(tools, rt.tool)
	}
	return tools
}

// Descriptors returns the security/schema metadata for every registered tool.
func (r *ToolRegistry) Descriptors() []models.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, rt.descriptor)
	}
	return out
}
