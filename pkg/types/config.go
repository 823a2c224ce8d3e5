package types

// Config is the merged opencode.json configuration. Unknown fields are
// preserved by the merge layer, which operates on raw JSON maps; this
// struct only names the fields the core validates and reads.
type Config struct {
	// Schema reference (for editor support)
	Schema string `json:"$schema,omitempty"`

	Username string `json:"username,omitempty"`

	Theme string `json:"theme,omitempty"`

	// Sharing behavior
	Share string `json:"share,omitempty" validate:"omitempty,oneof=manual auto disabled"`

	// Model selection, "provider/model" form
	Model      string  `json:"model,omitempty" validate:"omitempty,contains=/"`
	SmallModel *string `json:"small_model,omitempty"`

	// Keybinds maps a known action to a key string.
	Keybinds map[string]string `json:"keybinds,omitempty"`

	// MCP server configs
	MCP map[string]MCPConfig `json:"mcp,omitempty" validate:"omitempty,dive"`

	// Experimental feature flags, open-ended
	Experimental map[string]bool `json:"experimental,omitempty"`

	// Agent configs
	Agent map[string]AgentConfig `json:"agent,omitempty" validate:"omitempty,dive"`
}

// MCPConfig holds MCP server configuration.
type MCPConfig struct {
	Type        string            `json:"type,omitempty" validate:"omitempty,oneof=local remote"`
	Command     []string          `json:"command,omitempty"`
	URL         string            `json:"url,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Enabled     *bool             `json:"enabled,omitempty"`
	Timeout     int               `json:"timeout,omitempty"`
}

// AgentConfig holds per-agent overrides.
type AgentConfig struct {
	Model      string `json:"model,omitempty"`
	Permission string `json:"permission,omitempty" validate:"omitempty,oneof=allow deny ask"`
}
