package core

// Built-in role ids. User-defined roles extend the set through the
// RoleRegistry.
const (
	RoleArchitect      = "architect"
	RolePrimaryCoder   = "primary-coder"
	RoleSecondaryCoder = "secondary-coder"
	RoleCodeSceptic    = "code-sceptic"
	RoleDocWriter      = "documentation-writer"
	RoleDebugger       = "debugger"
)

// BuiltinRoles returns the closed set of built-in role ids.
func BuiltinRoles() []string {
	return []string{
		RoleArchitect,
		RolePrimaryCoder,
		RoleSecondaryCoder,
		RoleCodeSceptic,
		RoleDocWriter,
		RoleDebugger,
	}
}

// RoleConfiguration maps a role to its mode and provider profile.
type RoleConfiguration struct {
	RoleID          string `json:"role_id" yaml:"role_id"`
	DisplayName     string `json:"display_name" yaml:"display_name"`
	Mode            string `json:"mode" yaml:"mode"`
	ProviderProfile string `json:"provider_profile" yaml:"provider_profile"`
	Custom          bool   `json:"custom,omitempty" yaml:"custom,omitempty"`
}

// ProviderProfile holds the provider settings resolved for a role.
type ProviderProfile struct {
	ID       string `json:"id" yaml:"id"`
	Provider string `json:"provider" yaml:"provider"`
	Model    string `json:"model" yaml:"model"`
	APIKey   string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	BaseURL  string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}
