// Package roles maps agent roles to modes and provider profiles. The
// catalogue is loaded from a YAML file and hot-reloaded on change; custom
// roles can be added at runtime.
package roles

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/tandem-ai/tandem/internal/core"
	"github.com/tandem-ai/tandem/internal/logging"
)

// catalogueFile is the on-disk shape of the role catalogue.
type catalogueFile struct {
	Roles    []core.RoleConfiguration `yaml:"roles"`
	Profiles []core.ProviderProfile   `yaml:"profiles"`
}

// Registry implements core.RoleRegistry.
type Registry struct {
	mu       sync.Mutex
	path     string
	roles    map[string]core.RoleConfiguration
	profiles map[string]core.ProviderProfile
	handlers map[int]func(core.RoleEvent)
	nextSub  int
	watcher  *fsnotify.Watcher
	doneCh   chan struct{}
	closed   bool
	logger   *logging.Logger
}

// builtinCatalogue is used when no file is configured or the file is
// missing entries.
func builtinCatalogue() catalogueFile {
	defaultProfile := core.ProviderProfile{ID: "default", Provider: "anthropic", Model: "claude-sonnet-4"}
	roles := make([]core.RoleConfiguration, 0, len(core.BuiltinRoles()))
	for _, id := range core.BuiltinRoles() {
		mode := "code"
		switch id {
		case core.RoleArchitect:
			mode = "architect"
		case core.RoleCodeSceptic:
			mode = "review"
		case core.RoleDocWriter:
			mode = "docs"
		case core.RoleDebugger:
			mode = "debug"
		}
		roles = append(roles, core.RoleConfiguration{
			RoleID:          id,
			DisplayName:     id,
			Mode:            mode,
			ProviderProfile: defaultProfile.ID,
		})
	}
	return catalogueFile{Roles: roles, Profiles: []core.ProviderProfile{defaultProfile}}
}

// NewRegistry creates a registry. path may be empty, in which case only
// the built-in catalogue is served.
func NewRegistry(path string, logger *logging.Logger) (*Registry, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Registry{
		path:     path,
		roles:    make(map[string]core.RoleConfiguration),
		profiles: make(map[string]core.ProviderProfile),
		handlers: make(map[int]func(core.RoleEvent)),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
	r.applyCatalogue(builtinCatalogue(), false)

	if path != "" {
		if err := r.loadFile(); err != nil {
			return nil, err
		}
		if err := r.watch(); err != nil {
			logger.Warn("role catalogue watch unavailable", "path", path, "error", err)
		}
	}
	return r, nil
}

func (r *Registry) loadFile() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.ErrInternal("reading role catalogue " + r.path).WithCause(err)
	}
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return core.ErrInternal("parsing role catalogue " + r.path).WithCause(err)
	}
	r.applyCatalogue(file, true)
	return nil
}

func (r *Registry) applyCatalogue(file catalogueFile, notify bool) {
	r.mu.Lock()
	for _, profile := range file.Profiles {
		r.profiles[profile.ID] = profile
	}
	var changed []string
	for _, role := range file.Roles {
		existing, ok := r.roles[role.RoleID]
		if !ok || existing != role {
			changed = append(changed, role.RoleID)
		}
		r.roles[role.RoleID] = role
	}
	r.mu.Unlock()

	if notify {
		for _, id := range changed {
			r.emit(core.RoleEvent{Type: "role_config_changed", RoleID: id})
		}
	}
}

func (r *Registry) watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.path); err != nil {
		watcher.Close()
		return err
	}
	r.watcher = watcher

	go func() {
		defer close(r.doneCh)
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := r.loadFile(); err != nil {
					r.logger.Warn("role catalogue reload failed", "error", err)
				} else {
					r.logger.Info("role catalogue reloaded", "path", r.path)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("role catalogue watcher error", "error", err)
			}
		}
	}()
	return nil
}

// Close stops the file watcher.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	watcher := r.watcher
	r.mu.Unlock()

	if watcher != nil {
		watcher.Close()
		<-r.doneCh
	}
}

// GetProviderProfileForRole resolves the provider profile for a role.
func (r *Registry) GetProviderProfileForRole(role string) (*core.ProviderProfile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.roles[role]
	if !ok {
		return nil, core.ErrNotFound("role", role)
	}
	profile, ok := r.profiles[cfg.ProviderProfile]
	if !ok {
		return nil, core.ErrNotFound("provider profile", cfg.ProviderProfile)
	}
	cp := profile
	return &cp, nil
}

// GetModeForRole resolves the mode for a role.
func (r *Registry) GetModeForRole(role string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.roles[role]
	if !ok {
		return "", core.ErrNotFound("role", role)
	}
	return cfg.Mode, nil
}

// GetRoleConfiguration returns the full configuration for a role.
func (r *Registry) GetRoleConfiguration(roleID string) (*core.RoleConfiguration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.roles[roleID]
	if !ok {
		return nil, core.ErrNotFound("role", roleID)
	}
	cp := cfg
	return &cp, nil
}

// ListRoles returns every known role.
func (r *Registry) ListRoles() []core.RoleConfiguration {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]core.RoleConfiguration, 0, len(r.roles))
	for _, cfg := range r.roles {
		out = append(out, cfg)
	}
	return out
}

// AddCustomRole registers a user-defined role.
func (r *Registry) AddCustomRole(cfg core.RoleConfiguration) error {
	if cfg.RoleID == "" {
		return core.ErrInvalidMessage("role_id", "is required")
	}
	r.mu.Lock()
	if _, exists := r.roles[cfg.RoleID]; exists {
		r.mu.Unlock()
		return core.ErrInternal(fmt.Sprintf("role %q already exists", cfg.RoleID))
	}
	cfg.Custom = true
	if cfg.ProviderProfile == "" {
		cfg.ProviderProfile = "default"
	}
	r.roles[cfg.RoleID] = cfg
	r.mu.Unlock()

	r.emit(core.RoleEvent{Type: "custom_role_added", RoleID: cfg.RoleID})
	return nil
}

// DeleteCustomRole removes a user-defined role. Built-in roles cannot be
// deleted.
func (r *Registry) DeleteCustomRole(roleID string) error {
	r.mu.Lock()
	cfg, ok := r.roles[roleID]
	if !ok {
		r.mu.Unlock()
		return core.ErrNotFound("role", roleID)
	}
	if !cfg.Custom {
		r.mu.Unlock()
		return core.ErrInvalidLifecycleOp("delete built-in role", roleID)
	}
	delete(r.roles, roleID)
	r.mu.Unlock()

	r.emit(core.RoleEvent{Type: "custom_role_deleted", RoleID: roleID})
	return nil
}

// Subscribe registers a catalogue change handler.
func (r *Registry) Subscribe(handler func(core.RoleEvent)) func() {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.handlers[id] = handler
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

func (r *Registry) emit(event core.RoleEvent) {
	r.mu.Lock()
	handlers := make([]func(core.RoleEvent), 0, len(r.handlers))
	for _, h := range r.handlers {
		handlers = append(handlers, h)
	}
	r.mu.Unlock()
	for _, h := range handlers {
		h(event)
	}
}
