package llmclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/xkilldash9x/deskpilot/api/schemas"
	"github.com/xkilldash9x/deskpilot/internal/config"
)

// Locator finds and loads backends of one source kind.
type Locator interface {
	Kind() config.SourceKind
	// Locate returns the physical identity a source entry resolves to, or
	// an error wrapping ErrNoMatch when nothing matches.
	Locate(ctx context.Context, src config.BackendSource) (string, error)
	// Open loads the backend for an identity returned by Locate.
	Open(ctx context.Context, identity string, src config.BackendSource) (schemas.Backend, error)
}

// priority is the fixed order in which kinds are tried for an entry that
// does not name one.
var priority = []config.SourceKind{config.SourceDaemon, config.SourceWeightsFile, config.SourceCloudAPI}

// Resolution is a role bound to a loaded backend.
type Resolution struct {
	Role    string
	Backend schemas.Backend
	Source  config.BackendSource
	Params  schemas.GenerationParams
	// FallbackFrom is set when the role had no source of its own and is
	// served by the default role.
	FallbackFrom string
}

// Router resolves logical roles to shared backend instances. A resolved role
// is cached and never re-probed; instances are cached by physical identity so
// roles naming the same resource share one.
type Router struct {
	logger      *zap.Logger
	defaultRole string
	visionRole  string
	locators    map[config.SourceKind]Locator

	mu          sync.RWMutex
	descriptors map[string]config.RoleDescriptor
	byRole      map[string]*Resolution
	byIdentity  map[string]schemas.Backend

	group singleflight.Group
}

// NewRouter creates a router over the configured role descriptors.
func NewRouter(logger *zap.Logger, cfg config.RouterConfig, locators ...Locator) (*Router, error) {
	if cfg.DefaultRole == "" {
		return nil, fmt.Errorf("a default role must be configured")
	}
	r := &Router{
		logger:      logger.Named("router"),
		defaultRole: cfg.DefaultRole,
		visionRole:  cfg.VisionRole,
		locators:    make(map[config.SourceKind]Locator, len(locators)),
		descriptors: make(map[string]config.RoleDescriptor, len(cfg.Roles)),
		byRole:      make(map[string]*Resolution),
		byIdentity:  make(map[string]schemas.Backend),
	}
	for _, l := range locators {
		r.locators[l.Kind()] = l
	}
	for role := range cfg.Roles {
		d, _ := cfg.Descriptor(role)
		r.descriptors[role] = d
	}
	return r, nil
}

// DefaultRole is the conversational role other roles fall back to.
func (r *Router) DefaultRole() string { return r.defaultRole }

// VisionRole is the perception role, which never falls back.
func (r *Router) VisionRole() string { return r.visionRole }

// Resolve returns the backend for role, resolving and caching it on first use.
func (r *Router) Resolve(ctx context.Context, role string) (*Resolution, error) {
	if res, ok := r.cached(role); ok {
		return res, nil
	}
	v, err, _ := r.group.Do(role, func() (interface{}, error) {
		return r.resolve(ctx, role, true)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Resolution), nil
}

func (r *Router) cached(role string) (*Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byRole[role]
	return res, ok
}

func (r *Router) resolve(ctx context.Context, role string, allowFallback bool) (*Resolution, error) {
	if res, ok := r.cached(role); ok {
		return res, nil
	}

	r.mu.RLock()
	desc, known := r.descriptors[role]
	r.mu.RUnlock()

	if known {
		for _, src := range desc.Sources {
			res, err := r.trySource(ctx, role, src)
			if err == nil {
				r.store(role, res)
				r.logger.Info("Role resolved.", zap.String("role", role), zap.String("identity", res.Backend.Identity()))
				return res, nil
			}
			r.logger.Debug("Source rejected.", zap.String("role", role), zap.String("kind", string(src.Kind)), zap.String("match", src.Match), zap.Error(err))
		}
	}

	if role == r.visionRole {
		return nil, fmt.Errorf("%w: vision role %q has no loadable source", ErrBackendUnavailable, role)
	}
	if !allowFallback || role == r.defaultRole {
		return nil, fmt.Errorf("%w: role %q", ErrBackendUnavailable, role)
	}

	r.logger.Warn("Role unavailable; falling back to default role.", zap.String("role", role), zap.String("default", r.defaultRole))
	base, err := r.Resolve(ctx, r.defaultRole)
	if err != nil {
		return nil, fmt.Errorf("role %q and default role both unavailable: %w", role, err)
	}
	res := *base
	res.Role = role
	res.FallbackFrom = r.defaultRole
	r.store(role, &res)
	return &res, nil
}

// trySource attempts one descriptor entry, walking every kind in priority
// order when the entry does not name one.
func (r *Router) trySource(ctx context.Context, role string, src config.BackendSource) (*Resolution, error) {
	kinds := []config.SourceKind{src.Kind}
	if src.Kind == config.SourceAny {
		kinds = priority
	}
	var errs []error
	for _, kind := range kinds {
		loc, ok := r.locators[kind]
		if !ok {
			errs = append(errs, fmt.Errorf("no locator for source kind %q", kind))
			continue
		}
		identity, err := loc.Locate(ctx, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		backend, err := r.instance(ctx, loc, identity, src)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		picked := src
		picked.Kind = kind
		return &Resolution{
			Role:    role,
			Backend: backend,
			Source:  picked,
			Params: schemas.GenerationParams{
				Temperature:   src.Params.Temperature,
				ContextLength: src.Params.ContextLength,
				MaxTokens:     src.Params.MaxTokens,
			},
		}, nil
	}
	return nil, errors.Join(errs...)
}

// instance returns the shared backend for identity, opening it once.
func (r *Router) instance(ctx context.Context, loc Locator, identity string, src config.BackendSource) (schemas.Backend, error) {
	r.mu.RLock()
	b, ok := r.byIdentity[identity]
	r.mu.RUnlock()
	if ok {
		r.logger.Debug("Reusing loaded instance.", zap.String("identity", identity))
		return b, nil
	}

	v, err, _ := r.group.Do("instance:"+identity, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.byIdentity[identity]
		r.mu.RUnlock()
		if ok {
			return existing, nil
		}
		opened, err := loc.Open(ctx, identity, src)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.byIdentity[identity] = opened
		r.mu.Unlock()
		return opened, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(schemas.Backend), nil
}

func (r *Router) store(role string, res *Resolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byRole[role] = res
}

// Override replaces one role's descriptor and drops its cached resolution.
// Loaded instances stay cached by identity.
func (r *Router) Override(role string, sources []config.BackendSource) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.descriptors[role] = config.RoleDescriptor{Role: role, Sources: append([]config.BackendSource(nil), sources...)}
	delete(r.byRole, role)
	for name, res := range r.byRole {
		if res.FallbackFrom == role {
			delete(r.byRole, name)
		}
	}
	r.logger.Info("Role descriptor overridden.", zap.String("role", role), zap.Int("sources", len(sources)))
}

// Evict closes and forgets an instance along with every role bound to it.
func (r *Router) Evict(identity string) error {
	r.mu.Lock()
	b, ok := r.byIdentity[identity]
	delete(r.byIdentity, identity)
	for role, res := range r.byRole {
		if res.Backend.Identity() == identity {
			delete(r.byRole, role)
		}
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return b.Close()
}

// Bindings lists resolved roles and the identity serving each, sorted by role.
func (r *Router) Bindings() []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Binding, 0, len(r.byRole))
	for role, res := range r.byRole {
		out = append(out, Binding{Role: role, Identity: res.Backend.Identity(), FallbackFrom: res.FallbackFrom})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out
}

// Binding is one entry of the resolution cache.
type Binding struct {
	Role         string
	Identity     string
	FallbackFrom string
}

// Roles returns every configured role name, sorted.
func (r *Router) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.descriptors))
	for role := range r.descriptors {
		out = append(out, role)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes a prompt to a role and returns the model text. Failures
// come back as tagged strings, never as errors: a missing vision backend
// yields SystemErrorTag, any other failure RouterErrorTag, and an
// interrupted stream InterruptedTag followed by the partial text.
func (r *Router) Dispatch(ctx context.Context, req DispatchRequest) string {
	role := req.Role
	if role == "" {
		role = r.defaultRole
	}
	isVision := role == r.visionRole

	res, err := r.Resolve(ctx, role)
	if err != nil {
		if isVision {
			return fmt.Sprintf("%s vision model not available (%v). Install a vision-capable model for role %q.", SystemErrorTag, err, role)
		}
		return fmt.Sprintf("%s %v", RouterErrorTag, err)
	}
	if isVision && len(req.Images) > 0 && !res.Backend.SupportsImages() {
		return fmt.Sprintf("%s backend %s cannot see images; refusing to describe a frame it never received.", SystemErrorTag, res.Backend.Identity())
	}

	msgs := BuildMessages(res.Backend, DispatchRequest{
		Prompt:       req.Prompt,
		SystemPrompt: req.SystemPrompt,
		Context:      req.Context,
		Images:       req.Images,
	})
	params := res.Params
	params.Interrupt = req.Interrupt

	text, err := res.Backend.Generate(ctx, msgs, params)
	switch {
	case errors.Is(err, ErrInterrupted):
		r.logger.Info("Generation interrupted.", zap.String("role", role), zap.Int("partial_chars", len(text)))
		return InterruptedTag + " " + text
	case err != nil:
		r.logger.Warn("Backend generation failed.", zap.String("role", role), zap.String("identity", res.Backend.Identity()), zap.Error(err))
		return fmt.Sprintf("%s %v", RouterErrorTag, err)
	}
	return text
}

// Close releases every loaded instance.
func (r *Router) Close() error {
	r.mu.Lock()
	instances := r.byIdentity
	r.byIdentity = make(map[string]schemas.Backend)
	r.byRole = make(map[string]*Resolution)
	r.mu.Unlock()

	var errs []error
	for id, b := range instances {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
