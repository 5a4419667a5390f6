package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/secretd/internal/clock"
	"pkt.systems/secretd/internal/storage"
	"pkt.systems/secretd/internal/svcfields"
)

// DefaultSeedEnvironments are created with every new project.
var DefaultSeedEnvironments = []string{"dev", "prod"}

// Service dispatches procedure calls: guard, load, procedure body, guard
// again, unload. All dependencies are injected; the service holds no global
// state.
type Service struct {
	backend  storage.Backend
	registry *Registry
	loader   *Loader
	logger   pslog.Logger
	seedEnvs []string
}

// ServiceOption customizes a Service.
type ServiceOption func(*Service)

// WithSeedEnvironments overrides the environments seeded into new projects.
func WithSeedEnvironments(envs []string) ServiceOption {
	return func(s *Service) {
		s.seedEnvs = envs
	}
}

// NewService wires a procedure dispatcher over backend. A nil logger selects
// the noop logger, a nil clk the real clock.
func NewService(backend storage.Backend, policy CommitPolicy, clk clock.Clock, logger pslog.Logger, opts ...ServiceOption) *Service {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	registry := NewRegistry(backend)
	svc := &Service{
		backend:  backend,
		registry: registry,
		loader:   NewLoader(backend, registry, policy, clk, svcfields.WithSubsystem(logger, svcfields.Subsystem("core", "session"))),
		logger:   svcfields.WithSubsystem(logger, svcfields.Subsystem("core", "service")),
		seedEnvs: DefaultSeedEnvironments,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// Registry exposes the token registry, used by the HTTP adapter for bearer
// validation and by tests.
func (s *Service) Registry() *Registry {
	return s.registry
}

// Call runs one procedure for token. Business failures come back as a Result
// with Success false; an error means the call never produced a well-formed
// outcome (bad token, unknown procedure, arity mismatch, persistence fault).
func (s *Service) Call(ctx context.Context, token, name string, args []string) (Result, error) {
	begin := time.Now()
	proc, known := procedures[name]
	if !known {
		return Result{}, ErrUnknownProcedure(name)
	}
	if len(args) != proc.arity {
		return Result{}, ErrInvalidArgs(fmt.Sprintf("%s expects %d arguments, got %d", name, proc.arity, len(args)))
	}

	sess, err := s.loader.Load(ctx, token)
	if err != nil {
		return Result{}, err
	}

	res, err := proc.fn(ctx, s, sess, args)
	if err != nil {
		return Result{}, err
	}

	if err := guardTokenTransition(ctx, s.registry, sess.loadedToken, sess.Token); err != nil {
		return Result{}, err
	}
	filterResult(token, &res)

	if sess.Token != "" {
		if err := s.unload(ctx, sess); err != nil {
			return Result{}, err
		}
	}

	s.logger.Debug("procedure.complete",
		"procedure", name,
		"success", res.Success,
		"elapsed", time.Since(begin),
	)
	return res, nil
}

func (s *Service) unload(ctx context.Context, sess *Session) error {
	err := s.loader.Unload(ctx, sess)
	if err == nil {
		return nil
	}
	var f Failure
	if errors.As(err, &f) {
		return f
	}
	return fmt.Errorf("unload session: %w", err)
}
