package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"pkt.systems/secretd/internal/storage"
)

type procedureFunc func(ctx context.Context, svc *Service, s *Session, args []string) (Result, error)

type procedure struct {
	arity int
	fn    procedureFunc
}

// procedures is the dispatch table. Arity is enforced before dispatch so
// every body can index args without checking.
var procedures = map[string]procedure{
	"generateToken":       {1, procGenerateToken},
	"checkUserExists":     {1, procCheckUserExists},
	"createProject":       {1, procCreateProject},
	"deleteProject":       {1, procDeleteProject},
	"renameProject":       {2, procRenameProject},
	"listProjects":        {0, procListProjects},
	"createEnvironment":   {2, procCreateEnvironment},
	"deleteEnvironment":   {2, procDeleteEnvironment},
	"renameEnvironment":   {3, procRenameEnvironment},
	"listEnvironments":    {1, procListEnvironments},
	"addSecret":           {4, procAddSecret},
	"updateSecret":        {4, procUpdateSecret},
	"deleteSecret":        {3, procDeleteSecret},
	"fetchSecrets":        {2, procFetchSecrets},
	"inviteUserToProject": {2, procInviteUserToProject},
}

// Procedures returns the exported procedure names in sorted order.
func Procedures() []string {
	names := make([]string, 0, len(procedures))
	for name := range procedures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func procGenerateToken(ctx context.Context, svc *Service, s *Session, args []string) (Result, error) {
	userID := args[0]
	if !s.anonymous() {
		return Result{}, ErrTokenGuard("session already holds a token")
	}
	token, err := svc.registry.Issue(ctx, userID)
	if errors.Is(err, ErrUserHasToken) {
		return fail(fmt.Sprintf("user %q already has a token", userID)), nil
	}
	if err != nil {
		return Result{}, err
	}
	s.Token = token
	s.UserID = userID
	res := ok(fmt.Sprintf("token issued for user %q", userID))
	res.Token = token
	return res, nil
}

func procCheckUserExists(ctx context.Context, svc *Service, _ *Session, args []string) (Result, error) {
	userID := args[0]
	found := true
	if _, err := svc.registry.ResolveToken(ctx, userID); errors.Is(err, ErrUserNotFound) {
		found = false
	} else if err != nil {
		return Result{}, err
	}
	var res Result
	if found {
		res = ok(fmt.Sprintf("user %q exists", userID))
	} else {
		res = ok(fmt.Sprintf("user %q does not exist", userID))
	}
	res.Found = &found
	return res, nil
}

func procCreateProject(_ context.Context, svc *Service, s *Session, args []string) (Result, error) {
	name := args[0]
	s.createProject(name, svc.seedEnvs)
	return ok(fmt.Sprintf("project %q created", name)), nil
}

func procDeleteProject(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name := args[0]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	p.deleted = true
	return ok(fmt.Sprintf("project %q deleted", name)), nil
}

func procRenameProject(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	from, to := args[0], args[1]
	p := s.findProject(from)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", from)), nil
	}
	if s.findProject(to) != nil {
		return fail(fmt.Sprintf("project %q already exists", to)), nil
	}
	p.rename(to)
	return ok(fmt.Sprintf("project %q renamed to %q", from, to)), nil
}

func procListProjects(_ context.Context, _ *Service, s *Session, _ []string) (Result, error) {
	names := []string{}
	for _, p := range s.Projects {
		if !p.deleted {
			names = append(names, p.Name)
		}
	}
	res := ok(fmt.Sprintf("%d projects", len(names)))
	res.Projects = names
	return res, nil
}

func procCreateEnvironment(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name, env := args[0], args[1]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	if _, exists := p.Environments[env]; exists {
		return fail(fmt.Sprintf("environment %q already exists in project %q", env, name)), nil
	}
	p.createEnvironment(env)
	return ok(fmt.Sprintf("environment %q created in project %q", env, name)), nil
}

func procDeleteEnvironment(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name, env := args[0], args[1]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	if _, exists := p.Environments[env]; !exists {
		return fail(fmt.Sprintf("environment %q not found in project %q", env, name)), nil
	}
	p.deleteEnvironment(env)
	return ok(fmt.Sprintf("environment %q deleted from project %q", env, name)), nil
}

func procRenameEnvironment(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name, from, to := args[0], args[1], args[2]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	if _, exists := p.Environments[from]; !exists {
		return fail(fmt.Sprintf("environment %q not found in project %q", from, name)), nil
	}
	if _, exists := p.Environments[to]; exists {
		return fail(fmt.Sprintf("environment %q already exists in project %q", to, name)), nil
	}
	p.renameEnvironment(from, to)
	return ok(fmt.Sprintf("environment %q renamed to %q in project %q", from, to, name)), nil
}

func procListEnvironments(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name := args[0]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	envs := make([]string, 0, len(p.Environments))
	for env := range p.Environments {
		envs = append(envs, env)
	}
	sort.Strings(envs)
	res := ok(fmt.Sprintf("%d environments in project %q", len(envs), name))
	res.Environments = envs
	return res, nil
}

func procAddSecret(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name, env, key, value := args[0], args[1], args[2], args[3]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	secrets, exists := p.Environments[env]
	if !exists {
		return fail(fmt.Sprintf("environment %q not found in project %q", env, name)), nil
	}
	if _, exists := secrets[key]; exists {
		return fail(fmt.Sprintf("secret %q already exists in %s/%s", key, name, env)), nil
	}
	p.setSecret(env, key, value)
	return ok(fmt.Sprintf("secret %q added to %s/%s", key, name, env)), nil
}

func procUpdateSecret(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name, env, key, value := args[0], args[1], args[2], args[3]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	secrets, exists := p.Environments[env]
	if !exists {
		return fail(fmt.Sprintf("environment %q not found in project %q", env, name)), nil
	}
	if _, exists := secrets[key]; !exists {
		return fail(fmt.Sprintf("secret %q not found in %s/%s", key, name, env)), nil
	}
	p.setSecret(env, key, value)
	return ok(fmt.Sprintf("secret %q updated in %s/%s", key, name, env)), nil
}

func procDeleteSecret(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name, env, key := args[0], args[1], args[2]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	secrets, exists := p.Environments[env]
	if !exists {
		return fail(fmt.Sprintf("environment %q not found in project %q", env, name)), nil
	}
	if _, exists := secrets[key]; !exists {
		return fail(fmt.Sprintf("secret %q not found in %s/%s", key, name, env)), nil
	}
	p.deleteSecret(env, key)
	return ok(fmt.Sprintf("secret %q deleted from %s/%s", key, name, env)), nil
}

func procFetchSecrets(_ context.Context, _ *Service, s *Session, args []string) (Result, error) {
	name, env := args[0], args[1]
	p := s.findProject(name)
	if p == nil {
		res := fail(fmt.Sprintf("project %q not found", name))
		res.Secrets = map[string]string{}
		return res, nil
	}
	secrets, exists := p.Environments[env]
	if !exists {
		res := fail(fmt.Sprintf("environment %q not found in project %q", env, name))
		res.Secrets = map[string]string{}
		return res, nil
	}
	snapshot := make(map[string]string, len(secrets))
	for k, v := range secrets {
		snapshot[k] = v
	}
	res := ok(fmt.Sprintf("%d secrets in %s/%s", len(snapshot), name, env))
	res.Secrets = snapshot
	return res, nil
}

func procInviteUserToProject(ctx context.Context, svc *Service, s *Session, args []string) (Result, error) {
	userID, name := args[0], args[1]
	p := s.findProject(name)
	if p == nil {
		return fail(fmt.Sprintf("project %q not found", name)), nil
	}
	inviteeToken, err := svc.registry.ResolveToken(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return fail(fmt.Sprintf("user %q not found", userID)), nil
	}
	if err != nil {
		return Result{}, err
	}
	_, err = svc.backend.Get(ctx, jointKey(inviteeToken, p.UUID))
	if err == nil {
		return fail(fmt.Sprintf("user %q is already a member of project %q", userID, name)), nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}
	s.grant(inviteeToken, p.UUID)
	return ok(fmt.Sprintf("user %q invited to project %q", userID, name)), nil
}
