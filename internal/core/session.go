package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/secretd/internal/clock"
	"pkt.systems/secretd/internal/storage"
	"pkt.systems/secretd/internal/uuidv7"
)

type opKind int

const (
	opSetSecret opKind = iota
	opDeleteSecret
	opCreateEnv
	opDeleteEnv
	opRenameEnv
	opRenameProject
)

// op is a recorded delta. Deltas are replayed onto a freshly read project
// record at commit time so concurrent edits from collaborators survive.
type op struct {
	kind  opKind
	env   string
	key   string
	value string
	name  string
}

// Project is a materialized project inside a session. Procedures mutate the
// materialized state for their own reads and record the same change as a
// delta for the commit.
type Project struct {
	UUID         string
	Name         string
	Environments map[string]map[string]string

	loadedETag string
	created    bool
	deleted    bool
	ops        []op
}

func (p *Project) dirty() bool {
	return len(p.ops) > 0
}

func (p *Project) record(o op) {
	p.ops = append(p.ops, o)
}

func (p *Project) setSecret(env, key, value string) {
	if p.Environments[env] == nil {
		p.Environments[env] = map[string]string{}
	}
	p.Environments[env][key] = value
	p.record(op{kind: opSetSecret, env: env, key: key, value: value})
}

func (p *Project) deleteSecret(env, key string) {
	delete(p.Environments[env], key)
	p.record(op{kind: opDeleteSecret, env: env, key: key})
}

func (p *Project) createEnvironment(env string) {
	p.Environments[env] = map[string]string{}
	p.record(op{kind: opCreateEnv, env: env})
}

func (p *Project) deleteEnvironment(env string) {
	delete(p.Environments, env)
	p.record(op{kind: opDeleteEnv, env: env})
}

func (p *Project) renameEnvironment(from, to string) {
	p.Environments[to] = p.Environments[from]
	delete(p.Environments, from)
	p.record(op{kind: opRenameEnv, env: from, name: to})
}

func (p *Project) rename(name string) {
	p.Name = name
	p.record(op{kind: opRenameProject, name: name})
}

// replay applies the project's recorded deltas onto rec, the freshly read
// record. Replay is tolerant of concurrent structural changes: a secret write
// into an environment a collaborator removed recreates the environment.
func (p *Project) replay(rec *projectRecord) {
	if rec.Environments == nil {
		rec.Environments = map[string]map[string]string{}
	}
	for _, o := range p.ops {
		switch o.kind {
		case opSetSecret:
			if rec.Environments[o.env] == nil {
				rec.Environments[o.env] = map[string]string{}
			}
			rec.Environments[o.env][o.key] = o.value
		case opDeleteSecret:
			delete(rec.Environments[o.env], o.key)
		case opCreateEnv:
			if rec.Environments[o.env] == nil {
				rec.Environments[o.env] = map[string]string{}
			}
		case opDeleteEnv:
			delete(rec.Environments, o.env)
		case opRenameEnv:
			if src, ok := rec.Environments[o.env]; ok {
				rec.Environments[o.name] = src
				delete(rec.Environments, o.env)
			}
		case opRenameProject:
			rec.Name = o.name
		}
	}
}

type grant struct {
	token       string
	projectUUID string
}

// Session is the unit of work for one procedure call: the caller's token,
// the materialized projects the token can see, and pending membership grants.
type Session struct {
	Token    string
	UserID   string
	Projects []*Project

	loadedToken string
	grants      []grant
}

func (s *Session) anonymous() bool {
	return s.loadedToken == ""
}

func (s *Session) findProject(name string) *Project {
	for _, p := range s.Projects {
		if !p.deleted && p.Name == name {
			return p
		}
	}
	return nil
}

func (s *Session) createProject(name string, seedEnvs []string) *Project {
	p := &Project{
		UUID:         uuidv7.NewString(),
		Name:         name,
		Environments: map[string]map[string]string{},
		created:      true,
	}
	for _, env := range seedEnvs {
		p.Environments[env] = map[string]string{}
	}
	s.Projects = append(s.Projects, p)
	return p
}

func (s *Session) grant(token, projectUUID string) {
	s.grants = append(s.grants, grant{token: token, projectUUID: projectUUID})
}

// CommitPolicy bounds the optimistic-concurrency commit loop per project.
type CommitPolicy struct {
	Attempts   int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

const (
	defaultCommitAttempts   = 16
	defaultCommitBaseDelay  = 10 * time.Millisecond
	defaultCommitMultiplier = 2.0
	defaultCommitMaxDelay   = 500 * time.Millisecond
)

func (p CommitPolicy) normalized() CommitPolicy {
	if p.Attempts <= 0 {
		p.Attempts = defaultCommitAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultCommitBaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultCommitMultiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultCommitMaxDelay
	}
	return p
}

// Loader loads sessions from storage and commits them back.
type Loader struct {
	backend  storage.Backend
	registry *Registry
	clk      clock.Clock
	logger   pslog.Logger
	policy   CommitPolicy
}

// NewLoader wires a loader. A nil clk selects the real clock, a nil logger
// the noop logger.
func NewLoader(backend storage.Backend, registry *Registry, policy CommitPolicy, clk clock.Clock, logger pslog.Logger) *Loader {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Loader{
		backend:  backend,
		registry: registry,
		clk:      clk,
		logger:   logger,
		policy:   policy.normalized(),
	}
}

// Load materializes the session behind token. An empty token yields an
// anonymous session. An unknown token yields ErrInvalidToken.
func (l *Loader) Load(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return &Session{}, nil
	}
	userID, err := l.registry.ResolveUser(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidToken()
	}
	if err != nil {
		return nil, fmt.Errorf("resolve token: %w", err)
	}
	s := &Session{Token: token, UserID: userID, loadedToken: token}
	startAfter := ""
	for {
		page, err := l.backend.List(ctx, storage.ListOptions{Prefix: jointScanPrefix(token), StartAfter: startAfter})
		if err != nil {
			return nil, fmt.Errorf("list memberships: %w", err)
		}
		for _, obj := range page.Objects {
			_, uuid, ok := splitJointKey(obj.Key)
			if !ok {
				continue
			}
			res, err := l.backend.Get(ctx, projectKey(uuid))
			if errors.Is(err, storage.ErrNotFound) {
				// Stale membership marker; the project is gone.
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("load project %s: %w", uuid, err)
			}
			var rec projectRecord
			if err := json.Unmarshal(res.Value, &rec); err != nil {
				return nil, fmt.Errorf("decode project %s: %w", uuid, err)
			}
			s.Projects = append(s.Projects, &Project{
				UUID:         uuid,
				Name:         rec.Name,
				Environments: cloneEnvironments(rec.Environments),
				loadedETag:   res.Info.ETag,
			})
		}
		if !page.Truncated {
			break
		}
		startAfter = page.NextStartAfter
	}
	return s, nil
}

// Unload commits the session. Each project commits independently so a
// conflict on one never blocks another; the joined error reports every
// project that failed.
func (l *Loader) Unload(ctx context.Context, s *Session) error {
	if s == nil {
		return nil
	}
	var errs []error
	for _, p := range s.Projects {
		var err error
		switch {
		case p.created && p.deleted:
			// Created and removed within one call; nothing to persist.
		case p.created:
			err = l.commitCreated(ctx, s, p)
		case p.deleted:
			err = l.commitDeleted(ctx, p)
		case p.dirty():
			err = l.commitDirty(ctx, p)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("project %q: %w", p.Name, err))
			continue
		}
		if s.Token != "" && !p.deleted {
			if mErr := l.putJoint(ctx, s.Token, p.UUID); mErr != nil {
				errs = append(errs, fmt.Errorf("project %q membership: %w", p.Name, mErr))
			}
		}
	}
	for _, g := range s.grants {
		if err := l.putJoint(ctx, g.token, g.projectUUID); err != nil {
			errs = append(errs, fmt.Errorf("grant %s: %w", g.projectUUID, err))
		}
	}
	return errors.Join(errs...)
}

func (l *Loader) putJoint(ctx context.Context, token, projectUUID string) error {
	value, err := json.Marshal(jointRecord{})
	if err != nil {
		return err
	}
	_, err = l.backend.Put(ctx, jointKey(token, projectUUID), value, storage.PutOptions{})
	return err
}

func (l *Loader) commitCreated(ctx context.Context, s *Session, p *Project) error {
	rec := projectRecord{Name: p.Name, Environments: p.Environments}
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode project record: %w", err)
	}
	if _, err := l.backend.Put(ctx, projectKey(p.UUID), value, storage.PutOptions{IfNotExists: true}); err != nil {
		return fmt.Errorf("persist project record: %w", err)
	}
	return nil
}

func (l *Loader) commitDeleted(ctx context.Context, p *Project) error {
	etag := p.loadedETag
	delay := l.policy.BaseDelay
	for attempt := 1; ; attempt++ {
		err := l.backend.Delete(ctx, projectKey(p.UUID), storage.DeleteOptions{ExpectedETag: etag})
		if err == nil || errors.Is(err, storage.ErrNotFound) {
			break
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			return fmt.Errorf("delete project record: %w", err)
		}
		if attempt >= l.policy.Attempts {
			return ErrPersistenceExhausted(fmt.Sprintf("delete of project %s contended after %d attempts", p.UUID, attempt))
		}
		if err := l.wait(ctx, &delay); err != nil {
			return err
		}
		res, err := l.backend.Get(ctx, projectKey(p.UUID))
		if errors.Is(err, storage.ErrNotFound) {
			return l.sweepJoints(ctx, p.UUID)
		}
		if err != nil {
			return fmt.Errorf("refresh project record: %w", err)
		}
		etag = res.Info.ETag
	}
	return l.sweepJoints(ctx, p.UUID)
}

// sweepJoints removes every membership marker referencing projectUUID.
func (l *Loader) sweepJoints(ctx context.Context, projectUUID string) error {
	startAfter := ""
	for {
		page, err := l.backend.List(ctx, storage.ListOptions{Prefix: jointPrefix, StartAfter: startAfter})
		if err != nil {
			return fmt.Errorf("list memberships: %w", err)
		}
		for _, obj := range page.Objects {
			_, uuid, ok := splitJointKey(obj.Key)
			if !ok || uuid != projectUUID {
				continue
			}
			if err := l.backend.Delete(ctx, obj.Key, storage.DeleteOptions{IgnoreNotFound: true}); err != nil {
				return fmt.Errorf("delete membership %s: %w", obj.Key, err)
			}
		}
		if !page.Truncated {
			return nil
		}
		startAfter = page.NextStartAfter
	}
}

func (l *Loader) commitDirty(ctx context.Context, p *Project) error {
	etag := p.loadedETag
	base := projectRecord{Name: p.Name, Environments: p.Environments}
	delay := l.policy.BaseDelay
	for attempt := 1; ; attempt++ {
		rec := base
		if attempt > 1 {
			res, err := l.backend.Get(ctx, projectKey(p.UUID))
			if errors.Is(err, storage.ErrNotFound) {
				// A collaborator deleted the project; the deletion wins.
				return nil
			}
			if err != nil {
				return fmt.Errorf("refresh project record: %w", err)
			}
			if err := json.Unmarshal(res.Value, &rec); err != nil {
				return fmt.Errorf("decode project record: %w", err)
			}
			p.replay(&rec)
			etag = res.Info.ETag
		}
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode project record: %w", err)
		}
		_, err = l.backend.Put(ctx, projectKey(p.UUID), value, storage.PutOptions{ExpectedETag: etag})
		if err == nil {
			return nil
		}
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if !errors.Is(err, storage.ErrCASMismatch) {
			return fmt.Errorf("persist project record: %w", err)
		}
		if attempt >= l.policy.Attempts {
			l.logger.Warn("session.commit.exhausted", "project", p.UUID, "attempts", attempt)
			return ErrPersistenceExhausted(fmt.Sprintf("commit of project %s contended after %d attempts", p.UUID, attempt))
		}
		if err := l.wait(ctx, &delay); err != nil {
			return err
		}
	}
}

func (l *Loader) wait(ctx context.Context, delay *time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clk.After(*delay):
	}
	next := time.Duration(float64(*delay) * l.policy.Multiplier)
	if next > l.policy.MaxDelay {
		next = l.policy.MaxDelay
	}
	*delay = next
	return nil
}
