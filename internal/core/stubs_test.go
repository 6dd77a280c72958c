package core

import (
	"context"
	"errors"
	"time"

	"github.com/target/merrymaker-core/internal/domain/model"
)

var errStubNotImplemented = errors.New("not implemented")

// stubSecretRepo resolves secrets from a fixed map for placeholder tests.
type stubSecretRepo struct {
	values map[string]*model.Secret
	err    error
}

func newStubSecretRepo(values map[string]*model.Secret, err error) *stubSecretRepo {
	return &stubSecretRepo{values: values, err: err}
}

func (s *stubSecretRepo) Create(context.Context, model.CreateSecretRequest) (*model.Secret, error) {
	return nil, errStubNotImplemented
}

func (s *stubSecretRepo) GetByID(context.Context, string) (*model.Secret, error) {
	return nil, errStubNotImplemented
}

func (s *stubSecretRepo) GetByName(_ context.Context, name string) (*model.Secret, error) {
	if s.err != nil {
		return nil, s.err
	}
	if secret, ok := s.values[name]; ok {
		return secret, nil
	}
	return nil, errors.New("secret not found")
}

func (s *stubSecretRepo) List(context.Context, int, int) ([]*model.Secret, error) {
	return nil, errStubNotImplemented
}

func (s *stubSecretRepo) Update(context.Context, string, model.UpdateSecretRequest) (*model.Secret, error) {
	return nil, errStubNotImplemented
}

func (s *stubSecretRepo) Delete(context.Context, string) (bool, error) {
	return false, errStubNotImplemented
}

func (s *stubSecretRepo) FindDueForRefresh(context.Context, int) ([]*model.Secret, error) {
	return nil, errStubNotImplemented
}

func (s *stubSecretRepo) UpdateRefreshStatus(context.Context, UpdateSecretRefreshStatusParams) error {
	return errStubNotImplemented
}

var _ SecretRepository = (*stubSecretRepo)(nil)

// stubCacheRepo is an in-memory CacheRepository recording Set/Delete calls.
type stubCacheRepo struct {
	entries map[string][]byte

	getErr    error
	setErr    error
	deleteErr error

	setCalls    []stubCacheSet
	deleteCalls []string
}

type stubCacheSet struct {
	key   string
	value []byte
	ttl   time.Duration
}

func newStubCacheRepo() *stubCacheRepo {
	return &stubCacheRepo{entries: map[string][]byte{}}
}

func (c *stubCacheRepo) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	c.setCalls = append(c.setCalls, stubCacheSet{key: key, value: value, ttl: ttl})
	c.entries[key] = value
	return nil
}

func (c *stubCacheRepo) Get(_ context.Context, key string) ([]byte, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.entries[key], nil
}

func (c *stubCacheRepo) Delete(_ context.Context, key string) (bool, error) {
	if c.deleteErr != nil {
		return false, c.deleteErr
	}
	c.deleteCalls = append(c.deleteCalls, key)
	_, ok := c.entries[key]
	delete(c.entries, key)
	return ok, nil
}

func (c *stubCacheRepo) Exists(_ context.Context, key string) (bool, error) {
	_, ok := c.entries[key]
	return ok, nil
}

func (c *stubCacheRepo) SetTTL(_ context.Context, key string, _ time.Duration) (bool, error) {
	_, ok := c.entries[key]
	return ok, nil
}

func (c *stubCacheRepo) SetIfNotExists(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	if _, ok := c.entries[key]; ok {
		return false, nil
	}
	c.entries[key] = value
	return true, nil
}

func (c *stubCacheRepo) Health(context.Context) error { return nil }

var _ CacheRepository = (*stubCacheRepo)(nil)

// stubSourceRepo serves sources from a fixed map keyed by ID.
type stubSourceRepo struct {
	sources map[string]*model.Source
	err     error

	getCalls []string
}

func newStubSourceRepo(sources map[string]*model.Source, err error) *stubSourceRepo {
	return &stubSourceRepo{sources: sources, err: err}
}

func (s *stubSourceRepo) Create(context.Context, *model.CreateSourceRequest) (*model.Source, error) {
	return nil, errStubNotImplemented
}

func (s *stubSourceRepo) GetByID(_ context.Context, id string) (*model.Source, error) {
	s.getCalls = append(s.getCalls, id)
	if s.err != nil {
		return nil, s.err
	}
	if source, ok := s.sources[id]; ok {
		return source, nil
	}
	return nil, errors.New("source not found")
}

func (s *stubSourceRepo) GetByName(context.Context, string) (*model.Source, error) {
	return nil, errStubNotImplemented
}

func (s *stubSourceRepo) List(context.Context, int, int) ([]*model.Source, error) {
	return nil, errStubNotImplemented
}

func (s *stubSourceRepo) Update(context.Context, string, model.UpdateSourceRequest) (*model.Source, error) {
	return nil, errStubNotImplemented
}

func (s *stubSourceRepo) Delete(context.Context, string) (bool, error) {
	return false, errStubNotImplemented
}

var _ SourceRepository = (*stubSourceRepo)(nil)
