package policy

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Store hands out the policy a request is evaluated under. Snapshot is
// called once per phase, must return quickly, and must never return a
// policy that failed validation.
type Store interface {
	Snapshot(ctx context.Context) (*Policy, error)
}

// document is the YAML shape shared by file and redis stores.
type document struct {
	Version string    `yaml:"version"`
	Rules   []ruleDoc `yaml:"rules"`
}

// ruleDoc wraps Rule so an absent `enabled` key means enabled. A plain bool
// field would read an omitted key as false and silently disable the rule.
type ruleDoc struct {
	Rule    `yaml:",inline"`
	Enabled *bool `yaml:"enabled"`
}

// Parse builds a Policy from a YAML document. Actions are case-insensitive
// in documents; rules omitting `enabled` are enabled. The source (file path
// or redis key) names the document in errors.
func Parse(source string, data []byte) (*Policy, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &ConfigError{Source: source, Err: err}
	}
	rules := make([]Rule, 0, len(doc.Rules))
	for _, rd := range doc.Rules {
		r := rd.Rule
		r.Action = Action(strings.ToUpper(string(r.Action)))
		r.Enabled = rd.Enabled == nil || *rd.Enabled
		rules = append(rules, r)
	}
	version := doc.Version
	if version == "" {
		version = source
	}
	pol, err := New(version, rules)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			return nil, &ConfigError{Source: source, Err: ce.Err}
		}
		return nil, &ConfigError{Source: source, Err: err}
	}
	return pol, nil
}

// StaticStore serves one fixed policy. Used for the builtin default and in
// tests.
type StaticStore struct {
	pol *Policy
}

func NewStaticStore(pol *Policy) *StaticStore { return &StaticStore{pol: pol} }

func (s *StaticStore) Snapshot(context.Context) (*Policy, error) {
	if s.pol == nil {
		return nil, fmt.Errorf("policy: static store holds no policy")
	}
	return s.pol, nil
}

// FileStore loads a YAML policy from disk once and serves it until Reload
// swaps in a newer validated copy. A failed reload keeps the running policy.
type FileStore struct {
	path string

	mu  sync.RWMutex
	pol *Policy
}

// NewFileStore reads and validates the file immediately so a broken
// document fails at startup, not on the first request.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file and swaps the policy in atomically on success.
func (s *FileStore) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return &ConfigError{Source: s.path, Err: err}
	}
	pol, err := Parse(s.path, data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pol = pol
	s.mu.Unlock()
	return nil
}

func (s *FileStore) Snapshot(context.Context) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pol, nil
}

const defaultPolicyTTL = 30 * time.Second

// RedisStore reads a YAML policy document from one redis key, memoizing the
// parsed policy for a short TTL so per-request snapshots stay off the wire.
// Once a document has been served, fetch failures and malformed updates fall
// back to the last good copy with a warning; a redis outage cannot take
// decisions down with it. Only a cold start with no usable document fails.
type RedisStore struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu        sync.Mutex
	cached    *Policy
	fetchedAt time.Time
}

func NewRedisStore(client *redis.Client, key string, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultPolicyTTL
	}
	return &RedisStore{client: client, key: key, ttl: ttl}
}

func (s *RedisStore) Snapshot(ctx context.Context) (*Policy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && time.Since(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	data, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if s.cached != nil {
			log.Printf("[WARN] policy fetch %s failed, serving %s: %v", s.key, s.cached.Version(), err)
			s.fetchedAt = time.Now()
			return s.cached, nil
		}
		if errors.Is(err, redis.Nil) {
			return nil, &ConfigError{Source: s.key, Err: fmt.Errorf("document not found")}
		}
		return nil, fmt.Errorf("policy: fetch %s: %w", s.key, err)
	}

	pol, err := Parse(s.key, data)
	if err != nil {
		if s.cached != nil {
			log.Printf("[WARN] policy document %s invalid, serving %s: %v", s.key, s.cached.Version(), err)
			s.fetchedAt = time.Now()
			return s.cached, nil
		}
		return nil, err
	}
	s.cached = pol
	s.fetchedAt = time.Now()
	return pol, nil
}
