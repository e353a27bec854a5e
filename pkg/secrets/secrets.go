// Package secrets exposes secret values to the execute step, filtered by an
// allow-list.
package secrets

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
)

type Store interface {
	Secrets(ctx context.Context) (map[string]string, error)
}

// EnvStore reads secrets from the process environment. When Prefix is set
// only variables carrying it are considered and the prefix is stripped.
type EnvStore struct {
	Prefix  string
	Environ func() []string
}

func (s EnvStore) Secrets(ctx context.Context) (map[string]string, error) {
	environ := s.Environ
	if environ == nil {
		environ = os.Environ
	}
	out := map[string]string{}
	for _, kv := range environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if s.Prefix != "" {
			if !strings.HasPrefix(key, s.Prefix) {
				continue
			}
			key = strings.TrimPrefix(key, s.Prefix)
		}
		if key != "" {
			out[key] = value
		}
	}
	return out, ctx.Err()
}

// DotenvStore reads KEY=value pairs from a dotenv file.
type DotenvStore struct {
	Path string
}

func (s DotenvStore) Secrets(ctx context.Context) (map[string]string, error) {
	values, err := godotenv.Read(s.Path)
	if err != nil {
		return nil, fmt.Errorf("read secrets file %s: %w", s.Path, err)
	}
	return values, ctx.Err()
}

type StaticStore map[string]string

func (s StaticStore) Secrets(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, ctx.Err()
}

var plainName = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// AllowList matches secret names. The zero value matches nothing.
type AllowList struct {
	patterns []*regexp.Regexp
}

// ParseAllowList accepts comma-separated items. Each item is an exact name or
// a regular expression anchored to the whole name, so "DEPLOY_.*" matches
// DEPLOY_KEY but not PRE_DEPLOY_KEY.
func ParseAllowList(items string) (AllowList, error) {
	var list AllowList
	for _, item := range strings.Split(items, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		expr := item
		if plainName.MatchString(item) {
			expr = regexp.QuoteMeta(item)
		}
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return AllowList{}, fmt.Errorf("secret allow-list item %q: %w", item, err)
		}
		list.patterns = append(list.patterns, re)
	}
	return list, nil
}

func (a AllowList) Empty() bool {
	return len(a.patterns) == 0
}

func (a AllowList) Allows(name string) bool {
	for _, re := range a.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// Filter returns the subset of values whose names the allow-list admits.
func (a AllowList) Filter(values map[string]string) map[string]string {
	out := map[string]string{}
	for k, v := range values {
		if a.Allows(k) {
			out[k] = v
		}
	}
	return out
}

// Resolve reads the store and filters it. With an empty allow-list the store
// is not consulted and no secrets are returned.
func Resolve(ctx context.Context, store Store, allow AllowList) (map[string]string, error) {
	if allow.Empty() || store == nil {
		return map[string]string{}, nil
	}
	values, err := store.Secrets(ctx)
	if err != nil {
		return nil, err
	}
	return allow.Filter(values), nil
}
