package config

import (
	"context"
	"os"
	"strings"
)

// EnvVarProvider resolves _SSM_PARAM references from the process
// environment. It lets a monitor running outside AWS (a home server, a
// container without an instance role) keep the same LOADIQ_*_SSM_PARAM
// settings as a deployed one.
//
// A parameter is looked up under its own name first, then under its
// environment form: "/prod/loadiq/influx/token" becomes
// PROD_LOADIQ_INFLUX_TOKEN.
type EnvVarProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvVarProvider creates an EnvVarProvider over os.LookupEnv.
func NewEnvVarProvider() *EnvVarProvider {
	return &EnvVarProvider{lookup: os.LookupEnv}
}

// NewSecretProvider picks the provider for _SSM_PARAM resolution: SSM when
// an AWS region is configured, the environment otherwise.
func NewSecretProvider(region, endpoint string) SecretProvider {
	if region == "" {
		return NewEnvVarProvider()
	}
	return NewSSMProvider(region, endpoint)
}

// GetParametersBatch returns the keys it could resolve; missing keys are
// omitted, matching SSM's InvalidParameters behavior.
func (p *EnvVarProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	lookup := p.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if val, ok := lookup(key); ok {
			result[key] = val
			continue
		}
		if name := envName(key); name != "" && name != key {
			if val, ok := lookup(name); ok {
				result[key] = val
			}
		}
	}
	return result, nil
}

// envName converts a parameter path into an environment variable name.
func envName(path string) string {
	path = strings.Trim(path, "/")
	return strings.ToUpper(strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, path))
}
