// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Scan environment for _SSM_PARAM suffix variables.
//  4. If APP_ENV != "local", resolve SSM parameters via the SecretProvider
//     and inject the resolved values back into the environment.
//  5. Use envconfig to process struct tags and populate the Config struct.
//  6. Overlay the YAML configuration file, if one is found.
//  7. Fold the flat legacy entity variables into the entity refs.
//  8. Populate BuildInfo from linker-injected variables.
//  9. Validate the struct using go-playground/validator, then the
//     cross-field detection and backend rules.
package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"loadiq/internal/frame"
	"loadiq/internal/types"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
// It wraps a ConfigErrorType and an underlying error message.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// ssmParamSuffix is the environment variable suffix used to identify SSM
// parameter pointer variables. For example, LOADIQ_INFLUX_TOKEN_SSM_PARAM
// points to the SSM path for the LOADIQ_INFLUX_TOKEN secret.
const ssmParamSuffix = "_SSM_PARAM"

// localEnv is the APP_ENV value that bypasses SSM resolution.
const localEnv = "local"

// configFileEnv names an explicit configuration file.
const configFileEnv = "LOADIQ_CONFIG"

// defaultConfigCandidates are searched in order when no file is named.
// Paths starting with "~/" are resolved against the home directory.
var defaultConfigCandidates = []string{
	"config/local.yaml",
	"config/example.yaml",
	"~/.config/loadiq/config.yaml",
	"~/.loadiq/config.yaml",
}

// envLookup is a function type for looking up environment variables.
// It matches the signature of os.LookupEnv and allows injection for testing.
type envLookup func(key string) (string, bool)

// envSet is a function type for setting environment variables.
// It matches the signature of os.Setenv and allows injection for testing.
type envSet func(key, value string) error

// environ is a function type for listing all environment variables.
// It matches the signature of os.Environ and allows injection for testing.
type environ func() []string

// loaderDeps holds the injectable dependencies for the loader, enabling
// testing without mutating global state.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
	readFile  func(name string) ([]byte, error)
	homeDir   func() (string, error)
}

// defaultDeps returns the standard OS-backed dependencies.
func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
	}
}

// LoadOptions selects the secret provider and an explicit configuration file.
type LoadOptions struct {
	// Provider resolves _SSM_PARAM variables. It may be nil when APP_ENV is
	// "local".
	Provider SecretProvider
	// File is an explicit YAML/JSON configuration path (the --config flag).
	// It takes precedence over LOADIQ_CONFIG and the default candidates.
	File string
}

// Load loads and validates configuration.
func Load(opts LoadOptions) (*Config, error) {
	return loadConfigWithDeps(opts, defaultDeps())
}

// loadConfigWithDeps is the internal implementation of Load that accepts
// injectable dependencies for testing.
func loadConfigWithDeps(opts LoadOptions, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv.Load() silently succeeds if no .env file exists and does NOT
	// override existing environment variables.
	_ = godotenv.Load()

	appEnv, _ := deps.lookupEnv("APP_ENV")
	if appEnv != localEnv && appEnv != "" {
		if err := resolveSSMParams(opts.Provider, deps); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	path, err := findConfigFile(opts.File, deps)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := overlayFile(&cfg, path, deps); err != nil {
			return nil, err
		}
		cfg.Source = path
	}

	applyLegacyEntities(&cfg)
	cfg.Build = NewBuildInfo()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct-tag validation followed by the cross-field rules.
func Validate(cfg *Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if err := cfg.Detection.ValidateLive(); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "detection configuration is degenerate",
			Err:     err,
		}
	}

	if _, err := cfg.Entities.Step(); err != nil {
		return &ConfigError{
			Type:    ErrValidation,
			Message: "invalid aggregate frequency",
			Err:     err,
		}
	}

	var missing []string
	switch cfg.Backend {
	case BackendInfluxDB:
		if cfg.Influx.URL == "" {
			missing = append(missing, "LOADIQ_INFLUX_URL")
		}
		if cfg.Influx.Token.IsZero() {
			missing = append(missing, "LOADIQ_INFLUX_TOKEN")
		}
		if cfg.Influx.Org == "" {
			missing = append(missing, "LOADIQ_INFLUX_ORG")
		}
		if cfg.Influx.Bucket == "" {
			missing = append(missing, "LOADIQ_INFLUX_BUCKET")
		}
	case BackendHomeAssistant:
		if cfg.HomeAssistant.URL == "" {
			missing = append(missing, "LOADIQ_HA_URL")
		}
		if cfg.HomeAssistant.Token.IsZero() {
			missing = append(missing, "LOADIQ_HA_TOKEN")
		}
	case BackendCSV:
		if cfg.CSV.Path == "" {
			missing = append(missing, "LOADIQ_CSV_PATH")
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("backend %q requires: %s", cfg.Backend, strings.Join(missing, ", ")),
		}
	}
	return nil
}

// findConfigFile returns the file to overlay: the explicit path, then
// LOADIQ_CONFIG, then the first default candidate that exists. An explicitly
// named file that cannot be read is an error; a missing candidate is not.
func findConfigFile(explicit string, deps loaderDeps) (string, error) {
	if explicit == "" {
		explicit, _ = deps.lookupEnv(configFileEnv)
	}
	if explicit != "" {
		return expandHome(explicit, deps), nil
	}

	for _, candidate := range defaultConfigCandidates {
		path := expandHome(candidate, deps)
		if path == "" {
			continue
		}
		if _, err := deps.readFile(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

func expandHome(path string, deps loaderDeps) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := deps.homeDir()
	if err != nil || home == "" {
		return ""
	}
	return filepath.Join(home, path[2:])
}

// overlayFile decodes a YAML (or JSON) file over the environment-populated
// config. Keys absent from the file keep their environment value.
func overlayFile(cfg *Config, path string, deps loaderDeps) error {
	data, err := deps.readFile(path)
	if err != nil {
		msg := fmt.Sprintf("cannot read config file %s", path)
		if errors.Is(err, fs.ErrNotExist) {
			msg = fmt.Sprintf("config file %s does not exist", path)
		}
		return &ConfigError{Type: ErrFile, Message: msg, Err: err}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &ConfigError{
			Type:    ErrParsing,
			Message: fmt.Sprintf("failed to parse config file %s", path),
			Err:     err,
		}
	}
	return nil
}

// applyLegacyEntities maps LOADIQ_HOUSE_ENTITY, LOADIQ_OUTDOOR_ENTITY and
// LOADIQ_EV_ENTITY onto the structured entity refs when the file did not
// set them.
func applyLegacyEntities(cfg *Config) {
	e := &cfg.Entities
	if e.House.EntityID == "" && e.HouseID != "" {
		e.House.EntityID = e.HouseID
	}
	if e.Outdoor == nil && e.OutdoorID != "" {
		e.Outdoor = &types.EntityRef{EntityID: e.OutdoorID}
	}
	if e.EVEntityID != "" {
		for _, kl := range e.KnownLoads {
			if kl.Name == "ev" {
				return
			}
		}
		e.KnownLoads = append(e.KnownLoads, types.KnownLoad{
			Name:   "ev",
			Entity: types.EntityRef{EntityID: e.EVEntityID},
		})
	}
}

func parseStep(s string) (time.Duration, error) {
	return frame.ParseFrequency(s)
}

// ResolveSecrets performs the SSM secret resolution step in isolation, without
// loading or validating the full Config struct.
//
// If APP_ENV is "local" (or unset), this function is a no-op.
func ResolveSecrets(provider SecretProvider) error {
	appEnv, _ := os.LookupEnv("APP_ENV")
	if appEnv == localEnv || appEnv == "" {
		return nil
	}
	return resolveSSMParams(provider, defaultDeps())
}

// resolveSSMParams scans the environment for variables ending in _SSM_PARAM,
// fetches the corresponding secret values via the SecretProvider, and injects
// them back into the environment so that envconfig can process them.
//
// If the target variable is already set in the environment (via direct env var
// or .env file), the SSM resolution is skipped for that variable. This respects
// the priority chain: OS Environment > Dotenv > SSM.
func resolveSSMParams(provider SecretProvider, deps loaderDeps) error {
	type ssmBinding struct {
		targetEnvVar string // e.g., LOADIQ_INFLUX_TOKEN
		ssmPath      string // e.g., /prod/loadiq/influx/token
	}

	var bindings []ssmBinding
	ssmPathToTarget := make(map[string]string)

	for _, envEntry := range deps.environ() {
		eqIdx := strings.IndexByte(envEntry, '=')
		if eqIdx < 0 {
			continue
		}
		key := envEntry[:eqIdx]
		if !strings.HasSuffix(key, ssmParamSuffix) {
			continue
		}

		targetEnvVar := strings.TrimSuffix(key, ssmParamSuffix)
		if _, exists := deps.lookupEnv(targetEnvVar); exists {
			continue
		}

		ssmPath := envEntry[eqIdx+1:]
		if ssmPath == "" {
			continue
		}

		bindings = append(bindings, ssmBinding{targetEnvVar: targetEnvVar, ssmPath: ssmPath})
		ssmPathToTarget[ssmPath] = targetEnvVar
	}

	if len(bindings) == 0 {
		return nil
	}

	if provider == nil {
		targetVars := make([]string, 0, len(bindings))
		for _, b := range bindings {
			targetVars = append(targetVars, b.targetEnvVar)
		}
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SecretProvider is required for non-local environments (need to resolve: %s)", strings.Join(targetVars, ", ")),
		}
	}

	ssmPaths := make([]string, 0, len(bindings))
	for _, b := range bindings {
		ssmPaths = append(ssmPaths, b.ssmPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	resolved, err := provider.GetParametersBatch(ctx, ssmPaths)
	if err != nil {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("failed to resolve %d SSM parameters", len(ssmPaths)),
			Err:     err,
		}
	}

	for ssmPath, value := range resolved {
		targetEnvVar, ok := ssmPathToTarget[ssmPath]
		if !ok {
			continue
		}
		if err := deps.setEnv(targetEnvVar, value); err != nil {
			return &ConfigError{
				Type:    ErrSSMResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", targetEnvVar),
				Err:     err,
			}
		}
	}

	var missing []string
	for _, b := range bindings {
		if _, ok := resolved[b.ssmPath]; !ok {
			missing = append(missing, b.targetEnvVar)
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSSMResolution,
			Message: fmt.Sprintf("SSM parameters not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}
