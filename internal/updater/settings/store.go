package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/autopeer-io/updater/internal/updater/core"
	"github.com/autopeer-io/updater/internal/updater/core/model"
	"github.com/autopeer-io/updater/pkg/log"
)

// FileName is the configuration file kept under the data directory.
const FileName = "updater.yaml"

var _ core.ConfigStore = (*Store)(nil)

// Store persists the orchestrator configuration as YAML.
type Store struct {
	path     string
	validate *validator.Validate
	log      log.Logger

	mu   sync.Mutex
	last model.Configuration
}

// NewStore returns a store backed by path. The file need not exist.
func NewStore(path string) *Store {
	return &Store{
		path:     path,
		validate: newValidator(),
		log:      log.WithName("settings"),
	}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

func setDefaults(v *viper.Viper, d model.Configuration) {
	v.SetDefault("primaryEndpoint", d.PrimaryEndpoint)
	v.SetDefault("fallbackEndpoint", d.FallbackEndpoint)
	v.SetDefault("pollIntervalHours", d.PollIntervalHours)
	v.SetDefault("maintenanceWindow.start", d.MaintenanceWindow.Start)
	v.SetDefault("maintenanceWindow.end", d.MaintenanceWindow.End)
	v.SetDefault("maintenanceWindow.timezone", d.MaintenanceWindow.Timezone)
	v.SetDefault("autoInstall", d.AutoInstall)
	v.SetDefault("backupBeforeUpdate", d.BackupBeforeUpdate)
	v.SetDefault("rollbackAutomatic", d.RollbackAutomatic)
	v.SetDefault("stabilityGraceSeconds", d.StabilityGraceSeconds)
	v.SetDefault("verifyIntegrity", d.VerifyIntegrity)
	v.SetDefault("requireChecksum", d.RequireChecksum)
	v.SetDefault("silentMode", d.SilentMode)
	v.SetDefault("backupRetentionDays", d.BackupRetentionDays)
}

// Load reads the file over the built-in defaults. A missing file yields the
// defaults; a malformed or invalid one is an error.
func (s *Store) Load() (model.Configuration, error) {
	cfg, err := s.read()
	if err != nil {
		return model.Configuration{}, err
	}

	s.mu.Lock()
	s.last = cfg
	s.mu.Unlock()

	return cfg, nil
}

// read parses and validates the file without touching the remembered
// configuration.
func (s *Store) read() (model.Configuration, error) {
	v := viper.New()
	v.SetConfigFile(s.path)
	v.SetConfigType("yaml")
	setDefaults(v, model.DefaultConfiguration())

	if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return model.Configuration{}, fmt.Errorf("error reading config file %s: %w", s.path, err)
	}

	var cfg model.Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return model.Configuration{}, fmt.Errorf("error unmarshalling config file %s: %w", s.path, err)
	}

	if err := s.Validate(cfg); err != nil {
		return model.Configuration{}, err
	}
	return cfg, nil
}

// Save writes cfg atomically. It does not validate; callers validate first.
func (s *Store) Save(cfg model.Configuration) error {
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", s.path, err)
	}
	s.last = cfg

	s.log.Debug("Configuration persisted", "path", s.path)
	return nil
}

// Validate returns a *core.ConfigValidationError when cfg is malformed.
func (s *Store) Validate(cfg model.Configuration) error {
	return validateConfiguration(s.validate, cfg)
}

// current returns the configuration last loaded or saved.
func (s *Store) current() model.Configuration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
