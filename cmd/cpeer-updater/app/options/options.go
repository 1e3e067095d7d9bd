package options

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/updater/internal/updater"
	"github.com/autopeer-io/updater/pkg/log"
	"github.com/autopeer-io/updater/pkg/options"
)

// UpdaterOptions groups every option of the daemon. Updater options are
// top-level keys in the config file; the other groups nest under their name.
type UpdaterOptions struct {
	Updater       *options.UpdaterOptions `json:"-" mapstructure:"-"`
	HttpOptions   *options.HttpOptions    `json:"http" mapstructure:"http"`
	GrpcOptions   *options.GrpcOptions    `json:"grpc" mapstructure:"grpc"`
	MqttOptions   *options.MqttOptions    `json:"mqtt" mapstructure:"mqtt"`
	S3Options     *options.S3Options      `json:"s3" mapstructure:"s3"`
	HealthOptions *options.HealthOptions  `json:"health" mapstructure:"health"`
	Log           *log.Options            `json:"log" mapstructure:"log"`

	ConfigFile   string `json:"-" mapstructure:"-"`
	CheckOnStart bool   `json:"check-on-start" mapstructure:"check-on-start"`
}

func NewUpdaterOptions() *UpdaterOptions {
	return &UpdaterOptions{
		Updater:       options.NewUpdaterOptions(),
		HttpOptions:   options.NewHttpOptions(),
		GrpcOptions:   options.NewGrpcOptions(),
		MqttOptions:   options.NewMqttOptions(),
		S3Options:     options.NewS3Options(),
		HealthOptions: options.NewHealthOptions(),
		Log:           log.NewOptions(),
		CheckOnStart:  true,
	}
}

func (o *UpdaterOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	fs := fss.FlagSet("updater")
	fs.StringVar(&o.ConfigFile, "config", o.ConfigFile, "Read options from this YAML file. Flags given on the command line win.")
	fs.BoolVar(&o.CheckOnStart, "check-on-start", o.CheckOnStart, "Check for updates as soon as the daemon starts.")
	o.Updater.AddFlags(fs)
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.GrpcOptions.AddFlags(fss.FlagSet("grpc"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.S3Options.AddFlags(fss.FlagSet("s3"))
	o.HealthOptions.AddFlags(fss.FlagSet("health"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

// Complete merges the config file, if any, under the parsed flags.
func (o *UpdaterOptions) Complete(fs *pflag.FlagSet) error {
	if o.ConfigFile == "" {
		return nil
	}

	v := viper.New()
	v.SetConfigFile(o.ConfigFile)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("error reading config file %s: %w", o.ConfigFile, err)
	}
	if err := v.BindPFlags(fs); err != nil {
		return err
	}

	if err := v.Unmarshal(o.Updater); err != nil {
		return fmt.Errorf("error unmarshalling config file %s: %w", o.ConfigFile, err)
	}
	if err := v.Unmarshal(o); err != nil {
		return fmt.Errorf("error unmarshalling config file %s: %w", o.ConfigFile, err)
	}
	return nil
}

func (o *UpdaterOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.Updater.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.GrpcOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.S3Options.Validate()...)
	errs = append(errs, o.HealthOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *UpdaterOptions) Config() (*updater.Config, error) {
	return &updater.Config{
		UpdaterOptions: o.Updater,
		HttpOptions:    o.HttpOptions,
		GrpcOptions:    o.GrpcOptions,
		MqttOptions:    o.MqttOptions,
		S3Options:      o.S3Options,
		HealthOptions:  o.HealthOptions,
		CheckOnStart:   o.CheckOnStart,
	}, nil
}
