// Copyright (C) 2025 Yelp, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the logfeeder configuration from logfeeder.yaml
// and LOGFEEDER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration: global identity and state
// directories, one block per feed, and the sink the records go to.
type Config struct {
	// Domain is the account/tenant stamped on every record as
	// logfeeder_account.
	Domain string `mapstructure:"domain" yaml:"domain"`

	// CheckpointDir holds the per-sub-feed last-timestamp files.
	CheckpointDir string `mapstructure:"checkpoint_dir" yaml:"checkpoint_dir"`

	// LockDir holds the per-feed run lock files.
	LockDir string `mapstructure:"lock_dir" yaml:"lock_dir"`

	AWS   AWSConfig   `mapstructure:"aws" yaml:"aws"`
	Feeds FeedsConfig `mapstructure:"feeds" yaml:"feeds"`
	Sink  SinkConfig  `mapstructure:"sink" yaml:"sink"`
}

type AWSConfig struct {
	Region string `mapstructure:"region" yaml:"region"`
}

// FeedsConfig has one block per supported feed.
type FeedsConfig struct {
	Duo      PollingFeedConfig `mapstructure:"duo" yaml:"duo"`
	OneLogin PollingFeedConfig `mapstructure:"onelogin" yaml:"onelogin"`
	OpenDNS  S3FeedConfig      `mapstructure:"opendns" yaml:"opendns"`
}

// PollingFeedConfig configures a feed that polls a provider API.
type PollingFeedConfig struct {
	// CredentialsFile is the YAML file holding the provider secrets.
	CredentialsFile string `mapstructure:"credentials_file" yaml:"credentials_file"`

	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`

	// SubFeeds toggles individual sub-feeds; empty enables the feed's
	// defaults.
	SubFeeds map[string]bool `mapstructure:"sub_feeds" yaml:"sub_feeds"`

	// UsernamePath is the dotted path extracted into org_username.
	UsernamePath string `mapstructure:"username_path" yaml:"username_path"`

	// TimestampKey and AltTimestampKey override the feed's built-in
	// timestamp field names when the provider changes its format.
	TimestampKey    string `mapstructure:"timestamp_key" yaml:"timestamp_key"`
	AltTimestampKey string `mapstructure:"alt_timestamp_key" yaml:"alt_timestamp_key"`
}

// S3FeedConfig configures a feed driven by S3 object notifications.
type S3FeedConfig struct {
	// QueueName is the SQS queue receiving the bucket notifications;
	// QueueOwnerID is set when another account owns the queue.
	QueueName    string `mapstructure:"queue_name" yaml:"queue_name"`
	QueueOwnerID string `mapstructure:"queue_owner_id" yaml:"queue_owner_id"`
	Region       string `mapstructure:"region" yaml:"region"`

	// RoleARN, when set, is assumed for the bucket reads.
	RoleARN string `mapstructure:"role_arn" yaml:"role_arn"`

	// MaxMessages caps one notification receive (at most ten).
	MaxMessages int32 `mapstructure:"max_messages" yaml:"max_messages"`

	RateLimit    RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	UsernamePath string          `mapstructure:"username_path" yaml:"username_path"`
}

// RateLimitConfig bounds a feed's upstream call rate. Zero MaxCalls
// means unlimited.
type RateLimitConfig struct {
	MaxCalls      int `mapstructure:"max_calls" yaml:"max_calls"`
	WindowSeconds int `mapstructure:"window_seconds" yaml:"window_seconds"`
}

func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// Sink kinds accepted in SinkConfig.Kind.
const (
	SinkSQS           = "sqs"
	SinkKafka         = "kafka"
	SinkElasticsearch = "elasticsearch"
	SinkStdout        = "stdout"
)

// SinkConfig selects and configures the delivery backend.
type SinkConfig struct {
	Kind string `mapstructure:"kind" yaml:"kind"`

	SQS           SQSSinkConfig           `mapstructure:"sqs" yaml:"sqs"`
	Kafka         KafkaSinkConfig         `mapstructure:"kafka" yaml:"kafka"`
	Elasticsearch ElasticsearchSinkConfig `mapstructure:"elasticsearch" yaml:"elasticsearch"`
}

type SQSSinkConfig struct {
	QueueName string `mapstructure:"queue_name" yaml:"queue_name"`
	// QueueURL skips name resolution when set.
	QueueURL string `mapstructure:"queue_url" yaml:"queue_url"`
	Region   string `mapstructure:"region" yaml:"region"`
}

type KafkaSinkConfig struct {
	Brokers      []string      `mapstructure:"brokers" yaml:"brokers"`
	Topic        string        `mapstructure:"topic" yaml:"topic"`
	BatchSize    int           `mapstructure:"batch_size" yaml:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout" yaml:"batch_timeout"`

	// SASLMechanism is one of "PLAIN", "SCRAM-SHA-256" or
	// "SCRAM-SHA-512" when SASLEnabled is set.
	SASLEnabled   bool   `mapstructure:"sasl_enabled" yaml:"sasl_enabled"`
	SASLMechanism string `mapstructure:"sasl_mechanism" yaml:"sasl_mechanism"`
	SASLUsername  string `mapstructure:"sasl_username" yaml:"sasl_username"`
	SASLPassword  string `mapstructure:"sasl_password" yaml:"sasl_password"`
	TLSEnabled    bool   `mapstructure:"tls_enabled" yaml:"tls_enabled"`
	TLSSkipVerify bool   `mapstructure:"tls_skip_verify" yaml:"tls_skip_verify"`
}

type ElasticsearchSinkConfig struct {
	Endpoints []string `mapstructure:"endpoints" yaml:"endpoints"`
	// Index is a strftime pattern such as "logfeeder-%Y.%m.%d".
	Index     string `mapstructure:"index" yaml:"index"`
	ChunkSize int    `mapstructure:"chunk_size" yaml:"chunk_size"`
	InOrder   bool   `mapstructure:"in_order" yaml:"in_order"`
}

// Default returns the built-in configuration: stdout sink, state kept
// under the working directory, no feeds enabled.
func Default() *Config {
	return &Config{
		CheckpointDir: ".",
		LockDir:       "locks",
		Sink: SinkConfig{
			Kind: SinkStdout,
			Kafka: KafkaSinkConfig{
				BatchTimeout: time.Second,
			},
			Elasticsearch: ElasticsearchSinkConfig{
				Index:     "logfeeder-%Y.%m.%d",
				ChunkSize: 10000,
			},
		},
	}
}

// Load reads configuration from path, or from logfeeder.yaml in the
// working directory or /etc/logfeeder when path is empty, then applies
// environment variables. Environment variables use the prefix
// "LOGFEEDER" with dots replaced by underscores: "sink.kafka.topic"
// becomes "LOGFEEDER_SINK_KAFKA_TOPIC".
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("logfeeder")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/logfeeder")
	}
	v.SetEnvPrefix("LOGFEEDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	// List-valued keys arrive comma-separated from the environment.
	if b := v.GetString("sink.kafka.brokers"); b != "" {
		cfg.Sink.Kafka.Brokers = strings.Split(b, ",")
	}
	if e := v.GetString("sink.elasticsearch.endpoints"); e != "" {
		cfg.Sink.Elasticsearch.Endpoints = strings.Split(e, ",")
	}
	return cfg, nil
}

// EnabledSubFeeds returns the enabled sub-feed names in stable order,
// falling back to defaults when the block configures none. Stable
// order keeps checkpoint advancement deterministic across runs.
func (c PollingFeedConfig) EnabledSubFeeds(defaults ...string) []string {
	if len(c.SubFeeds) == 0 {
		return defaults
	}
	var subs []string
	for name, enabled := range c.SubFeeds {
		if enabled {
			subs = append(subs, name)
		}
	}
	sort.Strings(subs)
	return subs
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
