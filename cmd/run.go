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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Yelp/logfeeder/config"
	"github.com/Yelp/logfeeder/internal/awsclient"
	"github.com/Yelp/logfeeder/internal/checkpoint"
	"github.com/Yelp/logfeeder/internal/delivery"
	"github.com/Yelp/logfeeder/internal/feeder"
	"github.com/Yelp/logfeeder/internal/logctx"
	"github.com/Yelp/logfeeder/internal/ratelimit"
	"github.com/Yelp/logfeeder/internal/runlock"
	"github.com/Yelp/logfeeder/internal/sources"
)

var runOpts struct {
	startTime    string
	endTime      string
	relStartMin  int
	relEndMin    int
	instanceName string
	hiddenTag    string
	noOutput     bool
	stateless    bool

	esHosts     []string
	esIndex     string
	esChunkSize int
	esInOrder   bool
}

func init() {
	cmd := &cobra.Command{
		Use:       "run <feed>",
		Short:     "Run one feed's ingestion cycle",
		Long:      "Pull new activity records for one feed, normalize them, and deliver them to the configured sink.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"duo", "onelogin", "opendns"},
		RunE:      runFeed,
	}

	fl := cmd.Flags()
	fl.StringVarP(&runOpts.startTime, "start-time", "s", "",
		"Get events at or after this RFC-3339 UTC time (default: 10 minutes before now, or the stored checkpoint)")
	fl.StringVarP(&runOpts.endTime, "end-time", "e", "",
		"Get events at or before this RFC-3339 UTC time (default: now)")
	fl.IntVarP(&runOpts.relStartMin, "relative-start-time", "S", 0,
		"Get events at or after this many minutes before now")
	fl.IntVarP(&runOpts.relEndMin, "relative-end-time", "E", 0,
		"Get events at or before this many minutes before now")
	fl.StringVarP(&runOpts.instanceName, "instance-name", "i", "",
		"Instance name, used only to distinguish lock files so runs against different accounts do not exclude each other")
	fl.StringVarP(&runOpts.hiddenTag, "hidden-tag", "H", "",
		"Suffix added to the checkpoint file name; lets parallel instances feed identical records without clobbering each other's checkpoints")
	fl.BoolVar(&runOpts.noOutput, "no-output", false,
		"Print records to stdout instead of delivering; checkpoints are not advanced")
	fl.BoolVar(&runOpts.stateless, "stateless", false,
		"Run without a lock and without reading or writing checkpoints")
	fl.StringArrayVar(&runOpts.esHosts, "es-host", nil,
		"Elasticsearch endpoint override; repeat for mirrored endpoints")
	fl.StringVar(&runOpts.esIndex, "index", "",
		"Elasticsearch index pattern override (strftime-expanded per record day)")
	fl.IntVar(&runOpts.esChunkSize, "chunk-size", 0,
		"Records per Elasticsearch bulk request")
	fl.BoolVar(&runOpts.esInOrder, "in-order", false,
		"Promise the feed's records arrive in event-time order, enabling the single-bucket fast path")

	rootCmd.AddCommand(cmd)
}

func runFeed(_ *cobra.Command, args []string) error {
	feed := args[0]

	winOpts, err := windowOptions()
	if err != nil {
		return err
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if cfg.Domain == "" {
		return &feeder.ConfigError{Reason: "domain is not configured"}
	}

	// The lock is taken before telemetry or any upstream work: a
	// contended cron run must leave without side effects.
	if !runOpts.stateless {
		lock, err := runlock.Acquire(cfg.LockDir, feed, runOpts.instanceName)
		if errors.Is(err, runlock.ErrContended) {
			if runlock.Interactive() {
				return fmt.Errorf("%s feeder: %w", feed, err)
			}
			os.Exit(1)
		}
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()
	}

	servicename := "logfeeder-" + feed
	addlAttrs := attribute.NewSet(
		attribute.String("feed", feed),
		attribute.String("account", cfg.Domain),
	)
	doneCtx, doneFx, err := setupTelemetry(servicename, &addlAttrs)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		if err := doneFx(); err != nil {
			slog.Error("Error shutting down telemetry", slog.Any("error", err))
		}
	}()

	ll := slog.Default().With(
		slog.String("feed", feed),
		slog.String("account", cfg.Domain),
		slog.String("runID", uuid.NewString()),
	)
	if runOpts.instanceName != "" {
		ll = ll.With(slog.String("instance", runOpts.instanceName))
	}
	ctx := logctx.WithLogger(doneCtx, ll)

	mgr, err := awsManager(ctx, cfg, feed)
	if err != nil {
		return err
	}

	src, norm, subFeeds, err := buildFeed(cfg, feed, mgr)
	if err != nil {
		return err
	}

	sink, err := buildSink(ctx, cfg, mgr)
	if err != nil {
		return err
	}
	if closer, ok := sink.(io.Closer); ok {
		defer func() { _ = closer.Close() }()
	}

	var store checkpoint.Store = checkpoint.NopStore{}
	if !runOpts.stateless {
		fs, err := checkpoint.NewFileStore(cfg.CheckpointDir)
		if err != nil {
			return err
		}
		store = fs
	}

	runner := &feeder.Runner{
		Feed:        feed,
		Account:     cfg.Domain,
		Instance:    runOpts.instanceName,
		Tag:         runOpts.hiddenTag,
		SubFeeds:    subFeeds,
		Window:      winOpts,
		Source:      src,
		Sink:        sink,
		Normalizer:  norm,
		Checkpoints: store,
		DryRun:      runOpts.noOutput,
	}

	ll.Info("starting feed run", slog.Any("subFeeds", subFeeds))
	began := time.Now()
	results, err := runner.Run(ctx)
	runDuration.Record(ctx, time.Since(began).Seconds(), metric.WithAttributeSet(commonAttributes))
	if err != nil {
		return err
	}

	records := 0
	for _, res := range results {
		records += res.Records
	}
	ll.Info("feed run complete",
		slog.Int("records", records),
		slog.Duration("elapsed", time.Since(began)))

	// Sub-feed failures were isolated and logged; the run itself still
	// succeeded unless it was cut short.
	if summary := feeder.ResultError(results); summary != nil {
		ll.Error("run completed with sub-feed failures", slog.Any("error", summary))
	}
	return doneCtx.Err()
}

// windowOptions translates the time-range flags. Conflicting flags are
// rejected later by WindowOptions.Validate, before any fetch.
func windowOptions() (feeder.WindowOptions, error) {
	var opts feeder.WindowOptions
	if runOpts.startTime != "" {
		t, err := time.Parse(time.RFC3339, runOpts.startTime)
		if err != nil {
			return opts, &feeder.ConfigError{Reason: fmt.Sprintf("invalid --start-time: %v", err)}
		}
		opts.Start = t
	}
	if runOpts.endTime != "" {
		t, err := time.Parse(time.RFC3339, runOpts.endTime)
		if err != nil {
			return opts, &feeder.ConfigError{Reason: fmt.Sprintf("invalid --end-time: %v", err)}
		}
		opts.End = t
	}
	opts.RelativeStart = time.Duration(runOpts.relStartMin) * time.Minute
	opts.RelativeEnd = time.Duration(runOpts.relEndMin) * time.Minute
	return opts, nil
}

// awsManager builds the shared AWS client manager when the run needs
// one: the opendns feed reads S3 via SQS notifications, and the sqs sink
// sends through it. Other runs skip the credential chain entirely.
func awsManager(ctx context.Context, cfg *config.Config, feed string) (*awsclient.Manager, error) {
	needed := feed == "opendns" || (!runOpts.noOutput && cfg.Sink.Kind == config.SinkSQS)
	if !needed {
		return nil, nil
	}
	var opts []awsclient.ManagerOption
	if feed == "opendns" {
		opts = append(opts, awsclient.WithAssumeRoleSessionName("AssumeRoleS3BucketRead"))
	}
	mgr, err := awsclient.NewManager(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initializing AWS clients: %w", err)
	}
	return mgr, nil
}

func limiterFrom(rl config.RateLimitConfig) *ratelimit.Limiter {
	if rl.MaxCalls <= 0 {
		return nil
	}
	return ratelimit.New(rl.MaxCalls, rl.Window())
}

func orDefault(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func buildFeed(cfg *config.Config, feed string, mgr *awsclient.Manager) (feeder.Source, feeder.Normalizer, []string, error) {
	norm := feeder.Normalizer{
		Feed:     feed,
		Account:  cfg.Domain,
		Instance: runOpts.instanceName,
	}

	switch feed {
	case "duo":
		fc := cfg.Feeds.Duo
		if fc.CredentialsFile == "" {
			return nil, norm, nil, &feeder.ConfigError{Reason: "duo credentials_file is not configured"}
		}
		creds, err := sources.ReadDuoCredentials(fc.CredentialsFile)
		if err != nil {
			return nil, norm, nil, err
		}
		norm.TimestampKey = orDefault(fc.TimestampKey, "timestamp")
		norm.AltTimestampKey = fc.AltTimestampKey
		norm.UsernamePath = fc.UsernamePath
		subFeeds := fc.EnabledSubFeeds("administration", "authentication", "telephony")
		return sources.NewDuoSource(creds, limiterFrom(fc.RateLimit)), norm, subFeeds, nil

	case "onelogin":
		fc := cfg.Feeds.OneLogin
		if fc.CredentialsFile == "" {
			return nil, norm, nil, &feeder.ConfigError{Reason: "onelogin credentials_file is not configured"}
		}
		creds, err := sources.ReadOneLoginCredentials(fc.CredentialsFile)
		if err != nil {
			return nil, norm, nil, err
		}
		norm.TimestampKey = orDefault(fc.TimestampKey, "created-at")
		norm.AltTimestampKey = fc.AltTimestampKey
		norm.UsernamePath = fc.UsernamePath
		// OneLogin has no sub-APIs; the feed runs as one sub-feed under
		// its own name.
		subFeeds := fc.EnabledSubFeeds("onelogin")
		return sources.NewOneLoginSource(creds, limiterFrom(fc.RateLimit)), norm, subFeeds, nil

	case "opendns":
		fc := cfg.Feeds.OpenDNS
		if fc.QueueName == "" {
			return nil, norm, nil, &feeder.ConfigError{Reason: "opendns queue_name is not configured"}
		}
		norm.TimestampKey = "timestamp"
		norm.UsernamePath = fc.UsernamePath
		srcCfg := sources.S3EventsConfig{
			QueueName:    fc.QueueName,
			QueueOwnerID: fc.QueueOwnerID,
			Region:       fc.Region,
			RoleARN:      fc.RoleARN,
			MaxMessages:  fc.MaxMessages,
			Parse:        sources.ParseUmbrellaCSV,
		}
		return sources.NewS3EventSource(srcCfg, mgr, limiterFrom(fc.RateLimit)), norm, []string{"opendns"}, nil

	default:
		return nil, norm, nil, &feeder.ConfigError{Reason: fmt.Sprintf("unknown feed %q", feed)}
	}
}

func buildSink(ctx context.Context, cfg *config.Config, mgr *awsclient.Manager) (feeder.Sink, error) {
	if runOpts.noOutput {
		return &delivery.StdoutSink{}, nil
	}

	switch cfg.Sink.Kind {
	case config.SinkStdout, "":
		return &delivery.StdoutSink{}, nil

	case config.SinkSQS:
		sc := cfg.Sink.SQS
		return delivery.NewSQSSink(ctx, delivery.SQSConfig{
			QueueName: sc.QueueName,
			QueueURL:  sc.QueueURL,
			Region:    sc.Region,
		}, mgr)

	case config.SinkKafka:
		kc := cfg.Sink.Kafka
		if len(kc.Brokers) == 0 {
			return nil, &feeder.ConfigError{Reason: "kafka sink has no brokers configured"}
		}
		return delivery.NewKafkaSink(delivery.KafkaConfig{
			Brokers:       kc.Brokers,
			Topic:         kc.Topic,
			BatchSize:     kc.BatchSize,
			BatchTimeout:  kc.BatchTimeout,
			SASLEnabled:   kc.SASLEnabled,
			SASLMechanism: kc.SASLMechanism,
			SASLUsername:  kc.SASLUsername,
			SASLPassword:  kc.SASLPassword,
			TLSEnabled:    kc.TLSEnabled,
			TLSSkipVerify: kc.TLSSkipVerify,
		})

	case config.SinkElasticsearch:
		ec := cfg.Sink.Elasticsearch
		endpoints := ec.Endpoints
		if len(runOpts.esHosts) > 0 {
			endpoints = runOpts.esHosts
		}
		return delivery.NewElasticsearchSink(delivery.ElasticsearchConfig{
			Endpoints: endpoints,
			Index:     orDefault(runOpts.esIndex, ec.Index),
			ChunkSize: pickPositive(runOpts.esChunkSize, ec.ChunkSize),
			InOrder:   ec.InOrder || runOpts.esInOrder,
		})

	default:
		return nil, &feeder.ConfigError{Reason: fmt.Sprintf("unknown sink kind %q", cfg.Sink.Kind)}
	}
}

func pickPositive(override, fallback int) int {
	if override > 0 {
		return override
	}
	return fallback
}
