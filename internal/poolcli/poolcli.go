// Package poolcli turns command-line flags into the stores and collaborators
// shared by the account-pool commands.
package poolcli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sandbox-infra/account-pool/internal/broker"
	"github.com/sandbox-infra/account-pool/internal/events"
	"github.com/sandbox-infra/account-pool/internal/identity"
	"github.com/sandbox-infra/account-pool/internal/leasing"
	"github.com/sandbox-infra/account-pool/internal/pool"
	"github.com/sandbox-infra/account-pool/internal/pool/dynamo"
	poolpg "github.com/sandbox-infra/account-pool/internal/pool/postgres"
	"github.com/sandbox-infra/account-pool/internal/sanitizer"
	"github.com/sandbox-infra/account-pool/internal/secrets"
	"github.com/sandbox-infra/account-pool/internal/transcript"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreDynamoDB = "dynamodb"

	DefaultTable  = "AccountPool"
	DefaultRegion = "us-east-2"
)

// Environment variables honoured by the legacy scripts.
const (
	EnvTable        = "ACCOUNT_POOL_TABLE"
	EnvRegion       = "AWS_REGION"
	EnvLeaseTimeout = "LEASE_TIMEOUT"
	EnvPolicyARN    = "IAM_USER_POLICY_ARN"
)

var ErrInvalidConfig = errors.New("poolcli: invalid config")

// StoreOptions selects and reaches the pool store.
type StoreOptions struct {
	Driver            string
	Table             string
	Region            string
	PostgresDSN       string
	PostgresDSNSecret string
	SecretsDriver     string
}

// Register adds the store flags to fs.
func (o *StoreOptions) Register(fs *flag.FlagSet) {
	fs.StringVar(&o.Driver, "store-driver", StoreDynamoDB, "pool store driver: dynamodb|postgres|memory")
	fs.StringVar(&o.Table, "table", EnvOr(EnvTable, DefaultTable), "DynamoDB pool table (env "+EnvTable+")")
	fs.StringVar(&o.Region, "region", EnvOr(EnvRegion, DefaultRegion), "AWS region (env "+EnvRegion+")")
	fs.StringVar(&o.PostgresDSN, "postgres-dsn", "", "Postgres DSN (postgres driver)")
	fs.StringVar(&o.PostgresDSNSecret, "postgres-dsn-secret", "", "secret reference holding the Postgres DSN, used when --postgres-dsn is empty")
	fs.StringVar(&o.SecretsDriver, "secrets-driver", secrets.DriverEnv, "secrets driver for --postgres-dsn-secret: env|aws")
}

func (o StoreOptions) driver() string {
	return strings.ToLower(strings.TrimSpace(o.Driver))
}

func (o StoreOptions) Validate() error {
	switch o.driver() {
	case StoreMemory:
	case StoreDynamoDB:
		if strings.TrimSpace(o.Table) == "" {
			return fmt.Errorf("%w: --table is required for dynamodb", ErrInvalidConfig)
		}
	case StorePostgres:
		if strings.TrimSpace(o.PostgresDSN) == "" && strings.TrimSpace(o.PostgresDSNSecret) == "" {
			return fmt.Errorf("%w: --postgres-dsn or --postgres-dsn-secret is required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unsupported store driver %q", ErrInvalidConfig, o.Driver)
	}
	if strings.TrimSpace(o.Region) == "" {
		return fmt.Errorf("%w: --region is required", ErrInvalidConfig)
	}
	return nil
}

// LifecycleOptions configure the broker, sanitizer, identity provider and event sinks.
type LifecycleOptions struct {
	RoleName         string
	SessionName      string
	SessionDuration  time.Duration
	FallbackDuration time.Duration

	IAMUserName  string
	IAMPolicyARN string

	CloudNukeBin     string
	CloudNukeConfig  string
	CloudNukeTimeout time.Duration

	TranscriptDriver string
	TranscriptBucket string
	TranscriptPrefix string

	EventsDriver  string
	EventsBrokers string
	EventsTopic   string
}

// Register adds the lifecycle flags to fs. sessionName and session are the
// per-command defaults for the STS session.
func (o *LifecycleOptions) Register(fs *flag.FlagSet, sessionName string, session time.Duration) {
	fs.StringVar(&o.RoleName, "role-name", broker.DefaultRoleName, "role assumed in each pooled account")
	fs.StringVar(&o.SessionName, "session-name", sessionName, "STS role session name")
	fs.DurationVar(&o.SessionDuration, "session-duration", session, "requested elevated session duration")
	fs.DurationVar(&o.FallbackDuration, "fallback-session-duration", broker.DefaultFallback, "session duration retried once when the first is rejected")

	fs.StringVar(&o.IAMUserName, "iam-user-name", identity.DefaultUserName, "ephemeral IAM user name")
	fs.StringVar(&o.IAMPolicyARN, "iam-user-policy-arn", EnvOr(EnvPolicyARN, identity.DefaultPolicyARN), "policy attached to the ephemeral user (env "+EnvPolicyARN+")")

	fs.StringVar(&o.CloudNukeBin, "cloud-nuke-bin", "cloud-nuke", "cloud-nuke executable")
	fs.StringVar(&o.CloudNukeConfig, "cloud-nuke-config", "", "cloud-nuke filter config (required)")
	fs.DurationVar(&o.CloudNukeTimeout, "cloud-nuke-timeout", 0, "upper bound for one cloud-nuke run (0 = none)")

	fs.StringVar(&o.TranscriptDriver, "transcript-driver", transcript.DriverNone, "sanitizer transcript archive: none|s3|memory")
	fs.StringVar(&o.TranscriptBucket, "transcript-bucket", "", "S3 bucket for sanitizer transcripts")
	fs.StringVar(&o.TranscriptPrefix, "transcript-prefix", "", "S3 key prefix for sanitizer transcripts")

	fs.StringVar(&o.EventsDriver, "events-driver", events.DriverNone, "lifecycle events: none|stdio|kafka")
	fs.StringVar(&o.EventsBrokers, "events-brokers", "", "comma-separated Kafka brokers")
	fs.StringVar(&o.EventsTopic, "events-topic", events.DefaultTopic, "Kafka topic for lifecycle events")
}

func (o LifecycleOptions) Validate() error {
	if strings.TrimSpace(o.CloudNukeConfig) == "" {
		return fmt.Errorf("%w: --cloud-nuke-config is required", ErrInvalidConfig)
	}
	if o.SessionDuration <= 0 || o.FallbackDuration <= 0 {
		return fmt.Errorf("%w: session durations must be > 0", ErrInvalidConfig)
	}
	if o.CloudNukeTimeout < 0 {
		return fmt.Errorf("%w: --cloud-nuke-timeout must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// Runtime owns the long-lived clients built from flags.
type Runtime struct {
	Store pool.Store
	// Postgres is set when the store driver is postgres so other tables can share the pool.
	Postgres *pgxpool.Pool
	AWS      aws.Config

	closers []func()
}

func (r *Runtime) Close() {
	if r == nil {
		return
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// Open connects to the configured store.
func Open(ctx context.Context, o StoreOptions, log *slog.Logger) (*Runtime, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(strings.TrimSpace(o.Region)))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	rt := &Runtime{AWS: awsCfg}

	switch o.driver() {
	case StoreMemory:
		log.Warn("using in-memory pool store; state is lost on exit")
		rt.Store = pool.NewMemoryStore(nil)
	case StoreDynamoDB:
		s, err := dynamo.New(dynamodb.NewFromConfig(awsCfg), o.Table)
		if err != nil {
			return nil, err
		}
		rt.Store = s
	case StorePostgres:
		dsn, err := resolveDSN(ctx, o, awsCfg)
		if err != nil {
			return nil, err
		}
		pg, err := pgxpool.New(ctx, dsn)
		if err != nil {
			return nil, fmt.Errorf("init pgx pool: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		s, err := poolpg.New(pg)
		if err != nil {
			rt.Close()
			return nil, err
		}
		if err := s.EnsureSchema(ctx); err != nil {
			rt.Close()
			return nil, err
		}
		rt.Store = s
		rt.Postgres = pg
	}
	return rt, nil
}

func resolveDSN(ctx context.Context, o StoreOptions, awsCfg aws.Config) (string, error) {
	if dsn := strings.TrimSpace(o.PostgresDSN); dsn != "" {
		return dsn, nil
	}
	p, err := secrets.New(o.SecretsDriver, awsCfg)
	if err != nil {
		return "", err
	}
	dsn, err := p.Get(ctx, o.PostgresDSNSecret)
	if err != nil {
		return "", fmt.Errorf("resolve postgres dsn: %w", err)
	}
	return dsn, nil
}

// Deps builds the lease lifecycle collaborators on top of the runtime's store.
// Events published with the stdio driver go to stderr; stdout is reserved for
// command output.
func (r *Runtime) Deps(o LifecycleOptions, log *slog.Logger) (leasing.Deps, error) {
	if r == nil || r.Store == nil {
		return leasing.Deps{}, fmt.Errorf("%w: runtime not opened", ErrInvalidConfig)
	}
	if err := o.Validate(); err != nil {
		return leasing.Deps{}, err
	}

	b, err := broker.NewSTS(sts.NewFromConfig(r.AWS), broker.STSConfig{
		RoleName:    o.RoleName,
		SessionName: o.SessionName,
	})
	if err != nil {
		return leasing.Deps{}, err
	}

	idp, err := identity.New(identity.Config{
		UserName:  o.IAMUserName,
		PolicyARN: o.IAMPolicyARN,
		Region:    r.AWS.Region,
	})
	if err != nil {
		return leasing.Deps{}, err
	}

	tcfg := transcript.Config{
		Driver: o.TranscriptDriver,
		Bucket: o.TranscriptBucket,
		Prefix: o.TranscriptPrefix,
	}
	if strings.EqualFold(strings.TrimSpace(o.TranscriptDriver), transcript.DriverS3) {
		tcfg.S3Client = awss3.NewFromConfig(r.AWS)
	}
	archive, err := transcript.New(tcfg)
	if err != nil {
		return leasing.Deps{}, err
	}

	nuke, err := sanitizer.NewCloudNuke(sanitizer.Config{
		Binary:      o.CloudNukeBin,
		ConfigPath:  o.CloudNukeConfig,
		Region:      r.AWS.Region,
		Timeout:     o.CloudNukeTimeout,
		Transcripts: archive,
	}, log)
	if err != nil {
		return leasing.Deps{}, err
	}

	pub, err := events.NewPublisher(events.Config{
		Driver:  o.EventsDriver,
		Topic:   o.EventsTopic,
		Brokers: events.SplitCommaList(o.EventsBrokers),
		Writer:  os.Stderr,
	})
	if err != nil {
		return leasing.Deps{}, err
	}
	r.closers = append(r.closers, func() {
		if err := pub.Close(); err != nil {
			log.Warn("close events publisher", "err", err)
		}
	})

	return leasing.Deps{
		Store:     r.Store,
		Broker:    b,
		Sanitizer: nuke,
		Identity:  idp,
		Events:    pub,
		Log:       log,
	}, nil
}

// EnvOr returns the trimmed value of key, or def when it is unset or blank.
func EnvOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// EnvSeconds reads key as a whole number of seconds, the format LEASE_TIMEOUT uses.
func EnvSeconds(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive number of seconds, got %q", ErrInvalidConfig, key, v)
	}
	return time.Duration(n) * time.Second, nil
}
