package sanitizer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sandbox-infra/account-pool/internal/broker"
	"github.com/sandbox-infra/account-pool/internal/transcript"
)

var (
	ErrInvalidConfig = errors.New("sanitizer: invalid config")
	// ErrWipeFailed means the sanitizer ran (or tried to) and did not confirm a clean account.
	ErrWipeFailed = errors.New("sanitizer: wipe failed")
)

// Sanitizer wipes every resource in an account.
type Sanitizer interface {
	Wipe(ctx context.Context, accountID string, creds broker.Credentials) error
}

type execCommandFn func(ctx context.Context, bin string, args []string, env []string) ([]byte, []byte, error)

type Config struct {
	// Binary is the cloud-nuke executable. Defaults to "cloud-nuke" on PATH.
	Binary string
	// ConfigPath is the cloud-nuke YAML filter config (required).
	ConfigPath string
	// Region is passed as --region when set.
	Region string
	// Timeout bounds a single run. Zero means no limit beyond the caller's context.
	Timeout time.Duration
	// MaxOutputBytes bounds how much combined output is kept for logs and transcripts.
	MaxOutputBytes int

	Transcripts transcript.Store
	Now         func() time.Time
}

// CloudNuke runs `cloud-nuke aws --config <path> --force` with the account's
// elevated credentials in the environment.
type CloudNuke struct {
	bin        string
	configPath string
	region     string
	timeout    time.Duration
	maxOutput  int

	transcripts transcript.Store
	now         func() time.Time
	log         *slog.Logger
	execCommand execCommandFn
}

func NewCloudNuke(cfg Config, log *slog.Logger) (*CloudNuke, error) {
	bin := strings.TrimSpace(cfg.Binary)
	if bin == "" {
		bin = "cloud-nuke"
	}
	if strings.TrimSpace(cfg.ConfigPath) == "" {
		return nil, fmt.Errorf("%w: missing cloud-nuke config path", ErrInvalidConfig)
	}
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: timeout must be >= 0", ErrInvalidConfig)
	}
	maxOutput := cfg.MaxOutputBytes
	if maxOutput <= 0 {
		maxOutput = 1 << 20
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CloudNuke{
		bin:         bin,
		configPath:  cfg.ConfigPath,
		region:      strings.TrimSpace(cfg.Region),
		timeout:     cfg.Timeout,
		maxOutput:   maxOutput,
		transcripts: cfg.Transcripts,
		now:         now,
		log:         log,
		execCommand: runExecCommand,
	}, nil
}

func (c *CloudNuke) args() []string {
	args := []string{"aws"}
	if c.region != "" {
		args = append(args, "--region", c.region)
	}
	return append(args, "--config", c.configPath, "--force")
}

func credentialEnv(creds broker.Credentials) []string {
	env := []string{
		"AWS_ACCESS_KEY_ID=" + creds.AccessKeyID,
		"AWS_SECRET_ACCESS_KEY=" + creds.SecretAccessKey,
	}
	if creds.SessionToken != "" {
		env = append(env, "AWS_SESSION_TOKEN="+creds.SessionToken)
	}
	return env
}

func (c *CloudNuke) Wipe(ctx context.Context, accountID string, creds broker.Credentials) error {
	if c == nil || c.execCommand == nil {
		return fmt.Errorf("%w: nil sanitizer", ErrInvalidConfig)
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return fmt.Errorf("%w: missing credentials for %s", ErrWipeFailed, accountID)
	}

	runCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	started := c.now()
	stdout, stderr, err := c.execCommand(runCtx, c.bin, c.args(), credentialEnv(creds))
	c.archive(ctx, accountID, started, err == nil, stdout, stderr)
	if err != nil {
		msg := strings.TrimSpace(string(c.truncate(stderr)))
		if msg == "" {
			return fmt.Errorf("%w: %s: %v", ErrWipeFailed, accountID, err)
		}
		return fmt.Errorf("%w: %s: %v: %s", ErrWipeFailed, accountID, err, msg)
	}
	c.log.Info("cloud-nuke completed", "account", accountID, "elapsed", c.now().Sub(started).String())
	return nil
}

func (c *CloudNuke) truncate(b []byte) []byte {
	if len(b) <= c.maxOutput {
		return b
	}
	return b[len(b)-c.maxOutput:]
}

func (c *CloudNuke) archive(ctx context.Context, accountID string, started time.Time, ok bool, stdout, stderr []byte) {
	if c.transcripts == nil {
		return
	}
	var buf bytes.Buffer
	buf.Write(c.truncate(stdout))
	if len(stderr) > 0 {
		buf.WriteString("\n--- stderr ---\n")
		buf.Write(c.truncate(stderr))
	}
	key, err := c.transcripts.Put(ctx, transcript.Entry{
		AccountID: accountID,
		StartedAt: started,
		Succeeded: ok,
		Output:    buf.Bytes(),
	})
	if err != nil {
		c.log.Warn("archive cloud-nuke transcript", "account", accountID, "err", err)
		return
	}
	c.log.Info("archived cloud-nuke transcript", "account", accountID, "key", key)
}

func runExecCommand(ctx context.Context, bin string, args []string, env []string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = append(os.Environ(), env...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}
