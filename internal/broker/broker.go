package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

const (
	DefaultRoleName        = "OrganizationAccountAccessRole"
	DefaultSessionDuration = 4 * time.Hour
	DefaultFallback        = time.Hour
)

var (
	ErrInvalidConfig = errors.New("broker: invalid config")
	// ErrValidationRejected means the service refused the request parameters
	// (typically a session duration above the role's maximum).
	ErrValidationRejected = errors.New("broker: request rejected by validation")
)

// Credentials are temporary elevated credentials scoped to one account.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// Broker exchanges the caller's identity for elevated credentials in accountID.
type Broker interface {
	AssumeElevated(ctx context.Context, accountID string, duration time.Duration) (Credentials, error)
}

// AssumeWithFallback requests primary and, only when that is rejected with
// ErrValidationRejected, retries once with fallback. Any other failure is returned as-is.
func AssumeWithFallback(ctx context.Context, b Broker, accountID string, primary, fallback time.Duration) (Credentials, bool, error) {
	if b == nil {
		return Credentials{}, false, fmt.Errorf("%w: nil broker", ErrInvalidConfig)
	}
	creds, err := b.AssumeElevated(ctx, accountID, primary)
	if err == nil {
		return creds, false, nil
	}
	if !errors.Is(err, ErrValidationRejected) || fallback <= 0 || fallback == primary {
		return Credentials{}, false, err
	}
	creds, err = b.AssumeElevated(ctx, accountID, fallback)
	if err != nil {
		return Credentials{}, true, err
	}
	return creds, true, nil
}

type stsClient interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

type STSConfig struct {
	// RoleName is assumed in every pooled account. Defaults to DefaultRoleName.
	RoleName    string
	SessionName string
	// Partition is used to build the role ARN. Defaults to "aws".
	Partition string
}

// STS assumes a well-known administrative role in the target account.
type STS struct {
	client      stsClient
	roleName    string
	sessionName string
	partition   string
}

func NewSTS(client stsClient, cfg STSConfig) (*STS, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil sts client", ErrInvalidConfig)
	}
	roleName := strings.TrimSpace(cfg.RoleName)
	if roleName == "" {
		roleName = DefaultRoleName
	}
	sessionName := strings.TrimSpace(cfg.SessionName)
	if sessionName == "" {
		return nil, fmt.Errorf("%w: session name is required", ErrInvalidConfig)
	}
	partition := strings.TrimSpace(cfg.Partition)
	if partition == "" {
		partition = "aws"
	}
	return &STS{
		client:      client,
		roleName:    roleName,
		sessionName: sessionName,
		partition:   partition,
	}, nil
}

func (s *STS) RoleARN(accountID string) string {
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", s.partition, accountID, s.roleName)
}

func (s *STS) AssumeElevated(ctx context.Context, accountID string, duration time.Duration) (Credentials, error) {
	if s == nil || s.client == nil {
		return Credentials{}, fmt.Errorf("%w: nil sts broker", ErrInvalidConfig)
	}
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Credentials{}, fmt.Errorf("%w: empty account id", ErrInvalidConfig)
	}
	if duration < time.Second {
		return Credentials{}, fmt.Errorf("%w: duration must be >= 1s", ErrInvalidConfig)
	}

	out, err := s.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(s.RoleARN(accountID)),
		RoleSessionName: aws.String(s.sessionName),
		DurationSeconds: aws.Int32(int32(duration / time.Second)),
	})
	if err != nil {
		if isValidationError(err) {
			return Credentials{}, fmt.Errorf("%w: assume %s for %s: %v", ErrValidationRejected, s.RoleARN(accountID), duration, err)
		}
		return Credentials{}, fmt.Errorf("broker: assume %s: %w", s.RoleARN(accountID), err)
	}
	if out.Credentials == nil {
		return Credentials{}, fmt.Errorf("broker: assume %s: empty credentials", s.RoleARN(accountID))
	}
	return Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration),
	}, nil
}

func isValidationError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError"
}
