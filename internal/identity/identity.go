// Package identity manages the ephemeral IAM user handed to whoever holds a lease.
//
// The user is created inside the leased account with the account's elevated
// credentials, so every call receives the broker credentials for that account.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/smithy-go"
	"github.com/sandbox-infra/account-pool/internal/broker"
)

const (
	DefaultUserName  = "sandbox-temporary-user"
	DefaultPolicyARN = "arn:aws:iam::aws:policy/AdministratorAccess"
)

var ErrInvalidConfig = errors.New("identity: invalid config")

// AccessKey is a long-lived access key for the ephemeral user.
type AccessKey struct {
	UserName        string
	AccessKeyID     string
	SecretAccessKey string
}

// IAMClient is the subset of the IAM API used to manage the ephemeral user.
type IAMClient interface {
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	DeleteUser(ctx context.Context, params *iam.DeleteUserInput, optFns ...func(*iam.Options)) (*iam.DeleteUserOutput, error)
	DeleteLoginProfile(ctx context.Context, params *iam.DeleteLoginProfileInput, optFns ...func(*iam.Options)) (*iam.DeleteLoginProfileOutput, error)
	ListAccessKeys(ctx context.Context, params *iam.ListAccessKeysInput, optFns ...func(*iam.Options)) (*iam.ListAccessKeysOutput, error)
	DeleteAccessKey(ctx context.Context, params *iam.DeleteAccessKeyInput, optFns ...func(*iam.Options)) (*iam.DeleteAccessKeyOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	ListAttachedUserPolicies(ctx context.Context, params *iam.ListAttachedUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListAttachedUserPoliciesOutput, error)
	AttachUserPolicy(ctx context.Context, params *iam.AttachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.AttachUserPolicyOutput, error)
	DetachUserPolicy(ctx context.Context, params *iam.DetachUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DetachUserPolicyOutput, error)
	ListUserPolicies(ctx context.Context, params *iam.ListUserPoliciesInput, optFns ...func(*iam.Options)) (*iam.ListUserPoliciesOutput, error)
	DeleteUserPolicy(ctx context.Context, params *iam.DeleteUserPolicyInput, optFns ...func(*iam.Options)) (*iam.DeleteUserPolicyOutput, error)
}

// ClientFactory builds an IAM client that acts with creds.
type ClientFactory func(creds broker.Credentials) IAMClient

type Config struct {
	UserName  string
	PolicyARN string
	Region    string

	// NewClient overrides how per-account clients are built. Defaults to the AWS SDK.
	NewClient ClientFactory
}

// IAM provisions and tears down the ephemeral user.
type IAM struct {
	userName  string
	policyARN string
	newClient ClientFactory
}

func New(cfg Config) (*IAM, error) {
	userName := strings.TrimSpace(cfg.UserName)
	if userName == "" {
		userName = DefaultUserName
	}
	policyARN := strings.TrimSpace(cfg.PolicyARN)
	if policyARN == "" {
		policyARN = DefaultPolicyARN
	}
	if !strings.HasPrefix(policyARN, "arn:") {
		return nil, fmt.Errorf("%w: policy must be an ARN, got %q", ErrInvalidConfig, policyARN)
	}
	newClient := cfg.NewClient
	if newClient == nil {
		region := strings.TrimSpace(cfg.Region)
		if region == "" {
			return nil, fmt.Errorf("%w: region is required", ErrInvalidConfig)
		}
		newClient = sdkClientFactory(region)
	}
	return &IAM{
		userName:  userName,
		policyARN: policyARN,
		newClient: newClient,
	}, nil
}

func sdkClientFactory(region string) ClientFactory {
	return func(creds broker.Credentials) IAMClient {
		return iam.NewFromConfig(aws.Config{
			Region: region,
			Credentials: credentials.NewStaticCredentialsProvider(
				creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken,
			),
		})
	}
}

func (p *IAM) UserName() string {
	if p == nil {
		return ""
	}
	return p.userName
}

// Teardown deletes the ephemeral user and everything attached to it.
// A missing user is not an error.
func (p *IAM) Teardown(ctx context.Context, creds broker.Credentials) error {
	if p == nil || p.newClient == nil {
		return fmt.Errorf("%w: nil identity provider", ErrInvalidConfig)
	}
	client := p.newClient(creds)
	user := aws.String(p.userName)

	if _, err := client.GetUser(ctx, &iam.GetUserInput{UserName: user}); err != nil {
		if isNoSuchEntity(err) {
			return nil
		}
		return fmt.Errorf("identity: get user %s: %w", p.userName, err)
	}

	// Login profiles are optional.
	if _, err := client.DeleteLoginProfile(ctx, &iam.DeleteLoginProfileInput{UserName: user}); err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("identity: delete login profile %s: %w", p.userName, err)
	}

	keys := iam.NewListAccessKeysPaginator(client, &iam.ListAccessKeysInput{UserName: user})
	for keys.HasMorePages() {
		page, err := keys.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("identity: list access keys: %w", err)
		}
		for _, k := range page.AccessKeyMetadata {
			if _, err := client.DeleteAccessKey(ctx, &iam.DeleteAccessKeyInput{UserName: user, AccessKeyId: k.AccessKeyId}); err != nil && !isNoSuchEntity(err) {
				return fmt.Errorf("identity: delete access key %s: %w", aws.ToString(k.AccessKeyId), err)
			}
		}
	}

	attached := iam.NewListAttachedUserPoliciesPaginator(client, &iam.ListAttachedUserPoliciesInput{UserName: user})
	for attached.HasMorePages() {
		page, err := attached.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("identity: list attached policies: %w", err)
		}
		for _, pol := range page.AttachedPolicies {
			if _, err := client.DetachUserPolicy(ctx, &iam.DetachUserPolicyInput{UserName: user, PolicyArn: pol.PolicyArn}); err != nil && !isNoSuchEntity(err) {
				return fmt.Errorf("identity: detach policy %s: %w", aws.ToString(pol.PolicyArn), err)
			}
		}
	}

	inline := iam.NewListUserPoliciesPaginator(client, &iam.ListUserPoliciesInput{UserName: user})
	for inline.HasMorePages() {
		page, err := inline.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("identity: list inline policies: %w", err)
		}
		for _, name := range page.PolicyNames {
			if _, err := client.DeleteUserPolicy(ctx, &iam.DeleteUserPolicyInput{UserName: user, PolicyName: aws.String(name)}); err != nil && !isNoSuchEntity(err) {
				return fmt.Errorf("identity: delete inline policy %s: %w", name, err)
			}
		}
	}

	if _, err := client.DeleteUser(ctx, &iam.DeleteUserInput{UserName: user}); err != nil && !isNoSuchEntity(err) {
		return fmt.Errorf("identity: delete user %s: %w", p.userName, err)
	}
	return nil
}

// Provision creates the user, attaches the configured policy and returns a new access key.
// Callers tear down any previous user first.
func (p *IAM) Provision(ctx context.Context, creds broker.Credentials) (AccessKey, error) {
	if p == nil || p.newClient == nil {
		return AccessKey{}, fmt.Errorf("%w: nil identity provider", ErrInvalidConfig)
	}
	client := p.newClient(creds)
	user := aws.String(p.userName)

	if _, err := client.CreateUser(ctx, &iam.CreateUserInput{UserName: user}); err != nil {
		return AccessKey{}, fmt.Errorf("identity: create user %s: %w", p.userName, err)
	}
	if _, err := client.AttachUserPolicy(ctx, &iam.AttachUserPolicyInput{UserName: user, PolicyArn: aws.String(p.policyARN)}); err != nil {
		return AccessKey{}, fmt.Errorf("identity: attach policy %s: %w", p.policyARN, err)
	}
	out, err := client.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{UserName: user})
	if err != nil {
		return AccessKey{}, fmt.Errorf("identity: create access key: %w", err)
	}
	if out.AccessKey == nil {
		return AccessKey{}, fmt.Errorf("identity: create access key: empty response")
	}
	return AccessKey{
		UserName:        p.userName,
		AccessKeyID:     aws.ToString(out.AccessKey.AccessKeyId),
		SecretAccessKey: aws.ToString(out.AccessKey.SecretAccessKey),
	}, nil
}

func isNoSuchEntity(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "NoSuchEntity"
}
