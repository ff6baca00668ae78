package leasing

import (
	"errors"

	"github.com/sandbox-infra/account-pool/internal/pool"
)

// LeaseDocument is what account-lease prints on stdout. Field names follow the
// AWS credential_process shape that consumers of the pool already parse.
type LeaseDocument struct {
	AccountID   string             `json:"account_id"`
	Status      string             `json:"status"`
	Credentials CredentialDocument `json:"credentials"`
}

type CredentialDocument struct {
	AccessKeyID     string  `json:"AccessKeyId"`
	SecretAccessKey string  `json:"SecretAccessKey"`
	SessionToken    *string `json:"SessionToken"`
	Expiration      *string `json:"Expiration"`
}

func NewLeaseDocument(l Lease) LeaseDocument {
	// IAM user keys have neither a session token nor an expiry.
	return LeaseDocument{
		AccountID: l.AccountID,
		Status:    "success",
		Credentials: CredentialDocument{
			AccessKeyID:     l.AccessKey.AccessKeyID,
			SecretAccessKey: l.AccessKey.SecretAccessKey,
		},
	}
}

type ReleaseDocument struct {
	Status    string `json:"status"`
	AccountID string `json:"account_id"`
	NewStatus string `json:"new_status"`
}

func NewReleaseDocument(accountID string, st pool.Status) ReleaseDocument {
	return ReleaseDocument{Status: "success", AccountID: accountID, NewStatus: string(st)}
}

type ErrorDocument struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	AccountID     string `json:"account_id,omitempty"`
	CurrentStatus string `json:"current_status,omitempty"`
}

// NewErrorDocument reports err for accountID. current_status is only filled in
// when the account was found in a state that does not allow the operation.
func NewErrorDocument(accountID string, err error) ErrorDocument {
	doc := ErrorDocument{Status: "error", Message: err.Error(), AccountID: accountID}
	var ise *InvalidStateError
	if errors.As(err, &ise) {
		doc.CurrentStatus = string(ise.Current)
	}
	return doc
}
