package entities

import "time"

// EncryptedDataStatus is the execution server's view of a submitted request.
type EncryptedDataStatus string

const (
	EncryptedDataStatusEncrypted EncryptedDataStatus = "ENCRYPTED"
	EncryptedDataStatusDecrypted EncryptedDataStatus = "DECRYPTED"
	EncryptedDataStatusSent      EncryptedDataStatus = "SENT"
	EncryptedDataStatusError     EncryptedDataStatus = "ERROR"
)

// EncryptedDataTemp is a row of the execution server's temp table, keyed by
// the request id derived from a prompt id. The core only reads it.
type EncryptedDataTemp struct {
	RequestID     string              `json:"request_id" db:"request_id"`
	Status        EncryptedDataStatus `json:"status" db:"status"`
	DecryptedData string              `json:"decrypted_data,omitempty" db:"decrypted_data"`
	Source        string              `json:"source" db:"source"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at" db:"updated_at"`
}
