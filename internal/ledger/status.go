package ledger

// Status is a node response or receipt code.
type Status string

const (
	StatusOK                              Status = "OK"
	StatusSuccess                         Status = "SUCCESS"
	StatusUnknown                         Status = "UNKNOWN"
	StatusBusy                            Status = "BUSY"
	StatusTransactionExpired              Status = "TRANSACTION_EXPIRED"
	StatusDuplicateTransaction            Status = "DUPLICATE_TRANSACTION"
	StatusReceiptNotFound                 Status = "RECEIPT_NOT_FOUND"
	StatusIdenticalScheduleAlreadyCreated Status = "IDENTICAL_SCHEDULE_ALREADY_CREATED"
	StatusInvalidScheduleID               Status = "INVALID_SCHEDULE_ID"
	StatusScheduleAlreadyExecuted         Status = "SCHEDULE_ALREADY_EXECUTED"
	StatusNoNewValidSignatures            Status = "NO_NEW_VALID_SIGNATURES"
	StatusInvalidAccountID                Status = "INVALID_ACCOUNT_ID"
	StatusInvalidTokenID                  Status = "INVALID_TOKEN_ID"
	StatusInvalidSignature                Status = "INVALID_SIGNATURE"
	StatusInvalidTransaction              Status = "INVALID_TRANSACTION"
	StatusInsufficientPayerBalance        Status = "INSUFFICIENT_PAYER_BALANCE"
	StatusInsufficientTokenBalance        Status = "INSUFFICIENT_TOKEN_BALANCE"
	StatusTokenNotAssociatedToAccount     Status = "TOKEN_NOT_ASSOCIATED_TO_ACCOUNT"
	StatusPlatformNotActive               Status = "PLATFORM_NOT_ACTIVE"
)

func (s Status) String() string { return string(s) }
