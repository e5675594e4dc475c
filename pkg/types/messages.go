package types

// Request body constants understood by the custodial signing service
const (
	SignerTypeAPISigner = "api_signer"
	SignModeAuto        = "auto"

	RequestTypeSolanaTransaction = "solana_transaction"

	DetailsTypeSerializedMessage = "solana_serialized_transaction_message"
	DetailsTypeTransfer          = "solana_transfer"

	WaitForStateSigned = "signed"
)

// PushMode selects who broadcasts the signed transaction
type PushMode string

const (
	// PushModeManual returns the signed payload to the caller for broadcast
	PushModeManual PushMode = "manual"
	// PushModeAuto has the custodian broadcast after signing
	PushModeAuto PushMode = "auto"
)

// SubmissionRequest is the JSON body sent to the custodial signing service
type SubmissionRequest struct {
	VaultID      string         `json:"vault_id"`
	Note         string         `json:"note,omitempty"`
	SignerType   string         `json:"signer_type"`
	SignMode     string         `json:"sign_mode"`
	Type         string         `json:"type"`
	Details      RequestDetails `json:"details"`
	WaitForState string         `json:"wait_for_state,omitempty"`
}

// RequestDetails carries either a serialized message (Data) or a native transfer
type RequestDetails struct {
	Type     string   `json:"type"`
	PushMode PushMode `json:"push_mode"`
	// Data is the base64 serialized transaction message
	Data  string `json:"data,omitempty"`
	Chain string `json:"chain,omitempty"`

	To              string           `json:"to,omitempty"`
	Value           *TransferValue   `json:"value,omitempty"`
	AssetIdentifier *AssetIdentifier `json:"asset_identifier,omitempty"`
}

type TransferValue struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type AssetIdentifier struct {
	Type    string       `json:"type"`
	Details AssetDetails `json:"details"`
}

type AssetDetails struct {
	Type  string `json:"type"`
	Chain string `json:"chain"`
}

// CustodyState is the custodian-side lifecycle state of a transaction
type CustodyState string

const (
	CustodyStateCreated            CustodyState = "created"
	CustodyStateWaitingForApproval CustodyState = "waiting_for_approval"
	CustodyStateApproved           CustodyState = "approved"
	CustodyStateSigned             CustodyState = "signed"
	CustodyStatePushed             CustodyState = "pushed_to_blockchain"
	CustodyStateMined              CustodyState = "mined"
	CustodyStateCompleted          CustodyState = "completed"
	CustodyStateAborted            CustodyState = "aborted"
	CustodyStateErrorSigning       CustodyState = "error_signing"
	CustodyStateStuck              CustodyState = "stuck"
	CustodyStateDropped            CustodyState = "dropped"
)

// IsSigned reports whether the custodian has produced a signature
func (s CustodyState) IsSigned() bool {
	switch s {
	case CustodyStateSigned, CustodyStatePushed, CustodyStateMined, CustodyStateCompleted:
		return true
	}
	return false
}

// IsBroadcast reports whether the custodian has pushed the transaction itself
func (s CustodyState) IsBroadcast() bool {
	switch s {
	case CustodyStatePushed, CustodyStateMined, CustodyStateCompleted:
		return true
	}
	return false
}

// IsFailed reports whether the custodian gave up on the transaction
func (s CustodyState) IsFailed() bool {
	switch s {
	case CustodyStateAborted, CustodyStateErrorSigning, CustodyStateStuck, CustodyStateDropped:
		return true
	}
	return false
}

// CustodyTransaction is the custodian's view of a transaction
type CustodyTransaction struct {
	ID    string       `json:"id"`
	State CustodyState `json:"state"`
	// RawTransaction is the base64 signed transaction, present once signed
	RawTransaction string `json:"raw_transaction,omitempty"`
	Hash           string `json:"hash,omitempty"`
}
