package quota

const (
	operationOpenAccount = "open_account"
	operationBegin       = "begin"
	operationFinalize    = "finalize"
	operationFail        = "fail"
	operationGrant       = "grant"
	operationReconcile   = "reconcile"
	operationSweep       = "sweep"

	operationStatusOK     = "ok"
	operationStatusReplay = "replay"
	operationStatusError  = "error"

	// ReasonTimeout tags uploads reclaimed by the cleanup sweeper.
	ReasonTimeout = "timeout"
	// ReasonClientReported is used when a client fails an upload without a reason.
	ReasonClientReported = "client_reported"

	openAccountReference = "signup"
	maxIdentifierLength  = 256
	maxReasonLength      = 512

	// DefaultListLimit and MaxListLimit bound ledger history pages.
	DefaultListLimit = 50
	MaxListLimit     = 200
)
