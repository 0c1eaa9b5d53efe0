package protocol

const (
	// Session/auth layer.
	ErrAuthFailed       = "E_AUTH_FAILED"
	ErrSessionNotActive = "E_SESSION_NOT_ACTIVE"

	// Command pipeline.
	ErrStaleCommand   = "E_STALE_COMMAND"
	ErrOutOfOrder     = "E_OUT_OF_ORDER"
	ErrInvalidCommand = "E_INVALID_COMMAND"

	// Spatial store.
	ErrInvalidEntityState = "E_INVALID_ENTITY_STATE"

	// Ledger.
	ErrInsufficientBalance = "E_INSUFFICIENT_BALANCE"
	ErrAssetNotOwned       = "E_ASSET_NOT_OWNED"
	ErrUnknownAccount      = "E_UNKNOWN_ACCOUNT"
	ErrDuplicateTx         = "E_DUPLICATE_TX"

	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
)

var knownCodes = map[string]struct{}{
	ErrAuthFailed:          {},
	ErrSessionNotActive:    {},
	ErrStaleCommand:        {},
	ErrOutOfOrder:          {},
	ErrInvalidCommand:      {},
	ErrInvalidEntityState:  {},
	ErrInsufficientBalance: {},
	ErrAssetNotOwned:       {},
	ErrUnknownAccount:      {},
	ErrDuplicateTx:         {},
	ErrProtoBadRequest:     {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
