package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Knowledge/command layer.
	ErrBadRequest    = "E_BAD_REQUEST"
	ErrInvalidCell   = "E_INVALID_CELL"
	ErrInvalidHouse  = "E_INVALID_HOUSE"
	ErrUnknownOrder  = "E_UNKNOWN_ORDER"
	ErrCapacity      = "E_CAPACITY"
	ErrBlocked       = "E_BLOCKED"
	ErrNoPath        = "E_NO_PATH"
	ErrValidation    = "E_VALIDATION"
	ErrStale         = "E_STALE"
	ErrUninitialized = "E_UNINITIALIZED"
	ErrInternal      = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrBadRequest:      {},
	ErrInvalidCell:     {},
	ErrInvalidHouse:    {},
	ErrUnknownOrder:    {},
	ErrCapacity:        {},
	ErrBlocked:         {},
	ErrNoPath:          {},
	ErrValidation:      {},
	ErrStale:           {},
	ErrUninitialized:   {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
