package protocol

// Close/error codes sent to clients. Codes in the 4000-4099 range tell the
// client not to reconnect; 4200-4299 ask it to reconnect immediately.
const (
	CodeAppNotFound         = 4001
	CodeAppDisabled         = 4003
	CodeOverConnectionQuota = 4004
	CodeUnauthorized        = 4009
	CodeClientEventRejected = 4301
)
