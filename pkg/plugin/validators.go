package plugin

type RegisterDevicePayload struct {
	ID      string `json:"id" mod:"trim" validate:"max=200"`
	Model   string `json:"model" mod:"trim" validate:"max=200"`
	Version string `json:"version" mod:"trim"`
}

// HealthQuery carries the plugin version either in the query string or, as
// older plugins send it, in a JSON body.
type HealthQuery struct {
	Version string `query:"version" json:"version" mod:"trim"`
}

// importEnvelope is the little of an import body needed before the version
// gate: who is sending it.
type importEnvelope struct {
	DeviceID string `json:"device_id"`
	Stats    []struct {
		DeviceID string `json:"device_id"`
	} `json:"stats"`
}
