package stats

type ListPageStatsQuery struct {
	DeviceID *string `query:"device_id" json:"device_id,omitempty" validate:"omitempty,max=200"`
}
