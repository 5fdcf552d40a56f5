package books

type ListBooksQuery struct {
	ShowHidden bool `query:"show_hidden" json:"show_hidden,omitempty"`
}

type DevicesQuery struct {
	DeviceID *string `query:"device_id" json:"device_id,omitempty" validate:"omitempty,max=200"`
}

type ListAnnotationsQuery struct {
	DeviceID       *string `query:"device_id" json:"device_id,omitempty" validate:"omitempty,max=200"`
	IncludeDeleted bool    `query:"include_deleted" json:"include_deleted,omitempty"`
}

type HidePayload struct {
	Hidden *bool `json:"hidden" validate:"required"`
}

// ReferencePagesPayload sets the canonical page count. null clears it.
type ReferencePagesPayload struct {
	ReferencePages *int `json:"reference_pages" validate:"omitempty,min=1,max=100000"`
}

type StatusPayload struct {
	Status string `json:"status" mod:"trim,lcase" validate:"omitempty,oneof=reading on_hold complete abandoned"`
}
