package upload

import "mime/multipart"

type UploadPayload struct {
	DeviceID  string                           `form:"device_id" json:"device_id,omitempty" mod:"trim" validate:"max=200"`
	FormFiles map[string]*multipart.FileHeader `form:"-" json:"-"`
}

type WebDAVPayload struct {
	URL      string `json:"url" mod:"trim" validate:"required,url"`
	Folder   string `json:"folder,omitempty" mod:"trim" validate:"max=1000"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	DeviceID string `json:"device_id,omitempty" mod:"trim" validate:"max=200"`
}
