package domain

// ICEServer is a connectivity-helper server descriptor handed to devices.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}
