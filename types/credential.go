package types

// Credential gives a member access to the room's tunnel hub.
type Credential struct {
	Hub      string `json:"vpn_hub"`
	Username string `json:"vpn_username"`
	Password string `json:"vpn_password"`
	Server   string `json:"server_ip,omitempty"`
	Port     int    `json:"server_port,omitempty"`
}
