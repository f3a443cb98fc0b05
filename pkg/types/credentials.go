package types

// Credentials carries the per-source secrets handed to an authenticator.
// Exactly one of Cloud or Local is set, matching the configured Source. The
// coordinator owns the value and passes it by reference for the duration of
// one Authenticate call; it is never logged.
type Credentials struct {
	Cloud *CloudCredentials `json:"cloud,omitempty" yaml:"cloud,omitempty"`
	Local *LocalCredentials `json:"local,omitempty" yaml:"local,omitempty"`
}

// CloudCredentials authenticates against the Enlighten account service.
// SiteID and UserID are optional; when both are set the discovery round-trips
// are skipped entirely.
type CloudCredentials struct {
	Email    string `json:"email" yaml:"email"`
	Password string `json:"-" yaml:"password"`
	SiteID   int    `json:"siteID,omitempty" yaml:"site_id,omitempty"`
	UserID   int    `json:"userID,omitempty" yaml:"user_id,omitempty"`
}

// LocalCredentials authenticates against the LAN gateway. Username defaults
// to "envoy" and Password is derived from the serial number when empty.
// CloudEmail/CloudPassword are only needed for firmware 7 and later, which
// requires a cloud-issued token for local access.
type LocalCredentials struct {
	Host          string `json:"host" yaml:"host"`
	Username      string `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string `json:"-" yaml:"password,omitempty"`
	CloudEmail    string `json:"cloudEmail,omitempty" yaml:"cloud_email,omitempty"`
	CloudPassword string `json:"-" yaml:"cloud_password,omitempty"`
}
