package marzban

// PanelUser mirrors the Marzban user payload, trimmed to the fields the
// bot reads and writes.
type PanelUser struct {
	Username               string `json:"username"`
	Status                 string `json:"status"`
	DataLimit              int64  `json:"data_limit"`
	UsedTraffic            int64  `json:"used_traffic"`
	Expire                 int64  `json:"expire"`
	DataLimitResetStrategy string `json:"data_limit_reset_strategy,omitempty"`
	SubscriptionURL        string `json:"subscription_url,omitempty"`
}

type createUserRequest struct {
	Username               string `json:"username"`
	Status                 string `json:"status"`
	DataLimit              int64  `json:"data_limit"`
	Expire                 int64  `json:"expire"`
	DataLimitResetStrategy string `json:"data_limit_reset_strategy"`
}

// UserUpdate carries the fields of a PUT /api/user/{name} request. Nil
// fields are left untouched on the panel.
type UserUpdate struct {
	DataLimit *int64  `json:"data_limit,omitempty"`
	Expire    *int64  `json:"expire,omitempty"`
	Status    *string `json:"status,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// SystemStats is the subset of GET /api/system the admin panel shows.
type SystemStats struct {
	Version     string `json:"version"`
	TotalUser   int    `json:"total_user"`
	UsersActive int    `json:"users_active"`
	IncomingBW  int64  `json:"incoming_bandwidth"`
	OutgoingBW  int64  `json:"outgoing_bandwidth"`
	MemTotal    int64  `json:"mem_total"`
	MemUsed     int64  `json:"mem_used"`
}
