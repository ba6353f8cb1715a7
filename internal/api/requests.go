package api

type createPostRequest struct {
	UserID      string `json:"userId" validate:"required,min=8"`
	Content     string `json:"content" validate:"required,min=3,max=2000"`
	Category    string `json:"category" validate:"omitempty,oneof=thought announcement help complaint service lost_found business"`
	LocationTag string `json:"locationTag" validate:"max=120"`
	IsAnonymous bool   `json:"isAnonymous"`
}

type reactRequest struct {
	Action string `json:"action" validate:"required,oneof=like comment report"`
	UserID string `json:"userId" validate:"required,min=8"`
}

type signalRequest struct {
	UserID string `json:"userId" validate:"required,min=8"`
}

type telemetryRequest struct {
	UserID      string                 `json:"userId" validate:"omitempty,min=8"`
	SessionID   string                 `json:"sessionId" validate:"required,min=6,max=80"`
	Platform    string                 `json:"platform" validate:"required,oneof=android ios"`
	AppVersion  string                 `json:"appVersion" validate:"required,min=1,max=30"`
	EventType   string                 `json:"eventType" validate:"required,oneof=session_start session_end screen_view action"`
	Screen      string                 `json:"screen" validate:"max=80"`
	Feature     string                 `json:"feature" validate:"max=80"`
	DurationSec int                    `json:"durationSec" validate:"min=0,max=86400"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type loginAuditRequest struct {
	UserID      string                 `json:"userId" validate:"required,min=8"`
	Event       string                 `json:"event" validate:"required,oneof=login_success login_failed logout force_logout refresh"`
	LoginMethod string                 `json:"loginMethod" validate:"omitempty,oneof=otp password google microsoft"`
	DeviceID    string                 `json:"deviceId" validate:"max=120"`
	DeviceType  string                 `json:"deviceType" validate:"max=60"`
	OS          string                 `json:"os" validate:"max=60"`
	AppVersion  string                 `json:"appVersion" validate:"max=30"`
	Metadata    map[string]interface{} `json:"metadata"`
}
