package model

// WebhookSubscription is administered outside the mail pipeline; the
// dispatcher only reads it.
type WebhookSubscription struct {
	Model
	Name string `gorm:"type:varchar(255);not null" json:"name"`
	URL  string `gorm:"type:varchar(512);not null" json:"url"`
	// Method is POST or PUT.
	Method  string            `gorm:"type:varchar(16);not null;default:POST" json:"method"`
	Headers map[string]string `gorm:"type:json;serializer:json" json:"headers"`
	// TriggerEvents lists subscribed event types; "*" matches everything.
	TriggerEvents  []string `gorm:"type:json;serializer:json;not null" json:"trigger_events"`
	IsActive       bool     `gorm:"not null" json:"is_active"`
	RetryCount     int      `gorm:"not null;default:3" json:"retry_count"`
	TimeoutSeconds int      `gorm:"not null;default:30" json:"timeout_seconds"`
}

const (
	DeliveryStatusSuccess = "success"
	DeliveryStatusFailed  = "failed"
)

// WebhookDeliveryLog records one terminal delivery outcome per
// subscription and message, appended after the retry loop concludes.
type WebhookDeliveryLog struct {
	Model
	WebhookID    uint64 `gorm:"not null;index" json:"webhook_id"`
	MessageID    uint64 `gorm:"not null;index" json:"message_id"`
	EventType    string `gorm:"type:varchar(64);not null" json:"event_type"`
	Status       string `gorm:"type:varchar(16);not null" json:"status"`
	ResponseCode int    `json:"response_code,omitempty"`
	ResponseBody string `gorm:"type:text" json:"response_body,omitempty"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`
	AttemptCount int    `gorm:"not null;default:1" json:"attempt_count"`
}
