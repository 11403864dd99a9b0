package dto

type PaymentIntentRequest struct {
	PlanID     string `json:"plan_id"`
	CouponCode string `json:"coupon_code,omitempty"`
}

type PaymentIntentResponse struct {
	ProviderIntentID string `json:"provider_intent_id"`
	ClientSecret     string `json:"client_secret"`
	PlanID           string `json:"plan_id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
}

type WebhookAckResponse struct {
	Received  bool   `json:"received"`
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate,omitempty"`
	EventID   string `json:"event_id,omitempty"`
}
