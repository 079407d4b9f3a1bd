package models

import (
	"math"
	"time"
)

// SubscriptionStatus is the licence state of the deployment.
type SubscriptionStatus string

const (
	SubscriptionActive  SubscriptionStatus = "Active"
	SubscriptionExpired SubscriptionStatus = "Expired"
)

// Subscription is the single licence record of the deployment.
type Subscription struct {
	Status     SubscriptionStatus `json:"status"`
	Plan       string             `json:"plan"`
	ExpiryDate string             `json:"expiryDate"`
	Expiry     time.Time          `json:"-"`
}

// DaysRemaining returns ceil((expiry - now) / 24h). It is negative once the
// expiry has passed and zero when the expiry is unknown.
func (s *Subscription) DaysRemaining(now time.Time) int {
	if s == nil || s.Expiry.IsZero() {
		return 0
	}
	return int(math.Ceil(s.Expiry.Sub(now).Hours() / 24))
}

// EffectiveStatus treats an Active record whose expiry has passed as Expired.
func (s *Subscription) EffectiveStatus(now time.Time) SubscriptionStatus {
	if s == nil {
		return SubscriptionActive
	}
	if s.Status == SubscriptionActive && !s.Expiry.IsZero() && now.After(s.Expiry) {
		return SubscriptionExpired
	}
	if s.Status == "" {
		return SubscriptionActive
	}
	return s.Status
}
