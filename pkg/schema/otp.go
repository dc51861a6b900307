package schema

import "time"

// OtpChallenge is an outstanding email verification code, keyed by email.
type OtpChallenge struct {
	Email     string `json:"email" bson:"_id"`
	Code      string `json:"otp" bson:"otp"`
	ExpiresAt string `json:"expires_at" bson:"expires_at"`
	Attempts  int    `json:"attempts" bson:"attempts"`
}

// Expired reports whether the challenge is past its expiry at now.
// An unreadable expiry counts as expired.
func (c OtpChallenge) Expired(now time.Time) bool {
	exp, err := time.Parse(time.RFC3339Nano, c.ExpiresAt)
	if err != nil {
		return true
	}
	return now.After(exp)
}

// BuddyMessage is one message in a peer buddy chat.
type BuddyMessage struct {
	Sender    string `json:"sender" bson:"sender"`
	Type      string `json:"type" bson:"type"`
	Content   string `json:"content" bson:"content"`
	Timestamp string `json:"timestamp" bson:"timestamp"`
}

// BuddyChat is a two-party conversation document.
type BuddyChat struct {
	ID           string         `json:"id" bson:"_id"`
	Participants []string       `json:"participants" bson:"participants"`
	Messages     []BuddyMessage `json:"messages" bson:"messages"`
}
