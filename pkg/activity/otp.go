package activity

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/mindspace-dev/mindspace-store/internal/vault"
	"github.com/mindspace-dev/mindspace-store/pkg/schema"
	"github.com/mindspace-dev/mindspace-store/pkg/storage"
)

const (
	// OtpTTL is how long a verification code stays valid.
	OtpTTL = 10 * time.Minute
	// MaxOtpAttempts is the number of wrong codes that consumes a challenge.
	MaxOtpAttempts = 5
	// DefaultOtpSendInterval spaces out codes sent to the same address.
	DefaultOtpSendInterval = 30 * time.Second

	otpSubject = "MindSpace - Your Verification Code"
)

// Verification outcomes reported in OtpResult.Reason.
const (
	OtpNotFound        = "not_found"
	OtpExpired         = "expired"
	OtpInvalid         = "invalid"
	OtpTooManyAttempts = "too_many_attempts"
)

var (
	// ErrRateLimited is returned by SendOtp when codes are requested too often.
	ErrRateLimited = errors.New("verification code requested too often")
	// ErrMailDelivery is returned by SendOtp when the mailer fails.
	ErrMailDelivery = errors.New("verification email not delivered")
)

// OtpResult is the outcome of VerifyOtp. Failures are values, not errors.
type OtpResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", fmt.Errorf("%w: bad email %q", storage.ErrInvalidID, email)
	}
	return email, nil
}

// allowSend applies the per-address send limit. Limiters whose bucket has
// refilled behave like new ones, so they are swept out once per interval.
func (s *Service) allowSend(email string) bool {
	now := s.now()
	s.limMu.Lock()
	defer s.limMu.Unlock()

	if now.Sub(s.limSwept) >= s.otpInterval {
		for addr, lim := range s.limiters {
			if lim.TokensAt(now) >= 1 {
				delete(s.limiters, addr)
			}
		}
		s.limSwept = now
	}

	lim, ok := s.limiters[email]
	if !ok {
		lim = rate.NewLimiter(rate.Every(s.otpInterval), 1)
		s.limiters[email] = lim
	}
	return lim.AllowN(now, 1)
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// SendOtp issues a fresh 6-digit code for email, replacing any outstanding
// one, and mails it. The code is returned for callers without a mailer.
func (s *Service) SendOtp(ctx context.Context, email string) (string, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return "", err
	}
	if !s.allowSend(email) {
		s.metrics.RecordOtpOutcome("rate_limited")
		return "", ErrRateLimited
	}

	code, err := generateCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	stored := code
	if len(s.otpKey) > 0 {
		if stored, err = vault.Encrypt(code, s.otpKey); err != nil {
			return "", fmt.Errorf("encrypt code: %w", err)
		}
	}

	c := schema.OtpChallenge{
		Email:     email,
		Code:      stored,
		ExpiresAt: s.now().Add(OtpTTL).Format(time.RFC3339Nano),
	}
	if err := s.router.PutChallenge(ctx, c); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}

	if s.mailer != nil {
		if err := s.mailer.Send(ctx, email, otpSubject, otpBody(code)); err != nil {
			s.logger.Error("Sending verification email failed", "email", email, "error", err)
			return "", fmt.Errorf("%w: %v", ErrMailDelivery, err)
		}
	}
	s.metrics.RecordOtpOutcome("sent")
	s.logger.Info("Verification code issued", "email", email)
	return code, nil
}

func otpBody(code string) string {
	return `<div style="padding: 20px; background-color: #f9f9f9;">
<h2>Your MindSpace Verification Code</h2>
<div style="font-size: 24px; padding: 20px; background-color: #ffffff; margin: 20px 0;"><strong>` + code + `</strong></div>
<p>This code will expire in 10 minutes.</p>
</div>`
}

// VerifyOtp checks code against the outstanding challenge for email. A
// challenge is consumed by a correct code, by expiry and by the last allowed
// wrong attempt, so each code verifies at most once.
func (s *Service) VerifyOtp(ctx context.Context, email, code string) (OtpResult, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return OtpResult{}, err
	}

	c, store, err := s.router.FindChallenge(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return s.otpResult(false, OtpNotFound), nil
	}
	if err != nil {
		return OtpResult{}, err
	}

	sctx, cancel := s.router.RemoteContext(ctx)
	defer cancel()

	if c.Expired(s.now()) {
		if err := store.DeleteChallenge(sctx, email); err != nil {
			s.logger.Warn("Deleting expired challenge failed", "email", email, "error", err)
		}
		return s.otpResult(false, OtpExpired), nil
	}

	if s.matches(c, strings.TrimSpace(code)) {
		if err := store.DeleteChallenge(sctx, email); err != nil {
			return OtpResult{}, fmt.Errorf("consume challenge: %w", err)
		}
		return s.otpResult(true, ""), nil
	}

	c.Attempts++
	if c.Attempts >= MaxOtpAttempts {
		if err := store.DeleteChallenge(sctx, email); err != nil {
			return OtpResult{}, fmt.Errorf("consume challenge: %w", err)
		}
		return s.otpResult(false, OtpTooManyAttempts), nil
	}
	if err := store.PutChallenge(sctx, c); err != nil {
		return OtpResult{}, fmt.Errorf("record attempt: %w", err)
	}
	return s.otpResult(false, OtpInvalid), nil
}

func (s *Service) matches(c schema.OtpChallenge, code string) bool {
	want := c.Code
	if len(s.otpKey) > 0 {
		plain, err := vault.Decrypt(c.Code, s.otpKey)
		if err != nil {
			s.logger.Warn("Undecryptable challenge", "email", c.Email, "error", err)
			return false
		}
		want = plain
	}
	return code != "" && subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1
}

func (s *Service) otpResult(ok bool, reason string) OtpResult {
	if ok {
		s.metrics.RecordOtpOutcome("verified")
	} else {
		s.metrics.RecordOtpOutcome(reason)
	}
	return OtpResult{OK: ok, Reason: reason}
}
