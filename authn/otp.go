package authn

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/tidegate/oauth-idp/storage"
)

const (
	// otpLength is the number of digits in a one-time code
	otpLength = 6

	// otpTTL is how long an issued code stays redeemable
	otpTTL = 5 * time.Minute

	// maxOTPAttempts bounds verification attempts per issued code. A 6-digit
	// code with unlimited attempts is brute-forceable in seconds.
	maxOTPAttempts = 5
)

// CodeSender delivers a one-time code to a phone number (SMS gateway, test
// capture, ...).
type CodeSender interface {
	SendCode(ctx context.Context, phone, code string) error
}

// SubjectResolver maps a verified phone number to its subject ID.
type SubjectResolver interface {
	// SubjectForPhone returns the subject ID for a phone number.
	// Unknown numbers return ErrAuthenticationFailed.
	SubjectForPhone(ctx context.Context, phone string) (string, error)
}

type issuedCode struct {
	codeHash  string
	expiresAt time.Time
	attempts  int
}

// OTPAuthenticator authenticates phone+code credentials. Codes are requested
// via RequestCode, delivered by the CodeSender, and redeemed through
// Authenticate. Only the code's hash is kept in memory.
type OTPAuthenticator struct {
	sender   CodeSender
	resolver SubjectResolver
	logger   *slog.Logger

	mu    sync.Mutex
	codes map[string]*issuedCode // phone -> pending code
}

var _ Authenticator = (*OTPAuthenticator)(nil)

// NewOTPAuthenticator creates a phone-OTP authenticator.
func NewOTPAuthenticator(sender CodeSender, resolver SubjectResolver, logger *slog.Logger) (*OTPAuthenticator, error) {
	if sender == nil {
		return nil, fmt.Errorf("code sender cannot be nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("subject resolver cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OTPAuthenticator{
		sender:   sender,
		resolver: resolver,
		logger:   logger,
		codes:    make(map[string]*issuedCode),
	}, nil
}

// Method implements Authenticator.
func (a *OTPAuthenticator) Method() string { return "phone_otp" }

// RequestCode generates a fresh code for the phone number and hands it to
// the sender. A second request replaces any pending code.
func (a *OTPAuthenticator) RequestCode(ctx context.Context, phone string) error {
	if phone == "" {
		return fmt.Errorf("%w: phone required", ErrMissingCredential)
	}

	code, err := generateNumericCode(otpLength)
	if err != nil {
		return fmt.Errorf("failed to generate code: %w", err)
	}

	if err := a.sender.SendCode(ctx, phone, code); err != nil {
		return fmt.Errorf("failed to send code: %w", err)
	}

	a.mu.Lock()
	a.codes[phone] = &issuedCode{
		codeHash:  storage.HashToken(code),
		expiresAt: time.Now().Add(otpTTL),
	}
	a.mu.Unlock()

	a.logger.Debug("Issued one-time code",
		"phone_hash", storage.HashToken(phone)[:8])
	return nil
}

// Authenticate implements Authenticator. It redeems a pending code for the
// phone number; success consumes the code.
func (a *OTPAuthenticator) Authenticate(ctx context.Context, credentials Credentials) (string, error) {
	phone := credentials.Get(FieldPhone)
	code := credentials.Get(FieldCode)
	if phone == "" || code == "" {
		return "", fmt.Errorf("%w: phone and code required", ErrMissingCredential)
	}

	a.mu.Lock()
	pending, ok := a.codes[phone]
	if !ok {
		a.mu.Unlock()
		return "", ErrAuthenticationFailed
	}
	if time.Now().After(pending.expiresAt) {
		delete(a.codes, phone)
		a.mu.Unlock()
		return "", ErrAuthenticationFailed
	}
	pending.attempts++
	if pending.attempts > maxOTPAttempts {
		delete(a.codes, phone)
		a.mu.Unlock()
		a.logger.Warn("One-time code attempt limit exceeded",
			"phone_hash", storage.HashToken(phone)[:8])
		return "", ErrAuthenticationFailed
	}

	match := subtle.ConstantTimeCompare(
		[]byte(pending.codeHash),
		[]byte(storage.HashToken(code)),
	) == 1
	if match {
		// Single use.
		delete(a.codes, phone)
	}
	a.mu.Unlock()

	if !match {
		return "", ErrAuthenticationFailed
	}

	return a.resolver.SubjectForPhone(ctx, phone)
}

func generateNumericCode(digits int) (string, error) {
	max := big.NewInt(1)
	for i := 0; i < digits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", digits, n), nil
}
