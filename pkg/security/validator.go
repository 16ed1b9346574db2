// Package security validates user-supplied request fields and derives the
// panel identifiers (handles, emails, instance names, secrets) built from them.
package security

import (
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/panelbroker/gamebroker/pkg/errors"
)

// Panel limits for derived identifiers.
const (
	MaxHandleLength       = 20
	MaxInstanceNameLength = 30
	DefaultSecretLength   = 12

	handleSuffixDigits = 6
)

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"

// Limits bounds the free-text fields accepted from users and admins.
type Limits struct {
	MaxUsernameLength int
	MaxReasonLength   int
}

// DefaultLimits matches what chat front ends allow for display names and modal text.
var DefaultLimits = Limits{
	MaxUsernameLength: 100,
	MaxReasonLength:   1000,
}

// Validator checks request input and derives panel identifiers.
type Validator struct {
	limits      Limits
	emailDomain string
}

// NewValidator creates a new validator. emailDomain is used for synthesized account emails.
func NewValidator(limits Limits, emailDomain string) *Validator {
	if limits.MaxUsernameLength <= 0 {
		limits.MaxUsernameLength = DefaultLimits.MaxUsernameLength
	}
	if limits.MaxReasonLength <= 0 {
		limits.MaxReasonLength = DefaultLimits.MaxReasonLength
	}
	if emailDomain == "" {
		emailDomain = "discord.local"
	}

	slog.Debug("security_validator_init",
		"max_username_length", limits.MaxUsernameLength,
		"max_reason_length", limits.MaxReasonLength,
		"email_domain", emailDomain)

	return &Validator{limits: limits, emailDomain: emailDomain}
}

// ValidateRequester checks the requester ID and display name of a submission.
func (v *Validator) ValidateRequester(requesterID int64, username string) error {
	if requesterID <= 0 {
		return fmt.Errorf("%w: requester id must be positive", errors.ErrInvalidInput)
	}

	name := strings.TrimSpace(username)
	if name == "" {
		return fmt.Errorf("%w: username cannot be empty", errors.ErrInvalidInput)
	}
	if n := utf8.RuneCountInString(name); n > v.limits.MaxUsernameLength {
		slog.Warn("security_username_too_long", "requester_id", requesterID, "length", n)
		return fmt.Errorf("%w: username longer than %d characters", errors.ErrInvalidInput, v.limits.MaxUsernameLength)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: username contains control characters", errors.ErrInvalidInput)
		}
	}
	return nil
}

// ValidateActor checks an admin or requester ID performing a decision.
func (v *Validator) ValidateActor(actorID int64) error {
	if actorID <= 0 {
		return fmt.Errorf("%w: actor id must be positive", errors.ErrInvalidInput)
	}
	return nil
}

// ValidateReason checks a rejection reason. Empty reasons are allowed.
func (v *Validator) ValidateReason(reason string) error {
	if n := utf8.RuneCountInString(reason); n > v.limits.MaxReasonLength {
		return fmt.Errorf("%w: reason longer than %d characters", errors.ErrInvalidInput, v.limits.MaxReasonLength)
	}
	return nil
}

// ValidateTemplateID checks a panel template reference.
func (v *Validator) ValidateTemplateID(id int) error {
	if id <= 0 {
		return fmt.Errorf("%w: template id must be positive, got %d", errors.ErrInvalidInput, id)
	}
	return nil
}

// Handle derives the panel username for a requester: lower-cased, spaces
// replaced by underscores, other unsupported characters dropped, and
// truncated to MaxHandleLength. Names that sanitize to nothing fall back to
// user_<id>.
func (v *Validator) Handle(requesterID int64, username string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(username)) {
		switch {
		case r == ' ':
			b.WriteRune('_')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			b.WriteRune(r)
		}
	}

	handle := b.String()
	if handle == "" {
		handle = fmt.Sprintf("user_%d", requesterID)
	}
	return truncate(handle, MaxHandleLength)
}

// DisambiguateHandle makes handle specific to requesterID by appending the
// last digits of the ID, keeping the result within MaxHandleLength.
func DisambiguateHandle(handle string, requesterID int64) string {
	id := strconv.FormatInt(requesterID, 10)
	if len(id) > handleSuffixDigits {
		id = id[len(id)-handleSuffixDigits:]
	}
	suffix := "_" + id
	return truncate(handle, MaxHandleLength-len(suffix)) + suffix
}

// Email synthesizes the account email for a handle.
func (v *Validator) Email(handle string) string {
	return handle + "@" + v.emailDomain
}

// InstanceName builds the panel instance name for an owner and game.
func (v *Validator) InstanceName(owner, game string) string {
	return truncate(fmt.Sprintf("%s_%s_server", owner, game), MaxInstanceNameLength)
}

// GenerateSecret returns a random password of the given length drawn from
// letters, digits and !@#$%^&*.
func GenerateSecret(length int) (string, error) {
	if length <= 0 {
		length = DefaultSecretLength
	}

	max := big.NewInt(int64(len(secretAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", errors.Wrap(err, "failed to read random bytes")
		}
		out[i] = secretAlphabet[n.Int64()]
	}
	return string(out), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
