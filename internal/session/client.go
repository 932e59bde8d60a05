package session

import (
	"context"
	"errors"
)

// Platform error taxonomy. Call sites classify results with MemberError and
// Fatal rather than matching individual sentinels.
var (
	// ErrInvalidCode means the verification code was rejected by the platform.
	ErrInvalidCode = errors.New("invalid verification code")
	// ErrGroupUnavailable means a group could not be resolved or listed.
	ErrGroupUnavailable = errors.New("group unavailable")
	// ErrAlreadyMember means the member is already in the target group.
	ErrAlreadyMember = errors.New("already a member")
	// ErrPrivacyRestricted means the member's privacy settings block the add.
	ErrPrivacyRestricted = errors.New("privacy restricted")
	// ErrRateLimited means the platform throttled the operation.
	ErrRateLimited = errors.New("rate limited by platform")
	// ErrSessionInvalid means the account session is expired, revoked or banned.
	// It aborts a running job; everything else is recoverable.
	ErrSessionInvalid = errors.New("session invalid")
)

// Member is one group participant as listed by the platform.
type Member struct {
	ID       string `json:"id"`
	Username string `json:"username,omitempty"`
}

// Client is the capability set the engine requires from the messaging platform.
// Implementations: Sim (deterministic, default) and wa.Client (whatsmeow).
type Client interface {
	// RequestCode dispatches a verification code to the phone number.
	RequestCode(ctx context.Context, phone string) error
	// VerifyCode validates the code and returns the opaque session credential.
	// Returns ErrInvalidCode when the code is wrong.
	VerifyCode(ctx context.Context, phone, code string) (string, error)
	// ListMembers returns the group's participants in listing order.
	ListMembers(ctx context.Context, group, credential string) ([]Member, error)
	// AddMember adds one member to the group. Per-member failures are reported
	// via the error taxonomy above and never abort the caller's loop.
	AddMember(ctx context.Context, group string, member Member, credential string) error
}

// MemberError reports whether err is an expected, non-fatal per-member failure.
func MemberError(err error) bool {
	return errors.Is(err, ErrAlreadyMember) ||
		errors.Is(err, ErrPrivacyRestricted) ||
		errors.Is(err, ErrRateLimited)
}

// Fatal reports whether err invalidates the whole account session.
func Fatal(err error) bool {
	return errors.Is(err, ErrSessionInvalid)
}
