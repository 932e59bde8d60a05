package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"tgauto/internal/model"
	"tgauto/internal/session"
	"tgauto/internal/storage"
)

var (
	// ErrPhoneRequired is returned for an empty phone number.
	ErrPhoneRequired = errors.New("phone_number required")
	// ErrCodeNotRequested is returned when verifying a phone number that has
	// no outstanding code request. Guards against cross-account code injection:
	// the code must be verified against the phone that requested it.
	ErrCodeNotRequested = errors.New("no verification code requested for this phone")
	// ErrExternalService is returned when the platform call itself failed;
	// account state is unchanged and the operation is safe to retry.
	ErrExternalService = errors.New("messaging platform unavailable")
)

// Flow drives accounts through the authentication state machine:
// pending -> code_requested -> authenticated, with failed reachable on a bad
// code and code_requested re-enterable from failed.
type Flow struct {
	store  *storage.Store
	client session.Client
	log    zerolog.Logger
}

func New(store *storage.Store, client session.Client, log zerolog.Logger) *Flow {
	return &Flow{store: store, client: client, log: log.With().Str("component", "auth").Logger()}
}

// RequestCode dispatches a verification code for the phone number, creating
// the account when absent. On platform failure the account keeps its previous
// status.
func (f *Flow) RequestCode(ctx context.Context, phone string) (string, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", ErrPhoneRequired
	}
	acc, created, err := f.store.GetOrCreateAccount(phone)
	if err != nil {
		return "", err
	}
	if err := f.client.RequestCode(ctx, phone); err != nil {
		f.log.Error().Err(err).Str("phone", phone).Msg("request code failed")
		return acc.ID, fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	if err := f.store.UpdateAccountStatus(acc.ID, model.StatusCodeRequested); err != nil {
		return acc.ID, err
	}
	f.log.Info().Str("account", acc.ID).Bool("created", created).Msg("verification code requested")
	return acc.ID, nil
}

// VerifyCode validates the code for the phone that requested it. A wrong code
// moves the account to failed; the operator recovers by re-requesting a code.
func (f *Flow) VerifyCode(ctx context.Context, phone, code string) error {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ErrPhoneRequired
	}
	acc, err := f.store.AccountByPhone(phone)
	if err != nil {
		return err
	}
	if acc.Status != model.StatusCodeRequested {
		return ErrCodeNotRequested
	}
	credential, err := f.client.VerifyCode(ctx, phone, code)
	if err != nil {
		if errors.Is(err, session.ErrInvalidCode) {
			if uerr := f.store.UpdateAccountStatus(acc.ID, model.StatusFailed); uerr != nil {
				return uerr
			}
			f.log.Warn().Str("account", acc.ID).Msg("invalid verification code")
			return err
		}
		return fmt.Errorf("%w: %w", ErrExternalService, err)
	}
	if err := f.store.SetAccountCredential(acc.ID, credential); err != nil {
		return err
	}
	f.log.Info().Str("account", acc.ID).Msg("account authenticated")
	return nil
}

// Activate makes the account the single active one. The store applies the
// switch transactionally so the at-most-one-active invariant holds.
func (f *Flow) Activate(id string) error {
	if err := f.store.ActivateAccount(id); err != nil {
		return err
	}
	f.log.Info().Str("account", id).Msg("account activated")
	return nil
}

// Delete removes the account. Run history is kept (weak reference); if the
// account was active, the engine is left with no active account.
func (f *Flow) Delete(id string) error {
	if err := f.store.DeleteAccount(id); err != nil {
		return err
	}
	f.log.Info().Str("account", id).Msg("account deleted")
	return nil
}
