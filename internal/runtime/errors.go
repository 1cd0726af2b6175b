package runtime

import (
	"errors"

	"panthalassa/go-core/internal/apperr"
	"panthalassa/go-core/internal/chat"
	"panthalassa/go-core/internal/crypto"
	"panthalassa/go-core/internal/dapp"
	"panthalassa/go-core/internal/identity"
	"panthalassa/go-core/internal/profile"
	"panthalassa/go-core/internal/storage"
)

type errorCode struct {
	err  error
	kind apperr.Kind
	code string
}

var domainErrors = []errorCode{
	{identity.ErrInvalidMnemonic, apperr.KindValidation, "invalid_mnemonic"},
	{identity.ErrInvalidPassword, apperr.KindValidation, "invalid_password"},
	{identity.ErrPasswordRequired, apperr.KindValidation, "password_required"},
	{identity.ErrPasswordMismatch, apperr.KindValidation, "password_mismatch"},
	{identity.ErrMnemonicRequired, apperr.KindValidation, "mnemonic_required"},
	{identity.ErrSeedNotAvailable, apperr.KindValidation, "key_manager_required"},
	{identity.ErrInvalidKeyManager, apperr.KindValidation, "invalid_key_manager"},
	{identity.ErrInvalidContactKey, apperr.KindValidation, "invalid_contact_key"},
	{identity.ErrInvalidEthKey, apperr.KindValidation, "invalid_eth_key"},
	{identity.ErrPasswordLocked, apperr.KindState, "password_locked"},
	{profile.ErrInvalidSignature, apperr.KindValidation, "invalid_signature"},
	{profile.ErrInvalidProfile, apperr.KindValidation, "invalid_profile"},
	{dapp.ErrBundleSignature, apperr.KindValidation, "invalid_signature"},
	{dapp.ErrInvalidBundle, apperr.KindValidation, "invalid_bundle"},
	{storage.ErrUnknownCursor, apperr.KindValidation, "unknown_cursor"},
	{storage.ErrInvalidPageSize, apperr.KindValidation, "invalid_page_size"},
	{storage.ErrContactKeyMismatch, apperr.KindValidation, "contact_key_mismatch"},
	{storage.ErrMessageIDConflict, apperr.KindState, "message_id_conflict"},
	{chat.ErrUnknownContact, apperr.KindValidation, "unknown_contact"},
	{chat.ErrInvalidMessage, apperr.KindValidation, "invalid_message"},
	{crypto.ErrInvalidPeerKey, apperr.KindValidation, "invalid_contact_key"},
}

// mapError turns domain errors into coded application errors. Foreign
// errors are left to the dispatcher, which reports them as internal.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, chat.ErrNotRunning) {
		return apperr.Wrap(apperr.ErrNotStarted, "chat transport is down")
	}
	for _, known := range domainErrors {
		if errors.Is(err, known.err) {
			return &apperr.Error{Kind: known.kind, Code: known.code, Message: err.Error()}
		}
	}
	return err
}

// coded maps err and wraps anything left as internal. err must not be nil.
func coded(err error) error {
	return apperr.Internal(mapError(err))
}
