package identity

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/goliatone/go-errors"
)

const (
	TextCodeValidation       = "identity_validation"
	TextCodeProviderDisabled = "identity_provider_disabled"
	TextCodeProviderFault    = "identity_provider_fault"
	TextCodeDirectoryFault   = "identity_directory_fault"
	TextCodeConflict         = "identity_conflict"
	TextCodeAlreadyLinked    = "identity_already_linked"
	TextCodeNotLinked        = "identity_not_linked"
	TextCodeLastLink         = "identity_last_link"
	TextCodeProfile          = "identity_profile"
	TextCodeIssuance         = "identity_issuance"
	TextCodeNoSocialLogins   = "identity_no_social_logins"
	TextCodeAccountNotFound  = "identity_account_not_found"
	TextCodeUnauthenticated  = "identity_unauthenticated"
	TextCodeConfig           = "identity_config"
)

// ErrValidation is returned when oauth parameters are missing or malformed.
var ErrValidation = errors.New("both oauth_token and oauth_secret should be specified", errors.CategoryBadInput).
	WithTextCode(TextCodeValidation).
	WithCode(errors.CodeBadRequest)

// ErrProviderDisabled is returned for unknown or disabled providers.
var ErrProviderDisabled = errors.New("social login for provider is not enabled", errors.CategoryBadInput).
	WithTextCode(TextCodeProviderDisabled).
	WithCode(errors.CodeBadRequest)

// ErrProviderFault is returned when the provider handshake or profile fetch fails.
var ErrProviderFault = errors.New("identity provider request failed", errors.CategoryOperation).
	WithTextCode(TextCodeProviderFault).
	WithCode(errors.CodeInternal)

// ErrDirectoryFault is returned when the directory cannot execute a query safely.
var ErrDirectoryFault = errors.New("user directory query failed", errors.CategoryInternal).
	WithTextCode(TextCodeDirectoryFault).
	WithCode(errors.CodeInternal)

// ErrConflict is returned when a concurrent write won a race. Callers should
// resolve again instead of retrying the write.
var ErrConflict = errors.New("concurrent modification detected", errors.CategoryConflict).
	WithTextCode(TextCodeConflict).
	WithCode(errors.CodeConflict)

// ErrAlreadyLinked is returned when the provider identity belongs to another account.
var ErrAlreadyLinked = errors.New("a user with this token already exists and it's not the current user", errors.CategoryConflict).
	WithTextCode(TextCodeAlreadyLinked).
	WithCode(errors.CodeConflict)

// ErrNotLinked is returned when the account has no link for the provider.
var ErrNotLinked = errors.New("account is not linked with provider", errors.CategoryNotFound).
	WithTextCode(TextCodeNotLinked).
	WithCode(errors.CodeNotFound)

// ErrLastLink is returned when unlinking would leave a generated account
// without any login path.
var ErrLastLink = errors.New("account can't be unlinked", errors.CategoryValidation).
	WithTextCode(TextCodeLastLink).
	WithCode(errors.CodeInternal)

// ErrProfile is returned when a resolved account has no usable username.
var ErrProfile = errors.New("username for profile is null", errors.CategoryInternal).
	WithTextCode(TextCodeProfile).
	WithCode(errors.CodeInternal)

// ErrIssuance is returned when the session issuer rejects the exchange.
var ErrIssuance = errors.New("session issuance rejected", errors.CategoryInternal).
	WithTextCode(TextCodeIssuance).
	WithCode(errors.CodeInternal)

// ErrNoSocialLogins is returned when listing links of an account with none.
var ErrNoSocialLogins = errors.New("account has no social logins", errors.CategoryNotFound).
	WithTextCode(TextCodeNoSocialLogins).
	WithCode(errors.CodeNotFound)

// ErrAccountNotFound is returned by directories when no account matches.
var ErrAccountNotFound = errors.New("account not found", errors.CategoryNotFound).
	WithTextCode(TextCodeAccountNotFound).
	WithCode(errors.CodeNotFound)

// ErrUnauthenticated is returned when a request carries no valid session.
var ErrUnauthenticated = errors.New("authentication required", errors.CategoryAuth).
	WithTextCode(TextCodeUnauthenticated).
	WithCode(errors.CodeUnauthorized)

// IsFault reports whether any error in the chain of err carries the text code
// of base.
func IsFault(err error, base *errors.Error) bool {
	if err == nil || base == nil {
		return false
	}

	if richErr, ok := err.(*errors.Error); ok && richErr.TextCode == base.TextCode {
		return true
	}

	switch x := err.(type) {
	case interface{ Unwrap() []error }:
		for _, inner := range x.Unwrap() {
			if IsFault(inner, base) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return IsFault(x.Unwrap(), base)
	}

	return false
}

// IsAccountNotFound reports whether err means the directory had no match.
func IsAccountNotFound(err error) bool {
	return IsFault(err, ErrAccountNotFound)
}

// IsConflict reports whether err is a lost concurrent write.
func IsConflict(err error) bool {
	return IsFault(err, ErrConflict)
}

// StatusFor maps an error to the HTTP status the boundary layer should use.
// The outermost go-errors value in the chain decides.
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var richErr *errors.Error
	if stderrors.As(err, &richErr) && richErr.Code != 0 {
		return richErr.Code
	}

	return http.StatusInternalServerError
}

// TextCodeFor returns the text code attached to err, if any.
func TextCodeFor(err error) string {
	var richErr *errors.Error
	if stderrors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}

// wrapFault classifies cause under base. base stays the outermost go-errors
// value so StatusFor and errors.Is see it first.
func wrapFault(base *errors.Error, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		if msg == "" {
			return base
		}
		return fmt.Errorf("%w: %s", base, msg)
	}
	if msg == "" {
		return fmt.Errorf("%w: %w", base, cause)
	}
	return fmt.Errorf("%w: %s: %w", base, msg, cause)
}
