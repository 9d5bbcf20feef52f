package domain

// ValidationError is a business-rule violation raised inside a mutation.
// It is passed through the store unchanged.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is matches any ValidationError with the same code.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

func NewValidationError(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message}
}

var (
	ErrUserNotFound     = NewValidationError("USER_NOT_FOUND", "user not found")
	ErrThreadNotFound   = NewValidationError("THREAD_NOT_FOUND", "chat not found")
	ErrMessageNotFound  = NewValidationError("MESSAGE_NOT_FOUND", "message not found")
	ErrReportNotFound   = NewValidationError("REPORT_NOT_FOUND", "report not found")
	ErrSanctionNotFound = NewValidationError("SANCTION_NOT_FOUND", "sanction not found")
	ErrNotMember        = NewValidationError("NOT_MEMBER", "you are not a member of this chat")
	ErrAlreadyMember    = NewValidationError("ALREADY_MEMBER", "user is already a member")
	ErrForbidden        = NewValidationError("FORBIDDEN", "you are not allowed to perform this action")
	ErrNotAuthor        = NewValidationError("NOT_AUTHOR", "only the message author can perform this action")
	ErrEmptyMessage     = NewValidationError("EMPTY_MESSAGE", "message must have text or an attachment")
	ErrUsernameTaken    = NewValidationError("USERNAME_TAKEN", "username already taken")
	ErrEmailTaken       = NewValidationError("EMAIL_TAKEN", "email already taken")
	ErrInvalidCreds     = NewValidationError("INVALID_CREDENTIALS", "invalid email or password")
	ErrBlocked          = NewValidationError("BLOCKED", "this user does not accept your messages")
	ErrSanctioned       = NewValidationError("SANCTIONED", "you are restricted from this action")
	ErrInvalidRole      = NewValidationError("INVALID_ROLE", "invalid role")
	ErrCannotSelf       = NewValidationError("CANNOT_TARGET_SELF", "cannot target yourself")
	ErrTooFewMembers    = NewValidationError("TOO_FEW_MEMBERS", "a group needs at least two members")
	ErrInvalidSignal    = NewValidationError("INVALID_SIGNAL", "invalid call signal")
	ErrReservedUser     = NewValidationError("RESERVED_USER", "this account is managed by the system")
	ErrRateLimited      = NewValidationError("RATE_LIMITED", "too many requests")
)
