package domain

import apperrors "castdeck/pkg/errors"

// Sentinels are matched with errors.Is; derive specific errors with Withf or Wrap.
var (
	ErrAcquisitionDenied = apperrors.NewAcquisitionDeniedError("capture permission denied")
	ErrAcquisitionFailed = apperrors.NewAcquisitionFailedError("capture device unavailable")

	ErrNegotiationFailed = apperrors.NewNegotiationFailedError("guest negotiation failed")
	ErrGuestLost         = apperrors.NewGuestLostError("guest connection lost")

	ErrInvalidCredentials = apperrors.NewInvalidCredentialsError("platform rejected credentials")
	ErrConnectionRefused  = apperrors.NewConnectionRefusedError("platform refused connection")
	ErrPlatformLost       = apperrors.NewPlatformLostError("platform connection lost")

	ErrInvalidState      = apperrors.NewInvalidStateError("operation not allowed in current state")
	ErrAlreadyActive     = apperrors.NewAlreadyActiveError("source already active")
	ErrAlreadyPublishing = apperrors.NewAlreadyPublishingError("platform already publishing")

	ErrGuestNotFound    = apperrors.NewNotFoundError("guest")
	ErrPlatformNotFound = apperrors.NewNotFoundError("platform")
	ErrOverlayNotFound  = apperrors.NewNotFoundError("overlay")
	ErrSourceNotFound   = apperrors.NewNotFoundError("source")
	ErrSessionNotFound  = apperrors.NewNotFoundError("session")
	ErrInvalidOverlay   = apperrors.NewInvalidInputError("invalid overlay")
	ErrInvalidInput     = apperrors.NewInvalidInputError("invalid input")
)
