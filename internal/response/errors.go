package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrStudentAccessOnly ErrCode = "STUDENT_ACCESS_ONLY"
	ErrProctorAccessOnly ErrCode = "PROCTOR_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation     ErrCode = "VALIDATION_ERROR"
	ErrInvalidID      ErrCode = "INVALID_ID"
	ErrInvalidPayload ErrCode = "INVALID_PAYLOAD"

	// ─── Attempt-specific ──────────────────────────────────────────────
	ErrSessionNotFound   ErrCode = "SESSION_NOT_FOUND"
	ErrSessionActive     ErrCode = "SESSION_ALREADY_ACTIVE"
	ErrSessionTerminated ErrCode = "SESSION_TERMINATED"
	ErrNoResumeOffer     ErrCode = "NO_RESUME_OFFER"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Token autentikasi diperlukan."
	case ErrTokenInvalid:
		return "Token autentikasi tidak valid."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrStudentAccessOnly:
		return "Sumber daya ini terbatas untuk siswa."
	case ErrProctorAccessOnly:
		return "Sumber daya ini terbatas untuk pengawas."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validasi gagal. Silakan periksa masukan Anda."
	case ErrInvalidID:
		return "Format ID tidak valid."
	case ErrInvalidPayload:
		return "Payload permintaan tidak valid."

	// ─── Attempt-specific ──────────────────────────────────────────────
	case ErrSessionNotFound:
		return "Tidak ada sesi ujian yang aktif."
	case ErrSessionActive:
		return "Ujian ini sudah dibuka di perangkat atau tab lain."
	case ErrSessionTerminated:
		return "Sesi ujian sudah berakhir."
	case ErrNoResumeOffer:
		return "Tidak ada ujian yang dapat dilanjutkan."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Terlalu banyak permintaan. Silakan coba lagi nanti."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Terjadi kesalahan server internal."
	default:
		return "Terjadi kesalahan yang tidak terduga."
	}
}

// HTTPStatus returns the status code a given error code is served with.
func HTTPStatus(code ErrCode) int {
	switch code {
	case ErrTokenRequired, ErrTokenInvalid:
		return 401
	case ErrStudentAccessOnly, ErrProctorAccessOnly:
		return 403
	case ErrValidation, ErrInvalidID, ErrInvalidPayload:
		return 400
	case ErrSessionNotFound, ErrNoResumeOffer:
		return 404
	case ErrSessionActive, ErrSessionTerminated:
		return 409
	case ErrRateLimitExceeded:
		return 429
	default:
		return 500
	}
}
