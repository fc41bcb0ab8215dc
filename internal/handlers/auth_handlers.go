package handlers

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/qcom/phoneauth/internal/errcode"
	"github.com/qcom/phoneauth/internal/service"
	"github.com/sirupsen/logrus"
)

type AuthHandlers struct {
	sessions *service.SessionService
	logger   *logrus.Logger
}

func NewAuthHandlers(sessions *service.SessionService, logger *logrus.Logger) *AuthHandlers {
	return &AuthHandlers{
		sessions: sessions,
		logger:   logger,
	}
}

type InitiateOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
}

type InitiateOTPResponse struct {
	Message     string `json:"message"`
	PhoneNumber string `json:"phone_number"`
	ExpiresIn   int64  `json:"expires_in"`
	// OTP is only present in the development expose-code profile.
	OTP string `json:"otp,omitempty"`
}

type VerifyOTPRequest struct {
	PhoneNumber string `json:"phone_number"`
	OTP         string `json:"otp"`
}

type SessionResponse struct {
	Verified           bool   `json:"verified"`
	IsNew              bool   `json:"is_new"`
	UserID             string `json:"user_id,omitempty"`
	AccessToken        string `json:"access_token,omitempty"`
	RefreshToken       string `json:"refresh_token,omitempty"`
	TokenType          string `json:"token_type,omitempty"`
	ExpiresIn          int64  `json:"expires_in,omitempty"`
	RegistrationTicket string `json:"registration_ticket,omitempty"`
}

type RegisterRequest struct {
	RegistrationTicket string `json:"registration_ticket"`
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type RefreshTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *AuthHandlers) InitiateOTP(w http.ResponseWriter, r *http.Request) {
	var req InitiateOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	res, err := h.sessions.StartChallenge(r.Context(), req.PhoneNumber, clientIP(r))
	if err != nil {
		h.respondWithCode(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, InitiateOTPResponse{
		Message:     "OTP sent successfully",
		PhoneNumber: res.Phone,
		ExpiresIn:   int64(res.TTL.Seconds()),
		OTP:         res.Code,
	})
}

func (h *AuthHandlers) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyOTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	otp := strings.TrimSpace(req.OTP)
	if len(otp) < 4 || len(otp) > 8 {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid OTP format")
		return
	}

	res, err := h.sessions.CompleteChallenge(r.Context(), req.PhoneNumber, otp)
	if err != nil {
		h.respondWithCode(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, sessionResponse(res))
}

func (h *AuthHandlers) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RegistrationTicket == "" {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Registration ticket is required")
		return
	}

	res, err := h.sessions.Register(r.Context(), req.RegistrationTicket)
	if err != nil {
		h.respondWithCode(w, err)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, sessionResponse(res))
}

func (h *AuthHandlers) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	if req.RefreshToken == "" {
		h.respondWithError(w, http.StatusBadRequest, "MISSING_TOKEN", "Refresh token is required")
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		h.respondWithCode(w, err)
		return
	}

	h.respondWithJSON(w, http.StatusOK, RefreshTokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
	})
}

// Logout always succeeds; an unknown or already revoked token is ignored.
func (h *AuthHandlers) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshTokenRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	h.sessions.Logout(r.Context(), req.RefreshToken)

	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"message": "Logged out successfully",
	})
}

func sessionResponse(res *service.SessionResult) SessionResponse {
	out := SessionResponse{
		Verified:           res.Verified,
		IsNew:              res.IsNew,
		UserID:             res.UserID,
		RegistrationTicket: res.RegistrationTicket,
	}
	if pair := res.Tokens; pair != nil {
		out.AccessToken = pair.AccessToken
		out.RefreshToken = pair.RefreshToken
		out.TokenType = pair.TokenType
		out.ExpiresIn = pair.ExpiresIn
	}
	return out
}

// statusFor maps an error code to its HTTP status.
func statusFor(code errcode.Code) int {
	switch code {
	case errcode.InvalidPhone, errcode.NoCode:
		return http.StatusBadRequest
	case errcode.InvalidCode, errcode.Expired, errcode.ReuseDetected:
		return http.StatusUnauthorized
	case errcode.TooManyAttempts:
		return http.StatusForbidden
	case errcode.AlreadyUsed:
		return http.StatusConflict
	case errcode.ResendCooldown, errcode.RateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

var messages = map[errcode.Code]string{
	errcode.InvalidPhone:    "Invalid phone number format",
	errcode.ResendCooldown:  "Please wait before requesting another code",
	errcode.RateLimited:     "Too many requests",
	errcode.NoCode:          "No active code for this phone number",
	errcode.Expired:         "Code or token has expired",
	errcode.AlreadyUsed:     "Already used",
	errcode.TooManyAttempts: "Too many failed attempts, request a new code",
	errcode.InvalidCode:     "Invalid code",
	errcode.ReuseDetected:   "Session is no longer valid, sign in again",
	errcode.SystemError:     "Internal error, try again later",
}

func (h *AuthHandlers) respondWithCode(w http.ResponseWriter, err error) {
	code := errcode.CodeOf(err)
	if code == errcode.SystemError {
		h.logger.WithError(err).Error("Request failed")
	}
	if ra := errcode.RetryAfterOf(err); ra > 0 {
		w.Header().Set("Retry-After", retryAfterSeconds(ra))
	}
	h.respondWithError(w, statusFor(code), string(code), messages[code])
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(int(math.Ceil(d.Seconds())))
}

func (h *AuthHandlers) respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.WithError(err).Warn("Failed to write response")
	}
}

func (h *AuthHandlers) respondWithError(w http.ResponseWriter, status int, code, message string) {
	h.respondWithJSON(w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// clientIP is the peer address of the connection. Forwarding headers are not
// trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
