package handlers

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/saborly/apiserver/internal/services"
	"github.com/saborly/apiserver/types"
	"go.uber.org/zap"
)

const (
	maxMultipartMemory = 32 << 20
	maxDocumentBytes   = 10 << 20

	formFieldEmail             = "email"
	formFieldDisplayName       = "display_name"
	formFieldPassword          = "password"
	formFieldCardHolderName    = "card_holder_name"
	formFieldCardLastFour      = "card_last_four"
	formFieldCardToken         = "card_token"
	formFieldDocumentTxnNumber = "document_transaction_number"
	formFieldDocumentFront     = "document_front"
	formFieldDocumentBack      = "document_back"

	resetRequestedMessage = "if an account exists for this email, a reset token has been sent"
)

// Registrar runs the signup flow.
type Registrar interface {
	Initiate(ctx context.Context, username, email, role string) error
	CheckCode(ctx context.Context, email, code string) error
	VerifyEmail(ctx context.Context, email, code string) (types.AccountSummary, error)
	Complete(ctx context.Context, in services.CompleteRegistrationInput) (services.Session, error)
}

// PasswordResetter runs the password reset flow.
type PasswordResetter interface {
	RequestReset(ctx context.Context, email string) error
	VerifyToken(ctx context.Context, email, token string) error
	ConfirmReset(ctx context.Context, email, token, newPassword string) error
}

// AccountManager covers login and profile management.
type AccountManager interface {
	Login(ctx context.Context, email, password string) (services.Session, error)
	Get(ctx context.Context, id string) (types.Account, error)
	UpdateProfile(ctx context.Context, id string, update services.ProfileUpdate) (types.AccountSummary, error)
	Review(ctx context.Context, id string) (services.AccountReview, error)
}

// AuthHandler serves the credential lifecycle endpoints.
type AuthHandler struct {
	registration Registrar
	resets       PasswordResetter
	accounts     AccountManager
	logger       *zap.Logger
}

func NewAuthHandler(registration Registrar, resets PasswordResetter, accounts AccountManager, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		registration: registration,
		resets:       resets,
		accounts:     accounts,
		logger:       logger,
	}
}

// AuthRouter registers auth routes on the given router. gate.Resolve must
// already run for every request.
func AuthRouter(r chi.Router, h *AuthHandler, gate *Gate) {
	r.Post("/initial-register", h.InitialRegister)
	r.Post("/verify-registration-code", h.VerifyRegistrationCode)
	r.Post("/verify-email", h.VerifyEmail)
	r.Post("/complete-registration", h.CompleteRegistration)
	r.Post("/login", h.Login)

	r.Post("/request-reset", h.RequestReset)
	r.Post("/verify-token", h.VerifyToken)
	r.Post("/reset-password", h.ResetPassword)

	r.With(gate.RequireAuthenticated).Get("/user", h.GetUser)
	r.With(gate.RequireAuthenticated).Put("/user", h.UpdateUser)
	r.With(gate.RequireRole(types.RoleAdministrator)).Get("/accounts/{accountID}", h.GetAccount)
}

type InitialRegisterRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Email    string `json:"email" validate:"required,email"`
	Role     string `json:"role" validate:"required"`
}

type CodeRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required"`
}

type CompleteRegistrationRequest struct {
	Email                     string `json:"email" validate:"required,email"`
	DisplayName               string `json:"display_name" validate:"required,max=128"`
	Password                  string `json:"password" validate:"required,min=8,max=72"`
	CardHolderName            string `json:"card_holder_name"`
	CardLastFour              string `json:"card_last_four" validate:"omitempty,len=4,numeric"`
	CardToken                 string `json:"card_token"`
	DocumentTransactionNumber string `json:"document_transaction_number"`
}

type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UpdateUserRequest struct {
	DisplayName *string `json:"display_name" validate:"omitempty,min=1,max=128"`
	Email       *string `json:"email" validate:"omitempty,email"`
	Password    *string `json:"password" validate:"omitempty,min=8,max=72"`
}

type ResetRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type TokenRequest struct {
	Email string `json:"email" validate:"required,email"`
	Token string `json:"token" validate:"required"`
}

type ResetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Token       string `json:"token" validate:"required"`
	NewPassword string `json:"new_password" validate:"required,min=8,max=72"`
}

// InitialRegister creates a pending account and emails a verification code.
func (h *AuthHandler) InitialRegister(w http.ResponseWriter, r *http.Request) {
	var req InitialRegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if err := h.registration.Initiate(r.Context(), req.Username, req.Email, req.Role); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeMessage(w, http.StatusCreated, "verification code sent")
}

// VerifyRegistrationCode checks a code without consuming it.
func (h *AuthHandler) VerifyRegistrationCode(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if err := h.registration.CheckCode(r.Context(), req.Email, req.Code); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeMessage(w, http.StatusOK, "verification code is valid")
}

// VerifyEmail confirms the email address through the emailed code.
func (h *AuthHandler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req CodeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	summary, err := h.registration.VerifyEmail(r.Context(), req.Email, req.Code)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// CompleteRegistration accepts JSON, or multipart form data when identity
// documents are attached.
func (h *AuthHandler) CompleteRegistration(w http.ResponseWriter, r *http.Request) {
	var (
		req         CompleteRegistrationRequest
		front, back *services.Document
		err         error
	)

	if isMultipart(r) {
		req, front, back, err = parseCompleteRegistrationForm(r)
		if err == nil {
			err = validateStruct(&req)
		}
	} else {
		err = decodeJSON(r, &req)
	}
	if err != nil {
		writeRequestError(w, err)
		return
	}

	session, err := h.registration.Complete(r.Context(), services.CompleteRegistrationInput{
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Password:    req.Password,
		Student: services.StudentDetails{
			CardHolderName:            req.CardHolderName,
			CardLastFour:              req.CardLastFour,
			CardToken:                 req.CardToken,
			DocumentTransactionNumber: req.DocumentTransactionNumber,
		},
		Front: front,
		Back:  back,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

// Login verifies credentials and returns a session token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	session, err := h.accounts.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// GetUser returns the signed-in account.
func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	identity := IdentityFromContext(r.Context())
	account, err := h.accounts.Get(r.Context(), identity.AccountID)
	if err != nil {
		if services.KindOf(err) == services.KindNotFound {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, account.Summary())
}

// UpdateUser overwrites the provided profile fields of the signed-in account.
func (h *AuthHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	identity := IdentityFromContext(r.Context())
	summary, err := h.accounts.UpdateProfile(r.Context(), identity.AccountID, services.ProfileUpdate{
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Password:    req.Password,
	})
	if err != nil {
		if services.KindOf(err) == services.KindNotFound {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// RequestReset always answers with the same message so callers cannot
// learn whether the email is registered.
func (h *AuthHandler) RequestReset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if err := h.resets.RequestReset(r.Context(), req.Email); err != nil {
		h.logger.Error("request password reset", zap.Error(err))
	}
	writeMessage(w, http.StatusOK, resetRequestedMessage)
}

// VerifyToken checks a reset token without consuming it.
func (h *AuthHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if err := h.resets.VerifyToken(r.Context(), req.Email, req.Token); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeMessage(w, http.StatusOK, "reset token is valid")
}

// ResetPassword consumes a reset token and sets the new password.
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req ResetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if err := h.resets.ConfirmReset(r.Context(), req.Email, req.Token, req.NewPassword); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeMessage(w, http.StatusOK, "password has been reset")
}

// GetAccount returns any account with its student profile. Administrators only.
func (h *AuthHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	review, err := h.accounts.Review(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, review)
}

func isMultipart(r *http.Request) bool {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && strings.EqualFold(mediaType, "multipart/form-data")
}

func parseCompleteRegistrationForm(r *http.Request) (CompleteRegistrationRequest, *services.Document, *services.Document, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return CompleteRegistrationRequest{}, nil, nil, &requestError{message: "invalid multipart form"}
	}

	req := CompleteRegistrationRequest{
		Email:                     strings.TrimSpace(r.FormValue(formFieldEmail)),
		DisplayName:               strings.TrimSpace(r.FormValue(formFieldDisplayName)),
		Password:                  r.FormValue(formFieldPassword),
		CardHolderName:            strings.TrimSpace(r.FormValue(formFieldCardHolderName)),
		CardLastFour:              strings.TrimSpace(r.FormValue(formFieldCardLastFour)),
		CardToken:                 strings.TrimSpace(r.FormValue(formFieldCardToken)),
		DocumentTransactionNumber: strings.TrimSpace(r.FormValue(formFieldDocumentTxnNumber)),
	}

	front, err := parseDocument(r.MultipartForm, formFieldDocumentFront)
	if err != nil {
		return CompleteRegistrationRequest{}, nil, nil, err
	}
	back, err := parseDocument(r.MultipartForm, formFieldDocumentBack)
	if err != nil {
		return CompleteRegistrationRequest{}, nil, nil, err
	}
	return req, front, back, nil
}

// parseDocument returns nil when the field is absent.
func parseDocument(form *multipart.Form, field string) (*services.Document, error) {
	if form == nil {
		return nil, nil
	}
	files := form.File[field]
	if len(files) == 0 {
		return nil, nil
	}
	if len(files) > 1 {
		return nil, &requestError{message: fmt.Sprintf("only one %s file is allowed", field)}
	}

	header := files[0]
	file, err := header.Open()
	if err != nil {
		return nil, &requestError{message: fmt.Sprintf("failed to read %s", field)}
	}
	data, err := readFileLimited(file, maxDocumentBytes)
	_ = file.Close()
	if err != nil {
		return nil, &requestError{message: fmt.Sprintf("%s: %v", field, err)}
	}
	if len(data) == 0 {
		return nil, &requestError{message: fmt.Sprintf("%s is empty", field)}
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	return &services.Document{
		Filename:    header.Filename,
		ContentType: contentType,
		Size:        int64(len(data)),
		Body:        bytes.NewReader(data),
	}, nil
}
