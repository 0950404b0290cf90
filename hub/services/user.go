package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"claas/hub/auth"
	"claas/hub/schema"
	"claas/hub/storage"
	"claas/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

type UserService struct {
	db       *gorm.DB
	storage  storage.Storage
	userAuth *auth.IdentityProvider
}

// AuthRoutes are the unauthenticated login endpoints mounted under /auth.
func (s *UserService) AuthRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/login", s.Login)

	r.Group(func(r chi.Router) {
		r.Use(s.userAuth.AuthMiddleware()...)
		r.Post("/logout", s.Logout)
	})

	return r
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

func (s *UserService) Register(w http.ResponseWriter, r *http.Request) {
	var params registerRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := validateName(params.Username); err != nil {
		writeError(w, err)
		return
	}
	if params.Password == "" {
		http.Error(w, "password cannot be empty", http.StatusBadRequest)
		return
	}

	userId, err := s.userAuth.CreateUser(params.Username, params.Email, params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrEmailAlreadyInUse):
			responseCode = http.StatusConflict
		case errors.Is(err, auth.ErrUsernameAlreadyInUse):
			responseCode = http.StatusConflict
		}
		http.Error(w, err.Error(), responseCode)
		return
	}

	slog.Info("registered new user", "username", params.Username, "user_id", userId)

	utils.WriteJsonResponseStatus(w, registerResponse{UserId: userId}, http.StatusCreated)
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	var params loginRequest

	// Basic auth is accepted as an alternative to the json body.
	if username, password, ok := r.BasicAuth(); ok {
		params = loginRequest{Username: username, Password: password}
	} else if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	login, err := s.userAuth.Login(params.Username, params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		switch {
		case errors.Is(err, auth.ErrUserNotFoundWithName):
			responseCode = http.StatusNotFound
		case errors.Is(err, auth.ErrInvalidCredentials):
			responseCode = http.StatusUnauthorized
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	utils.WriteJsonResponse(w, loginResponse{UserId: login.UserId, AccessToken: login.AccessToken})
}

// Logout is a no-op on the server: tokens are stateless and expire via their
// TTL. The endpoint exists so clients have a uniform lifecycle to call.
func (s *UserService) Logout(w http.ResponseWriter, r *http.Request) {
	utils.WriteSuccess(w)
}

type UserInfo struct {
	Id         uuid.UUID `json:"id"`
	Username   string    `json:"username"`
	Email      string    `json:"email"`
	Admin      bool      `json:"admin"`
	Workspaces []string  `json:"workspaces"`

	TokenExpiration time.Time `json:"token_expiration"`
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	username, err := utils.URLParam(r, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	user, err := schema.GetUserByName(username, s.db)
	if err != nil {
		writeError(w, err)
		return
	}

	var workspaces []schema.Workspace
	result := s.db.Order("name").Find(&workspaces, "user_id = ?", user.Id)
	if result.Error != nil {
		slog.Error("sql error listing user workspaces", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error getting user info: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	info := UserInfo{
		Id:         user.Id,
		Username:   user.Username,
		Email:      user.Email,
		Admin:      user.IsAdmin,
		Workspaces: make([]string, 0, len(workspaces)),
	}
	for _, ws := range workspaces {
		info.Workspaces = append(info.Workspaces, ws.Name)
	}

	if exp, err := auth.TokenExpiration(r); err == nil {
		info.TokenExpiration = exp
	}

	utils.WriteJsonResponse(w, info)
}

type updateUserRequest struct {
	Email *string `json:"email"`
}

func (s *UserService) Update(w http.ResponseWriter, r *http.Request) {
	username, err := utils.URLParam(r, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params updateUserRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Email == nil {
		http.Error(w, "no updatable fields in request", http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUserByName(username, txn)
		if err != nil {
			return err
		}

		var existing schema.User
		result := txn.Limit(1).Find(&existing, "email = ? AND id != ?", *params.Email, user.Id)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate email", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(auth.ErrEmailAlreadyInUse, http.StatusConflict)
		}

		result = txn.Model(&schema.User{}).Where("id = ?", user.Id).Update("email", *params.Email)
		if result.Error != nil {
			slog.Error("sql error updating user email", "user_id", user.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error updating user: %w", err))
		return
	}

	utils.WriteSuccess(w)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (s *UserService) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var params changePasswordRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.NewPassword == "" {
		http.Error(w, "new password cannot be empty", http.StatusBadRequest)
		return
	}

	err = s.userAuth.ChangePassword(user.Id, params.OldPassword, params.NewPassword)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			http.Error(w, "old password is incorrect", http.StatusUnauthorized)
			return
		}
		writeError(w, fmt.Errorf("error changing password: %w", err))
		return
	}

	utils.WriteSuccess(w)
}

// Delete removes the user, every workspace they own and their subtree on
// disk. Resources are freed through the workspace cascade so locks held by
// in-flight operations are respected.
func (s *UserService) Delete(w http.ResponseWriter, r *http.Request) {
	username, err := utils.URLParam(r, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	core := resourceCore{db: s.db, storage: s.storage}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUserByName(username, txn)
		if err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.WriteLock(user.LockRef()); err != nil {
			return err
		}

		var workspaces []schema.Workspace
		result := txn.Find(&workspaces, "user_id = ?", user.Id)
		if result.Error != nil {
			slog.Error("sql error listing workspaces for user delete", "user_id", user.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		for i := range workspaces {
			if err := core.deleteWorkspaceTree(txn, &user, &workspaces[i], locks, true, true); err != nil {
				return err
			}
		}

		result = txn.Delete(&schema.User{Id: user.Id})
		if result.Error != nil {
			slog.Error("sql error deleting user", "user_id", user.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		locks.Forget(user.LockRef())

		userDir := storage.UserPath(user.Username)
		if exists, err := s.storage.Exists(userDir); err == nil && exists {
			if err := s.storage.Delete(userDir); err != nil {
				slog.Error("error deleting user files", "user_id", user.Id, "error", err)
				return CodedError(errors.New("error deleting user files"), http.StatusInternalServerError)
			}
		}

		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error deleting user %v: %w", username, err))
		return
	}

	slog.Info("deleted user successfully", "username", username)
	utils.WriteSuccess(w)
}
