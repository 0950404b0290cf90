package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"claas/hub/schema"
	"claas/hub/storage"
	"claas/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkspaceService owns the workspace lifecycle. Deletion is the delicate
// part: every owned resource is freed dependents-first under the workspace
// write lock before the row and the subtree on disk go away.
type WorkspaceService struct {
	resourceCore
}

type createWorkspaceRequest struct {
	Name string `json:"name"`
}

type WorkspaceInfo struct {
	Id        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func convertToWorkspaceInfo(ws *schema.Workspace, owner string) WorkspaceInfo {
	return WorkspaceInfo{
		Id:        ws.Id,
		Name:      ws.Name,
		Owner:     owner,
		Status:    ws.Status,
		CreatedAt: ws.CreatedAt,
	}
}

func (s *WorkspaceService) Create(w http.ResponseWriter, r *http.Request) {
	username, err := utils.URLParam(r, "user")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var params createWorkspaceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := validateName(params.Name); err != nil {
		writeError(w, err)
		return
	}

	var info WorkspaceInfo

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, err := schema.GetUserByName(username, txn)
		if err != nil {
			return err
		}

		var duplicate schema.Workspace
		result := txn.Limit(1).Find(&duplicate, "user_id = ? AND name = ?", user.Id, params.Name)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate workspace", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(fmt.Errorf("a workspace named '%v' already exists", params.Name), http.StatusConflict)
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		// The owning user is the parent of the workspace.
		if err := locks.SubResourceCreate(user.LockRef(), false); err != nil {
			return err
		}

		ws := schema.Workspace{
			Id:     uuid.New(),
			Name:   params.Name,
			UserId: user.Id,
			Status: schema.WorkspaceOpen,
		}

		result = txn.Create(&ws)
		if result.Error != nil {
			slog.Error("sql error creating workspace", "name", params.Name, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		info = convertToWorkspaceInfo(&ws, user.Username)
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error creating workspace '%v': %w", params.Name, err))
		return
	}

	slog.Info("created workspace successfully", "name", info.Name, "owner", info.Owner)
	utils.WriteJsonResponseStatus(w, info, http.StatusCreated)
}

func (s *WorkspaceService) List(w http.ResponseWriter, r *http.Request) {
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
		slog.Error("sql error listing workspaces", "user_id", user.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing workspaces: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]WorkspaceInfo, 0, len(workspaces))
	for i := range workspaces {
		infos = append(infos, convertToWorkspaceInfo(&workspaces[i], user.Username))
	}
	utils.WriteJsonResponse(w, infos)
}

func (s *WorkspaceService) workspaceFromRequest(r *http.Request, db *gorm.DB) (schema.User, schema.Workspace, error) {
	return s.scope(r, db)
}

func (s *WorkspaceService) Info(w http.ResponseWriter, r *http.Request) {
	user, ws, err := s.workspaceFromRequest(r, s.db)
	if err != nil {
		writeError(w, err)
		return
	}
	utils.WriteJsonResponse(w, convertToWorkspaceInfo(&ws, user.Username))
}

type updateWorkspaceStatusRequest struct {
	Status string `json:"status"`
}

func (s *WorkspaceService) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var params updateWorkspaceStatusRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if params.Status != schema.WorkspaceOpen && params.Status != schema.WorkspaceClosed {
		http.Error(w, fmt.Sprintf("invalid workspace status '%v', must be '%v' or '%v'", params.Status, schema.WorkspaceOpen, schema.WorkspaceClosed), http.StatusBadRequest)
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		_, ws, err := s.workspaceFromRequest(r, txn)
		if err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.WriteLock(ws.LockRef()); err != nil {
			return err
		}

		result := txn.Model(&schema.Workspace{}).Where("id = ?", ws.Id).Update("status", params.Status)
		if result.Error != nil {
			slog.Error("sql error updating workspace status", "workspace_id", ws.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error updating workspace status: %w", err))
		return
	}

	utils.WriteSuccess(w)
}

type renameWorkspaceRequest struct {
	NewName string `json:"new_name"`
}

// Rename changes the workspace name, moves its directory and rewrites the
// URNs of every contained resource in one transaction. The write lock on the
// workspace refuses the rename while any operation inside it is in flight.
func (s *WorkspaceService) Rename(w http.ResponseWriter, r *http.Request) {
	var params renameWorkspaceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if err := validateName(params.NewName); err != nil {
		writeError(w, err)
		return
	}

	err := s.db.Transaction(func(txn *gorm.DB) error {
		user, ws, err := s.workspaceFromRequest(r, txn)
		if err != nil {
			return err
		}
		if ws.Name == params.NewName {
			return nil
		}

		var duplicate schema.Workspace
		result := txn.Limit(1).Find(&duplicate, "user_id = ? AND name = ?", user.Id, params.NewName)
		if result.Error != nil {
			slog.Error("sql error checking for duplicate workspace", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected != 0 {
			return CodedError(fmt.Errorf("a workspace named '%v' already exists", params.NewName), http.StatusConflict)
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.WriteLock(ws.LockRef()); err != nil {
			return err
		}

		var resources []schema.ResourceConfig
		result = txn.Find(&resources, "workspace_id = ?", ws.Id)
		if result.Error != nil {
			slog.Error("sql error listing resources for workspace rename", "workspace_id", ws.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		for i := range resources {
			res := &resources[i]
			newUrn := schema.Urn(res.Type, user.Username, params.NewName, res.Name)
			result := txn.Model(&schema.ResourceConfig{}).Where("id = ?", res.Id).Update("urn", newUrn)
			if result.Error != nil {
				slog.Error("sql error updating resource urn", "resource_id", res.Id, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
		}

		result = txn.Model(&schema.Workspace{}).Where("id = ?", ws.Id).Update("name", params.NewName)
		if result.Error != nil {
			slog.Error("sql error renaming workspace", "workspace_id", ws.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		oldDir := storage.WorkspacePath(user.Username, ws.Name)
		if exists, err := s.storage.Exists(oldDir); err == nil && exists {
			if err := s.storage.Rename(oldDir, params.NewName); err != nil {
				slog.Error("error renaming workspace directory", "workspace_id", ws.Id, "error", err)
				return CodedError(errors.New("error renaming workspace directory"), http.StatusInternalServerError)
			}
		}

		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error renaming workspace: %w", err))
		return
	}

	utils.WriteSuccess(w)
}

// deleteWorkspaceTree frees every resource in the workspace dependents-first,
// then removes the workspace row and its directory. With force set the CLOSED
// status requirement is skipped (used by user deletion).
func (c *resourceCore) deleteWorkspaceTree(txn *gorm.DB, user *schema.User, ws *schema.Workspace, locks *schema.LockSet, parentLocked, force bool) error {
	if !force && ws.Status != schema.WorkspaceClosed {
		return CodedError(fmt.Errorf("workspace '%v' must be %v before it can be deleted", ws.Name, schema.WorkspaceClosed), http.StatusConflict)
	}

	if err := locks.ResourceDelete(ws.LockRef(), false); err != nil {
		return err
	}
	if err := locks.SubResourceDelete(user.LockRef(), parentLocked); err != nil {
		return err
	}

	for _, rtype := range schema.ResourceTypes {
		resources, err := schema.ListResources(ws.Id, rtype, txn)
		if err != nil {
			return err
		}
		for i := range resources {
			if err := c.deleteResourceRow(txn, user, ws, &resources[i], locks, true); err != nil {
				return err
			}
		}
	}

	result := txn.Delete(&schema.Workspace{Id: ws.Id})
	if result.Error != nil {
		slog.Error("sql error deleting workspace", "workspace_id", ws.Id, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	locks.Forget(ws.LockRef())

	wsDir := storage.WorkspacePath(user.Username, ws.Name)
	if exists, err := c.storage.Exists(wsDir); err == nil && exists {
		if err := c.storage.Delete(wsDir); err != nil {
			slog.Error("error deleting workspace directory", "workspace_id", ws.Id, "error", err)
			return CodedError(errors.New("error deleting workspace directory"), http.StatusInternalServerError)
		}
	}

	return nil
}

func (s *WorkspaceService) Delete(w http.ResponseWriter, r *http.Request) {
	err := s.db.Transaction(func(txn *gorm.DB) error {
		user, ws, err := s.workspaceFromRequest(r, txn)
		if err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		return s.deleteWorkspaceTree(txn, &user, &ws, locks, false, false)
	})

	if err != nil {
		writeError(w, fmt.Errorf("error deleting workspace: %w", err))
		return
	}

	slog.Info("deleted workspace successfully")
	utils.WriteSuccess(w)
}
