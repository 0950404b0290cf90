package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound      = errors.New("user not found")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrResourceNotFound  = errors.New("resource not found")
	ErrExecutionNotFound = errors.New("execution not found")
	ErrDbAccessFailed    = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetUserByName(username string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by name", "username", username, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetWorkspace(userId uuid.UUID, name string, db *gorm.DB) (Workspace, error) {
	var ws Workspace

	result := db.First(&ws, "user_id = ? AND name = ?", userId, name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ws, ErrWorkspaceNotFound
		}
		slog.Error("sql error in get workspace", "user_id", userId, "workspace", name, "error", result.Error)
		return ws, ErrDbAccessFailed
	}

	return ws, nil
}

func GetResource(workspaceId uuid.UUID, rtype, name string, db *gorm.DB) (ResourceConfig, error) {
	var res ResourceConfig

	result := db.First(&res, "workspace_id = ? AND type = ? AND name = ?", workspaceId, rtype, name)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return res, ErrResourceNotFound
		}
		slog.Error("sql error in get resource", "workspace_id", workspaceId, "type", rtype, "name", name, "error", result.Error)
		return res, ErrDbAccessFailed
	}

	return res, nil
}

func GetResourceById(id uuid.UUID, db *gorm.DB) (ResourceConfig, error) {
	var res ResourceConfig

	result := db.First(&res, "id = ?", id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return res, ErrResourceNotFound
		}
		slog.Error("sql error in get resource by id", "resource_id", id, "error", result.Error)
		return res, ErrDbAccessFailed
	}

	return res, nil
}

func GetExecution(experimentId uuid.UUID, execId int, db *gorm.DB) (Execution, error) {
	var exec Execution

	result := db.First(&exec, "experiment_id = ? AND exec_id = ?", experimentId, execId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return exec, ErrExecutionNotFound
		}
		slog.Error("sql error in get execution", "experiment_id", experimentId, "exec_id", execId, "error", result.Error)
		return exec, ErrDbAccessFailed
	}

	return exec, nil
}

func ListResources(workspaceId uuid.UUID, rtype string, db *gorm.DB) ([]ResourceConfig, error) {
	var resources []ResourceConfig

	result := db.Order("name").Find(&resources, "workspace_id = ? AND type = ?", workspaceId, rtype)
	if result.Error != nil {
		slog.Error("sql error listing resources", "workspace_id", workspaceId, "type", rtype, "error", result.Error)
		return nil, ErrDbAccessFailed
	}

	return resources, nil
}
