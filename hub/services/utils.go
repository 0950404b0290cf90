package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"claas/hub/registry"
	"claas/hub/schema"
	"claas/hub/storage"

	"gorm.io/gorm"
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// responseCode maps the shared error classes to their status codes. Errors
// already carrying a code keep it.
func responseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}

	switch {
	case errors.Is(err, schema.ErrLockContended):
		return http.StatusLocked
	case errors.Is(err, registry.ErrExecutionIncomplete):
		return http.StatusLocked
	case errors.Is(err, registry.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrUnresolvedReference):
		return http.StatusBadRequest
	case errors.Is(err, ErrInvalidName):
		return http.StatusBadRequest
	case errors.Is(err, schema.ErrUserNotFound),
		errors.Is(err, schema.ErrWorkspaceNotFound),
		errors.Is(err, schema.ErrResourceNotFound),
		errors.Is(err, schema.ErrExecutionNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := responseCode(err)
	if code == http.StatusLocked {
		lockContentionMetric.Inc()
	}
	http.Error(w, err.Error(), code)
}

// ErrInvalidName is returned for resource, workspace or path names outside
// the allowed character set.
var ErrInvalidName = errors.New("invalid name")

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: '%v' (allowed characters are A-Za-z0-9_-)", ErrInvalidName, name)
	}
	return nil
}

// validatePath checks a slash separated path of valid name segments, with no
// empty segments and no leading or trailing separator.
func validatePath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("%w: path '%v' must be non-empty with no leading or trailing '/'", ErrInvalidName, path)
	}
	for _, segment := range strings.Split(path, "/") {
		if err := validateName(segment); err != nil {
			return err
		}
	}
	return nil
}

// checkWorkspaceOpen rejects mutations inside a CLOSED workspace. Resource
// deletion is exempt so a closed workspace can still be emptied.
func checkWorkspaceOpen(ws *schema.Workspace) error {
	if ws.Status == schema.WorkspaceClosed {
		return CodedError(fmt.Errorf("workspace '%v' is %v and cannot be modified", ws.Name, schema.WorkspaceClosed), http.StatusConflict)
	}
	return nil
}

func checkForDuplicateResource(txn *gorm.DB, workspaceId interface{}, rtype, name string) error {
	var duplicate schema.ResourceConfig
	result := txn.Limit(1).Find(&duplicate, "workspace_id = ? AND type = ? AND name = ?", workspaceId, rtype, name)
	if result.Error != nil {
		slog.Error("sql error checking for duplicate resource", "type", rtype, "name", name, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected != 0 {
		return CodedError(fmt.Errorf("a %v named '%v' already exists in this workspace", rtype, name), http.StatusConflict)
	}
	return nil
}

func checkDiskUsage(store storage.Storage) error {
	stats, err := store.Usage()
	if err != nil {
		slog.Error("unable to get disk usage from storage", "error", err)
		return CodedError(errors.New("unable to get disk usage"), http.StatusInternalServerError)
	}
	oneMib := uint64(1024 * 1024)
	// Either 20% disk needs to be free or 20Gb (in case the disk is very large)
	threshold := min(stats.TotalBytes/5, 20*1024*oneMib)
	if stats.FreeBytes < threshold {
		used := (stats.TotalBytes - stats.FreeBytes) / oneMib
		total := stats.TotalBytes / oneMib
		delta := (threshold - stats.FreeBytes) / oneMib
		return CodedError(fmt.Errorf("insufficient disk space available, usage: %d/%d Mib, please clear %d Mib", used, total, delta), http.StatusInsufficientStorage)
	}
	return nil
}

func checkSufficientStorage(store storage.Storage) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			if err := checkDiskUsage(store); err != nil {
				slog.Error(err.Error())
				http.Error(w, err.Error(), GetResponseCode(err))
				return
			}
			next.ServeHTTP(w, r)
		}

		return http.HandlerFunc(handler)
	}
}
