package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"claas/hub/schema"
	"claas/hub/storage"
	"claas/utils"
	"claas/utils/logging"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// DataRepoService manages labelled file datasets. The repository document
// (and its file→label mapping) lives in the db; the bytes live under the
// repository's directory in shared storage.
type DataRepoService struct {
	resourceCore
}

func (s *DataRepoService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", s.Create)
	r.Get("/", s.List)

	r.Route("/{name}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Delete("/", s.Delete)

		r.Get("/files", s.Files)
		r.With(checkSufficientStorage(s.storage)).Post("/send_files", s.SendFiles)

		r.Post("/folders/*", s.CreateFolder)
		r.Delete("/folders/*", s.DeleteFolder)
	})

	return r
}

func (s *DataRepoService) Create(w http.ResponseWriter, r *http.Request) {
	var params createResourceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if len(params.Build) == 0 {
		params.Build = json.RawMessage(`{"name": "DataRepository"}`)
	}

	s.createResourceFromSpec(w, r, schema.TypeDataRepo, params)
}

func (s *DataRepoService) List(w http.ResponseWriter, r *http.Request) {
	s.listResources(w, r, schema.TypeDataRepo)
}

func (s *DataRepoService) Get(w http.ResponseWriter, r *http.Request) {
	s.getResourceInfo(w, r, schema.TypeDataRepo)
}

func (s *DataRepoService) Delete(w http.ResponseWriter, r *http.Request) {
	s.deleteResource(w, r, schema.TypeDataRepo)
}

type RepoFileInfo struct {
	Path  string `json:"path"`
	Label string `json:"label,omitempty"`
}

func (s *DataRepoService) Files(w http.ResponseWriter, r *http.Request) {
	_, _, res, err := s.getResource(r, s.db, schema.TypeDataRepo)
	if err != nil {
		writeError(w, err)
		return
	}

	var repoFiles []schema.RepoFile
	result := s.db.Order("path").Find(&repoFiles, "repo_id = ?", res.Id)
	if result.Error != nil {
		slog.Error("sql error listing repo files", "repo_id", res.Id, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing files: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	// An optional folder query param narrows the listing to a subpath.
	folder := r.URL.Query().Get("folder")

	infos := make([]RepoFileInfo, 0, len(repoFiles))
	for _, f := range repoFiles {
		path := schema.UnescapeRepoKey(f.Path)
		if folder != "" && !storage.IsSubpath(folder, path, true) {
			continue
		}
		infos = append(infos, RepoFileInfo{Path: path, Label: f.Label})
	}

	utils.WriteJsonResponse(w, infos)
}

// repoFolderPath validates the wildcard folder path of a request.
func repoFolderPath(r *http.Request) (string, error) {
	path := chi.URLParam(r, "*")
	if err := validatePath(path); err != nil {
		return "", err
	}
	return path, nil
}

func (s *DataRepoService) CreateFolder(w http.ResponseWriter, r *http.Request) {
	folder, err := repoFolderPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, ws, res, err := s.getResource(r, txn, schema.TypeDataRepo)
		if err != nil {
			return err
		}

		if err := checkWorkspaceOpen(&ws); err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.WriteLock(res.LockRef()); err != nil {
			return err
		}

		dir := filepath.Join(storage.DataRepoPath(user.Username, ws.Name, res.Id), folder)
		if err := s.storage.CreateDir(dir); err != nil {
			slog.Error("error creating repo folder", "urn", res.Urn, "folder", folder, "error", err)
			return CodedError(errors.New("error creating folder"), http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error creating folder '%v': %w", folder, err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *DataRepoService) DeleteFolder(w http.ResponseWriter, r *http.Request) {
	folder, err := repoFolderPath(r)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, ws, res, err := s.getResource(r, txn, schema.TypeDataRepo)
		if err != nil {
			return err
		}

		if err := checkWorkspaceOpen(&ws); err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.WriteLock(res.LockRef()); err != nil {
			return err
		}

		// Drop label entries for every file under the folder.
		pattern := schema.RepoKeyPrefixPattern(folder)
		result := txn.Where(`repo_id = ? AND path LIKE ? ESCAPE '\'`, res.Id, pattern).Delete(&schema.RepoFile{})
		if result.Error != nil {
			slog.Error("sql error deleting repo file entries", "repo_id", res.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		dir := filepath.Join(storage.DataRepoPath(user.Username, ws.Name, res.Id), folder)
		if err := s.storage.Delete(dir); err != nil {
			slog.Error("error deleting repo folder", "urn", res.Urn, "folder", folder, "error", err)
			return CodedError(errors.New("error deleting folder"), http.StatusInternalServerError)
		}
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error deleting folder '%v': %w", folder, err))
		return
	}

	utils.WriteSuccess(w)
}

const maxUploadSize = 1 << 30

// SendFiles accepts a multipart upload of labelled files. Form fields:
// folder (optional destination subdir), label (applied to every uploaded
// file), zip (if "true", each uploaded archive is extracted and its entries
// are registered individually, labelled by their top level folder unless a
// label is given).
func (s *DataRepoService) SendFiles(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		http.Error(w, fmt.Sprintf("error parsing multipart request: %v", err), http.StatusBadRequest)
		return
	}

	folder := r.FormValue("folder")
	if folder != "" {
		if err := validatePath(folder); err != nil {
			writeError(w, err)
			return
		}
	}
	label := r.FormValue("label")
	zipMode := r.FormValue("zip") == "true"

	uploads := r.MultipartForm.File["files"]
	if len(uploads) == 0 {
		http.Error(w, "no files in upload", http.StatusBadRequest)
		return
	}

	var saved []RepoFileInfo

	err := s.db.Transaction(func(txn *gorm.DB) error {
		user, ws, res, err := s.getResource(r, txn, schema.TypeDataRepo)
		if err != nil {
			return err
		}

		if err := checkWorkspaceOpen(&ws); err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.WriteLock(res.LockRef()); err != nil {
			return err
		}

		repoRoot := storage.DataRepoPath(user.Username, ws.Name, res.Id)

		for _, upload := range uploads {
			name := filepath.Base(upload.Filename)
			if err := validatePathWithExtension(name); err != nil {
				return err
			}

			relPath := name
			if folder != "" {
				relPath = filepath.Join(folder, name)
			}

			file, err := upload.Open()
			if err != nil {
				return CodedError(fmt.Errorf("error reading upload '%v'", name), http.StatusBadRequest)
			}

			if zipMode {
				entries, err := s.extractArchive(repoRoot, relPath, folder, file)
				file.Close()
				if err != nil {
					return err
				}
				for _, entry := range entries {
					entryLabel := label
					if entryLabel == "" {
						entryLabel = topLevelFolder(entry)
					}
					if err := s.registerFile(txn, res, entry, entryLabel); err != nil {
						return err
					}
					saved = append(saved, RepoFileInfo{Path: entry, Label: entryLabel})
				}
				continue
			}

			err = s.storage.Write(filepath.Join(repoRoot, relPath), file)
			file.Close()
			if err != nil {
				slog.Error("error writing uploaded file", "urn", res.Urn, "path", relPath, "error", err)
				return CodedError(errors.New("error saving uploaded file"), http.StatusInternalServerError)
			}

			if err := s.registerFile(txn, res, relPath, label); err != nil {
				return err
			}
			saved = append(saved, RepoFileInfo{Path: relPath, Label: label})
		}

		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error uploading files: %w", err))
		return
	}

	slog.Info("uploaded files to data repository", "count", len(saved), "code", logging.DATA_UPLOAD)
	utils.WriteJsonResponse(w, saved)
}

// extractArchive stages the archive in the repo dir, extracts it next to
// itself and removes the archive file.
func (s *DataRepoService) extractArchive(repoRoot, archivePath, folder string, data io.Reader) ([]string, error) {
	stored := filepath.Join(repoRoot, archivePath)
	if err := s.storage.Write(stored, data); err != nil {
		return nil, CodedError(errors.New("error saving uploaded archive"), http.StatusInternalServerError)
	}
	defer func() {
		if err := s.storage.Delete(stored); err != nil {
			slog.Error("error removing uploaded archive after extraction", "path", stored, "error", err)
		}
	}()

	dest := repoRoot
	if folder != "" {
		dest = filepath.Join(repoRoot, folder)
	}

	entries, err := s.storage.Unzip(stored, dest)
	if err != nil {
		return nil, CodedError(fmt.Errorf("error extracting archive: %v", err), http.StatusBadRequest)
	}
	slog.Info("extracted uploaded archive", "path", archivePath, "entries", len(entries), "code", logging.DATA_EXTRACT)

	paths := make([]string, 0, len(entries))
	for _, entry := range entries {
		if folder != "" {
			entry = filepath.Join(folder, entry)
		}
		paths = append(paths, entry)
	}
	return paths, nil
}

func (s *DataRepoService) registerFile(txn *gorm.DB, res schema.ResourceConfig, path, label string) error {
	entry := schema.RepoFile{RepoId: res.Id, Path: schema.EscapeRepoKey(path), Label: label}
	result := txn.Save(&entry)
	if result.Error != nil {
		slog.Error("sql error registering repo file", "repo_id", res.Id, "path", path, "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	return nil
}

func topLevelFolder(path string) string {
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 2 {
		return parts[0]
	}
	return ""
}

// validatePathWithExtension checks an uploaded filename: the stem follows the
// name rules, a single extension is allowed.
func validatePathWithExtension(name string) error {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext != "" {
		if err := validateName(strings.TrimPrefix(ext, ".")); err != nil {
			return err
		}
	}
	return validateName(stem)
}
