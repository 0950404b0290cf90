package services

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"claas/hub/registry"
	"claas/hub/runtime"
	"claas/hub/schema"
	"claas/hub/storage"
	"claas/utils"
	"claas/utils/logging"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// PredictService serves class predictions from the trained model of a
// completed execution.
type PredictService struct {
	resourceCore
}

func (s *PredictService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/{name}/{exec_id}", s.Predict)

	return r
}

// predictionInfo is the json payload of the multipart info field: how the
// uploaded images should be decoded and preprocessed before inference.
type predictionInfo struct {
	Channels  int             `json:"channels"`
	Transform json.RawMessage `json:"transform"`
}

const maxPredictUploadSize = 256 << 20

// Predict runs every file of a multipart upload through the model trained by
// the named execution. The experiment is read-locked for the duration of the
// request so the execution cannot be deleted mid inference.
func (s *PredictService) Predict(w http.ResponseWriter, r *http.Request) {
	execParam, err := utils.URLParam(r, "exec_id")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	execId, err := strconv.Atoi(execParam)
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid exec_id '%v'", execParam), http.StatusBadRequest)
		return
	}

	if err := r.ParseMultipartForm(maxPredictUploadSize); err != nil {
		http.Error(w, fmt.Sprintf("error parsing multipart request: %v", err), http.StatusBadRequest)
		return
	}

	var info predictionInfo
	if raw := r.FormValue("info"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &info); err != nil {
			http.Error(w, fmt.Sprintf("error parsing info field: %v", err), http.StatusBadRequest)
			return
		}
	}

	var transform runtime.Transform
	if len(info.Transform) > 0 {
		transform, err = registry.NewTransform(info.Transform)
		if err != nil {
			writeError(w, err)
			return
		}
	}

	uploads := r.MultipartForm.File["files"]
	if len(uploads) == 0 {
		http.Error(w, "no files in upload", http.StatusBadRequest)
		return
	}

	var predictions map[string]int

	err = s.db.Transaction(func(txn *gorm.DB) error {
		user, ws, res, err := s.getResource(r, txn, schema.TypeExperiment)
		if err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.ReadLock(res.LockRef()); err != nil {
			return err
		}

		exec, err := schema.GetExecution(res.Id, execId, txn)
		if err != nil {
			return err
		}
		if !exec.Completed || exec.StatusCode != 0 {
			return fmt.Errorf("%w: execution %d of experiment '%v' has no model to predict with", registry.ErrExecutionIncomplete, execId, res.Name)
		}

		modelPath := storage.ExecutionModelPath(user.Username, ws.Name, res.Id, execId)
		data, err := s.storage.Read(modelPath)
		if err != nil {
			return CodedError(fmt.Errorf("no model for execution %d", execId), http.StatusNotFound)
		}
		defer data.Close()

		model, err := runtime.LoadModel(data)
		if err != nil {
			slog.Error("error loading execution model", "urn", res.Urn, "exec_id", execId, "error", err)
			return CodedError(fmt.Errorf("error loading model for execution %d", execId), http.StatusInternalServerError)
		}

		predictor := runtime.NewPredictor(model, transform, info.Channels)

		files := make(map[string]io.Reader, len(uploads))
		opened := make([]io.Closer, 0, len(uploads))
		defer func() {
			for _, file := range opened {
				file.Close()
			}
		}()

		for _, upload := range uploads {
			file, err := upload.Open()
			if err != nil {
				return CodedError(fmt.Errorf("error reading upload '%v'", upload.Filename), http.StatusBadRequest)
			}
			opened = append(opened, file)
			files[upload.Filename] = file
		}

		predictions, err = predictor.PredictFiles(files)
		if err != nil {
			return CodedError(fmt.Errorf("error running prediction: %v", err), http.StatusBadRequest)
		}
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error predicting with experiment: %w", err))
		return
	}

	predictMetric.Observe(float64(len(predictions)))
	slog.Info("served predictions", "exec_id", execId, "count", len(predictions), "code", logging.MODEL_PREDICT)
	utils.WriteJsonResponse(w, predictions)
}
