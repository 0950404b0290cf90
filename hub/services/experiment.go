package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"claas/hub/registry"
	"claas/hub/runtime"
	"claas/hub/schema"
	"claas/hub/storage"
	"claas/hub/worker"
	"claas/utils"
	"claas/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ExperimentService owns the experiment lifecycle and the background runs.
// The state machine is CREATED→READY→RUNNING→ENDED, with setup moving an
// ENDED experiment back to READY. Every transition is a conditional update so
// concurrent starts race on the database, not in memory.
type ExperimentService struct {
	resourceCore

	pool   *worker.Pool
	mailer *Mailer
}

func (s *ExperimentService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/", s.Create)
	r.Get("/", s.List)

	r.Route("/{name}", func(r chi.Router) {
		r.Get("/", s.Get)
		r.Patch("/", s.Update)
		r.Delete("/", s.Delete)

		r.Patch("/setup", s.Setup)

		r.Get("/status", s.Status)
		r.Get("/logs", s.Logs)
		r.Get("/results", s.Results)
		r.Get("/results/csv", s.ResultsCsv)
		r.Get("/settings", s.Settings)
		r.Get("/model", s.Model)
	})

	return r
}

func (s *ExperimentService) Create(w http.ResponseWriter, r *http.Request) {
	s.createResource(w, r, schema.TypeExperiment)
}

func (s *ExperimentService) List(w http.ResponseWriter, r *http.Request) {
	s.listResources(w, r, schema.TypeExperiment)
}

func (s *ExperimentService) Get(w http.ResponseWriter, r *http.Request) {
	s.getResourceInfo(w, r, schema.TypeExperiment)
}

func (s *ExperimentService) Delete(w http.ResponseWriter, r *http.Request) {
	s.deleteResource(w, r, schema.TypeExperiment)
}

// Update doubles as the run control endpoint: a body containing a status
// field is a START or STOP command, anything else is a regular merge update.
func (s *ExperimentService) Update(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("error reading request body: %v", err), http.StatusBadRequest)
		return
	}

	var probe struct {
		Status *string `json:"status"`
	}
	if err := json.Unmarshal(body, &probe); err == nil && probe.Status != nil {
		switch *probe.Status {
		case "START":
			s.Start(w, r)
		case "STOP":
			http.Error(w, "stopping a running experiment is not supported", http.StatusNotImplemented)
		default:
			http.Error(w, fmt.Sprintf("invalid experiment command '%v', must be 'START' or 'STOP'", *probe.Status), http.StatusBadRequest)
		}
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(body))
	s.updateResource(w, r, schema.TypeExperiment)
}

// Setup moves the experiment to READY after checking that it builds: the
// config is decoded and every transitive reference resolved under read locks.
// Setup on a READY experiment is a no-op; a RUNNING experiment holds locks
// that refuse the transition.
func (s *ExperimentService) Setup(w http.ResponseWriter, r *http.Request) {
	var urn string
	err := s.db.Transaction(func(txn *gorm.DB) error {
		user, ws, res, err := s.getResource(r, txn, schema.TypeExperiment)
		if err != nil {
			return err
		}
		urn = res.Urn

		if err := checkWorkspaceOpen(&ws); err != nil {
			return err
		}

		locks := schema.NewLockSet(txn)
		defer locks.Release()

		if err := locks.WriteLock(res.LockRef()); err != nil {
			return err
		}

		config, err := registry.New(res.Type, res.BuildName, []byte(res.BuildParams))
		if err != nil {
			return err
		}

		buildCtx := registry.NewBuildContext(txn, s.storage, &user, &ws, locks)
		buildCtx.SetSelf(res.Type, res.Name)
		if err := config.Validate(buildCtx); err != nil {
			return err
		}
		if err := buildCtx.ResolveAll(config); err != nil {
			return err
		}

		result := txn.Model(&schema.ResourceConfig{}).
			Where("id = ? AND status IN ?", res.Id, []string{schema.ExpCreated, schema.ExpReady, schema.ExpEnded}).
			Update("status", schema.ExpReady)
		if result.Error != nil {
			slog.Error("sql error updating experiment status", "urn", res.Urn, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: experiment %v cannot be set up in its current state", schema.ErrLockContended, res.Urn)
		}
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error setting up experiment: %w", err))
		return
	}

	slog.Info("experiment set up successfully", "urn", urn, "code", logging.EXPERIMENT_SETUP)
	utils.WriteSuccess(w)
}

// Start schedules a new execution. The READY→RUNNING transition and the
// execution row are committed before the task is enqueued; a full queue rolls
// the transition back so the experiment stays startable.
func (s *ExperimentService) Start(w http.ResponseWriter, r *http.Request) {
	var task *runTask

	err := s.db.Transaction(func(txn *gorm.DB) error {
		user, ws, res, err := s.getResource(r, txn, schema.TypeExperiment)
		if err != nil {
			return err
		}

		if err := checkWorkspaceOpen(&ws); err != nil {
			return err
		}

		execId := res.CurrentExecId + 1

		result := txn.Model(&schema.ResourceConfig{}).
			Where("id = ? AND status = ?", res.Id, schema.ExpReady).
			Updates(map[string]interface{}{"status": schema.ExpRunning, "current_exec_id": execId})
		if result.Error != nil {
			slog.Error("sql error starting experiment", "urn", res.Urn, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("%w: experiment %v is not %v", schema.ErrLockContended, res.Urn, schema.ExpReady)
		}

		exec := schema.Execution{
			ExperimentId: res.Id,
			ExecId:       execId,
			Started:      true,
			SubDir:       strconv.Itoa(execId),
			StartedAt:    time.Now().UTC(),
		}
		result = txn.Create(&exec)
		if result.Error != nil {
			slog.Error("sql error creating execution", "urn", res.Urn, "exec_id", execId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		task = &runTask{svc: s, user: user, ws: ws, expId: res.Id, expUrn: res.Urn, execId: execId}
		return nil
	})

	if err != nil {
		writeError(w, fmt.Errorf("error starting experiment: %w", err))
		return
	}

	if err := s.pool.Submit(task); err != nil {
		slog.Error("unable to schedule experiment run", "urn", task.expUrn, "exec_id", task.execId, "error", err)
		s.failUnscheduledRun(task)
		http.Error(w, "experiment queue is full, try again later", http.StatusServiceUnavailable)
		return
	}

	slog.Info("scheduled experiment run", "urn", task.expUrn, "exec_id", task.execId, "code", logging.EXPERIMENT_RUN)
	utils.WriteJsonResponse(w, map[string]interface{}{"exec_id": task.execId})
}

// failUnscheduledRun reverts a start whose task never made it onto the queue.
func (s *ExperimentService) failUnscheduledRun(task *runTask) {
	result := s.db.Model(&schema.ResourceConfig{}).
		Where("id = ? AND status = ?", task.expId, schema.ExpRunning).
		Update("status", schema.ExpReady)
	if result.Error != nil {
		slog.Error("sql error reverting unscheduled experiment", "urn", task.expUrn, "error", result.Error)
	}

	now := time.Now().UTC()
	payload, _ := json.Marshal(map[string]interface{}{"error": "experiment queue is full"})
	result = s.db.Model(&schema.Execution{}).
		Where("experiment_id = ? AND exec_id = ?", task.expId, task.execId).
		Updates(map[string]interface{}{
			"completed":    true,
			"status_code":  http.StatusServiceUnavailable,
			"payload":      string(payload),
			"completed_at": &now,
		})
	if result.Error != nil {
		slog.Error("sql error marking unscheduled execution", "urn", task.expUrn, "exec_id", task.execId, "error", result.Error)
	}

	s.appendJobLog(task.expId, "error", fmt.Sprintf("execution %d dropped: experiment queue is full", task.execId))
}

// runTask is the background unit submitted to the worker pool for one
// execution.
type runTask struct {
	svc *ExperimentService

	user   schema.User
	ws     schema.Workspace
	expId  uuid.UUID
	expUrn string
	execId int
}

func (t *runTask) Urn() string {
	return schema.ExecutionUrn(t.expUrn, t.execId)
}

func (t *runTask) Run(ctx context.Context) {
	t.svc.runExecution(ctx, t)
}

// appendJobLog records one line of execution history for the experiment. Log
// rows are best effort, a failed insert never fails the run.
func (s *ExperimentService) appendJobLog(expId uuid.UUID, level, message string) {
	entry := schema.JobLog{Id: uuid.New(), ExperimentId: expId, Level: level, Message: message}
	if result := s.db.Create(&entry); result.Error != nil {
		slog.Error("sql error appending job log", "experiment_id", expId, "error", result.Error)
	}
}

func (s *ExperimentService) runExecution(ctx context.Context, t *runTask) {
	started := time.Now()

	s.appendJobLog(t.expId, "info", fmt.Sprintf("execution %d started", t.execId))

	payload, runErr := s.executeRun(ctx, t)

	statusCode := 0
	if runErr != nil {
		statusCode = http.StatusInternalServerError
		payload = map[string]interface{}{"error": runErr.Error()}
		slog.Error("experiment run failed", "urn", t.expUrn, "exec_id", t.execId, "error", runErr, "code", logging.EXPERIMENT_END)
		s.appendJobLog(t.expId, "error", fmt.Sprintf("execution %d failed: %v", t.execId, runErr))
	} else {
		s.appendJobLog(t.expId, "info", fmt.Sprintf("execution %d completed", t.execId))
	}

	payloadJson, err := json.Marshal(payload)
	if err != nil {
		slog.Error("error encoding execution payload", "urn", t.expUrn, "exec_id", t.execId, "error", err)
		payloadJson = []byte(`{"error": "error encoding execution payload"}`)
		statusCode = http.StatusInternalServerError
	}

	now := time.Now().UTC()
	result := s.db.Model(&schema.Execution{}).
		Where("experiment_id = ? AND exec_id = ?", t.expId, t.execId).
		Updates(map[string]interface{}{
			"completed":    true,
			"status_code":  statusCode,
			"payload":      string(payloadJson),
			"completed_at": &now,
		})
	if result.Error != nil {
		slog.Error("sql error completing execution", "urn", t.expUrn, "exec_id", t.execId, "error", result.Error)
	}

	result = s.db.Model(&schema.ResourceConfig{}).
		Where("id = ? AND status = ?", t.expId, schema.ExpRunning).
		Update("status", schema.ExpEnded)
	if result.Error != nil {
		slog.Error("sql error ending experiment", "urn", t.expUrn, "error", result.Error)
	}

	experimentRunMetric.Observe(time.Since(started).Seconds())

	if runErr != nil {
		experimentFailures.Inc()
		s.mailer.SendExperimentFailed(t.user.Email, t.expUrn, t.execId, runErr.Error())
	} else {
		slog.Info("experiment run completed", "urn", t.expUrn, "exec_id", t.execId, "duration", time.Since(started), "code", logging.EXPERIMENT_END)
	}
}

// executeRun builds the experiment and drives it to completion under read
// locks. Locks are taken on a fresh set bound to the service db handle since
// the request transaction that scheduled the run is long gone. Panics in the
// training loop are captured as run failures.
func (s *ExperimentService) executeRun(ctx context.Context, t *runTask) (payload map[string]interface{}, runErr error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in experiment run", "urn", t.expUrn, "exec_id", t.execId, "panic", r)
			runErr = fmt.Errorf("panic during experiment run: %v", r)
		}
	}()

	locks := schema.NewLockSet(s.db)
	defer locks.Release()

	res, err := schema.GetResourceById(t.expId, s.db)
	if err != nil {
		return nil, err
	}

	if err := locks.ReadLock(res.LockRef()); err != nil {
		return nil, err
	}

	config, err := registry.New(res.Type, res.BuildName, []byte(res.BuildParams))
	if err != nil {
		return nil, err
	}

	buildCtx := registry.NewBuildContext(s.db, s.storage, &t.user, &t.ws, locks)
	buildCtx.SetSelf(res.Type, res.Name)

	built, err := config.Build(buildCtx)
	if err != nil {
		return nil, err
	}
	parts, ok := built.(*registry.ExperimentParts)
	if !ok {
		return nil, fmt.Errorf("resource '%v' did not build an experiment", res.Name)
	}

	logsDir := storage.ExecutionLogsPath(t.user.Username, t.ws.Name, t.expId, t.execId)
	logger, err := runtime.NewCsvLogger(s.storage, logsDir)
	if err != nil {
		return nil, err
	}

	run := runtime.Run{
		Kind:      parts.RunKind,
		Strategy:  parts.Strategy,
		Benchmark: parts.Benchmark,
		Logger:    logger,
	}

	payload, err = run.Execute(ctx)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := parts.Strategy.Model.Save(&buf); err != nil {
		return nil, fmt.Errorf("error serializing trained model: %w", err)
	}
	modelPath := storage.ExecutionModelPath(t.user.Username, t.ws.Name, t.expId, t.execId)
	if err := s.storage.SaveModel(modelPath, &buf); err != nil {
		return nil, fmt.Errorf("error saving trained model: %w", err)
	}
	slog.Info("saved trained model", "urn", t.expUrn, "exec_id", t.execId, "code", logging.MODEL_SAVE)

	return payload, nil
}

type ExecutionInfo struct {
	ExecId      int        `json:"exec_id"`
	Started     bool       `json:"started"`
	Completed   bool       `json:"completed"`
	StatusCode  int        `json:"status_code"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (s *ExperimentService) Status(w http.ResponseWriter, r *http.Request) {
	_, _, res, err := s.getResource(r, s.db, schema.TypeExperiment)
	if err != nil {
		writeError(w, err)
		return
	}

	var executions []schema.Execution
	result := s.db.Order("exec_id").Find(&executions, "experiment_id = ?", res.Id)
	if result.Error != nil {
		slog.Error("sql error listing executions", "urn", res.Urn, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing executions: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	infos := make([]ExecutionInfo, 0, len(executions))
	for _, exec := range executions {
		infos = append(infos, ExecutionInfo{
			ExecId:      exec.ExecId,
			Started:     exec.Started,
			Completed:   exec.Completed,
			StatusCode:  exec.StatusCode,
			StartedAt:   exec.StartedAt,
			CompletedAt: exec.CompletedAt,
		})
	}

	utils.WriteJsonResponse(w, map[string]interface{}{
		"status":          res.Status,
		"current_exec_id": res.CurrentExecId,
		"executions":      infos,
	})
}

type JobLogEntry struct {
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// Logs returns the execution history of the experiment, oldest first.
func (s *ExperimentService) Logs(w http.ResponseWriter, r *http.Request) {
	_, _, res, err := s.getResource(r, s.db, schema.TypeExperiment)
	if err != nil {
		writeError(w, err)
		return
	}

	var entries []schema.JobLog
	result := s.db.Order("created_at").Find(&entries, "experiment_id = ?", res.Id)
	if result.Error != nil {
		slog.Error("sql error listing job logs", "urn", res.Urn, "error", result.Error)
		http.Error(w, fmt.Sprintf("error listing logs: %v", schema.ErrDbAccessFailed), http.StatusInternalServerError)
		return
	}

	logs := make([]JobLogEntry, 0, len(entries))
	for _, entry := range entries {
		logs = append(logs, JobLogEntry{Level: entry.Level, Message: entry.Message, CreatedAt: entry.CreatedAt})
	}

	utils.WriteJsonResponse(w, map[string]interface{}{"logs": logs})
}

// requestedExecution resolves the exec_id query param, defaulting to the
// experiment's current execution.
func (s *ExperimentService) requestedExecution(r *http.Request, res *schema.ResourceConfig) (schema.Execution, error) {
	execId := res.CurrentExecId
	if raw := r.URL.Query().Get("exec_id"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return schema.Execution{}, CodedError(fmt.Errorf("invalid exec_id '%v'", raw), http.StatusBadRequest)
		}
		execId = parsed
	}
	if execId == 0 {
		return schema.Execution{}, CodedError(fmt.Errorf("experiment '%v' has no executions", res.Name), http.StatusNotFound)
	}
	return schema.GetExecution(res.Id, execId, s.db)
}

func (s *ExperimentService) Results(w http.ResponseWriter, r *http.Request) {
	_, _, res, err := s.getResource(r, s.db, schema.TypeExperiment)
	if err != nil {
		writeError(w, err)
		return
	}

	exec, err := s.requestedExecution(r, &res)
	if err != nil {
		writeError(w, err)
		return
	}

	if !exec.Completed {
		writeError(w, fmt.Errorf("%w: execution %d of experiment '%v' has not completed", registry.ErrExecutionIncomplete, exec.ExecId, res.Name))
		return
	}

	utils.WriteJsonResponse(w, map[string]interface{}{
		"exec_id":     exec.ExecId,
		"status_code": exec.StatusCode,
		"results":     json.RawMessage(exec.Payload),
	})
}

// ResultsCsv streams the raw result log of one execution. The kind query
// param selects training or eval results, defaulting to eval.
func (s *ExperimentService) ResultsCsv(w http.ResponseWriter, r *http.Request) {
	user, ws, res, err := s.getResource(r, s.db, schema.TypeExperiment)
	if err != nil {
		writeError(w, err)
		return
	}

	exec, err := s.requestedExecution(r, &res)
	if err != nil {
		writeError(w, err)
		return
	}

	file := storage.EvalCsvFile
	switch r.URL.Query().Get("kind") {
	case "", "eval":
	case "training":
		file = storage.TrainingCsvFile
	default:
		http.Error(w, "invalid kind, must be 'training' or 'eval'", http.StatusBadRequest)
		return
	}

	path := filepath.Join(storage.ExecutionLogsPath(user.Username, ws.Name, res.Id, exec.ExecId), file)
	data, err := s.storage.Read(path)
	if err != nil {
		writeError(w, CodedError(fmt.Errorf("no results for execution %d", exec.ExecId), http.StatusNotFound))
		return
	}
	defer data.Close()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%v", file))
	if _, err := io.Copy(w, data); err != nil {
		slog.Error("error streaming results csv", "urn", res.Urn, "exec_id", exec.ExecId, "error", err)
	}
}

// Settings returns the experiment config along with the stored configs of the
// strategy and benchmark it references.
func (s *ExperimentService) Settings(w http.ResponseWriter, r *http.Request) {
	_, _, res, err := s.getResource(r, s.db, schema.TypeExperiment)
	if err != nil {
		writeError(w, err)
		return
	}

	info := convertToResourceInfo(&res)
	settings := map[string]interface{}{"experiment": info.Build}

	var config registry.ExperimentConfig
	if err := json.Unmarshal([]byte(res.BuildParams), &config); err != nil {
		slog.Error("error decoding stored experiment config", "urn", res.Urn, "error", err)
		http.Error(w, "error decoding stored experiment config", http.StatusInternalServerError)
		return
	}

	for key, ref := range map[string]registry.Reference{
		"strategy":  {Type: schema.TypeStrategy, Name: config.Strategy},
		"benchmark": {Type: schema.TypeBenchmark, Name: config.Benchmark},
	} {
		sub, err := schema.GetResource(res.WorkspaceId, ref.Type, ref.Name, s.db)
		if err != nil {
			writeError(w, fmt.Errorf("error loading %v settings: %w", key, err))
			return
		}
		subInfo := convertToResourceInfo(&sub)
		settings[key] = subInfo.Build
	}

	utils.WriteJsonResponse(w, settings)
}

// Model streams the trained model of a completed execution.
func (s *ExperimentService) Model(w http.ResponseWriter, r *http.Request) {
	user, ws, res, err := s.getResource(r, s.db, schema.TypeExperiment)
	if err != nil {
		writeError(w, err)
		return
	}

	exec, err := s.requestedExecution(r, &res)
	if err != nil {
		writeError(w, err)
		return
	}

	if !exec.Completed || exec.StatusCode != 0 {
		writeError(w, fmt.Errorf("%w: execution %d of experiment '%v' has no model", registry.ErrExecutionIncomplete, exec.ExecId, res.Name))
		return
	}

	path := storage.ExecutionModelPath(user.Username, ws.Name, res.Id, exec.ExecId)
	data, err := s.storage.Read(path)
	if err != nil {
		writeError(w, CodedError(fmt.Errorf("no model for execution %d", exec.ExecId), http.StatusNotFound))
		return
	}
	defer data.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%v", storage.ModelFile))
	if _, err := io.Copy(w, data); err != nil {
		slog.Error("error streaming model", "urn", res.Urn, "exec_id", exec.ExecId, "error", err)
	}
}
