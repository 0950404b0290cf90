package runtime

import (
	"fmt"
	"path/filepath"
	"strings"

	"claas/hub/storage"
)

const (
	trainingCsvHeader = "training_exp, epoch, training_accuracy, val_accuracy, training_loss, val_loss"
	evalCsvHeader     = "eval_exp, training_exp, eval_accuracy, eval_loss, forgetting"
)

// CsvLogger appends rows to the training and evaluation result files of one
// execution. Rows are written line by line so a partially completed run still
// has readable logs.
type CsvLogger struct {
	store   storage.Storage
	logsDir string
}

func NewCsvLogger(store storage.Storage, logsDir string) (*CsvLogger, error) {
	logger := &CsvLogger{store: store, logsDir: logsDir}

	err := logger.appendLine(storage.TrainingCsvFile, trainingCsvHeader)
	if err != nil {
		return nil, err
	}
	err = logger.appendLine(storage.EvalCsvFile, evalCsvHeader)
	if err != nil {
		return nil, err
	}

	return logger, nil
}

func (l *CsvLogger) appendLine(file, line string) error {
	path := filepath.Join(l.logsDir, file)
	err := l.store.Append(path, strings.NewReader(line+"\n"))
	if err != nil {
		return fmt.Errorf("error appending to log %v: %w", file, err)
	}
	return nil
}

func (l *CsvLogger) LogTraining(trainExp, epoch int, trainAcc, valAcc, trainLoss, valLoss float64) error {
	row := fmt.Sprintf("%d, %d, %.6f, %.6f, %.6f, %.6f", trainExp, epoch, trainAcc, valAcc, trainLoss, valLoss)
	return l.appendLine(storage.TrainingCsvFile, row)
}

func (l *CsvLogger) LogEval(evalExp, trainExp int, acc, loss, forgetting float64) error {
	row := fmt.Sprintf("%d, %d, %.6f, %.6f, %.6f", evalExp, trainExp, acc, loss, forgetting)
	return l.appendLine(storage.EvalCsvFile, row)
}
