package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/fedsim/internal/storage/table"
	"github.com/inferloop/fedsim/pkg/constants"
	"github.com/inferloop/fedsim/pkg/errors"
	"github.com/inferloop/fedsim/pkg/interfaces"
)

// FileSinkConfig contains configuration for the local artifact directory
type FileSinkConfig struct {
	BasePath   string `json:"base_path" yaml:"base_path" mapstructure:"base_path"`
	CreateDirs bool   `json:"create_dirs" yaml:"create_dirs" mapstructure:"create_dirs"`
	SyncWrites bool   `json:"sync_writes" yaml:"sync_writes" mapstructure:"sync_writes"`
	RoundLog   bool   `json:"round_log" yaml:"round_log" mapstructure:"round_log"` // append every record to rounds.jsonl
}

// FileSink writes the val_acc and test_acc tables as CSV and the
// learning-rate history as JSON. Tables are rewritten in full after every
// round so the directory always holds a consistent snapshot.
type FileSink struct {
	config    *FileSinkConfig
	logger    *logrus.Logger
	mu        sync.Mutex
	valAcc    *table.Table
	testAcc   *table.Table
	connected bool
}

// NewFileSink creates a new file sink
func NewFileSink(config *FileSinkConfig, logger *logrus.Logger) (*FileSink, error) {
	if config == nil {
		return nil, errors.NewValidationError("INVALID_CONFIG", "FileSinkConfig cannot be nil")
	}

	if config.BasePath == "" {
		return nil, errors.NewValidationError("INVALID_CONFIG", "BasePath is required")
	}

	if logger == nil {
		logger = logrus.New()
	}

	return &FileSink{
		config:  config,
		logger:  logger,
		valAcc:  table.New(constants.ValAccTable),
		testAcc: table.New(constants.TestAccTable),
	}, nil
}

// Name returns the sink type
func (fs *FileSink) Name() string {
	return constants.SinkFile
}

// Path returns the artifact path of name inside the base directory
func (fs *FileSink) Path(name string) string {
	return filepath.Join(fs.config.BasePath, name)
}

// Connect prepares the output directory
func (fs *FileSink) Connect(ctx context.Context) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if fs.connected {
		return nil
	}

	if fs.config.CreateDirs {
		if err := os.MkdirAll(fs.config.BasePath, 0755); err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "DIRECTORY_CREATION_FAILED",
				fmt.Sprintf("Failed to create directory: %s", fs.config.BasePath))
		}
	}

	if _, err := os.Stat(fs.config.BasePath); os.IsNotExist(err) {
		return errors.NewStorageError("PATH_NOT_FOUND", fmt.Sprintf("Base path does not exist: %s", fs.config.BasePath))
	}

	// Test write permissions
	testFile := filepath.Join(fs.config.BasePath, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewStorageError("PERMISSION_DENIED", fmt.Sprintf("Cannot write to directory: %s", fs.config.BasePath))
	}
	file.Close()
	os.Remove(testFile)

	fs.connected = true
	fs.logger.WithField("base_path", fs.config.BasePath).Info("File sink connected")

	return nil
}

// WriteRound appends the round to both metric tables and rewrites them
func (fs *FileSink) WriteRound(ctx context.Context, record *interfaces.RoundRecord) error {
	if record == nil {
		return errors.NewValidationError("INVALID_RECORD", "Round record cannot be nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.connected {
		return errors.NewStorageError("NOT_CONNECTED", "File sink is not connected")
	}

	fs.valAcc.Append(record.Round, record.ValAcc)
	fs.testAcc.Append(record.Round, record.TestAcc)

	for _, t := range []*table.Table{fs.valAcc, fs.testAcc} {
		data, err := t.CSV()
		if err != nil {
			return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED",
				fmt.Sprintf("Failed to render table %s", t.Name()))
		}
		if err := fs.writeFile(t.Name()+".csv", data); err != nil {
			return err
		}
	}

	if fs.config.RoundLog {
		if err := fs.appendRound(record); err != nil {
			return err
		}
	}

	fs.logger.WithFields(logrus.Fields{
		"round": record.Round,
		"rows":  fs.valAcc.Len(),
	}).Debug("Metric tables written")

	return nil
}

// WriteLearningRates rewrites the learning-rate history file
func (fs *FileSink) WriteLearningRates(ctx context.Context, history map[string][]float64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.connected {
		return errors.NewStorageError("NOT_CONNECTED", "File sink is not connected")
	}

	data, err := table.LearningRatesJSON(history)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to encode learning rates")
	}

	return fs.writeFile(constants.LearningRateFile, data)
}

// Close releases the sink
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if !fs.connected {
		return nil
	}

	fs.connected = false
	fs.logger.Info("File sink disconnected")
	return nil
}

// writeFile replaces name atomically via a temporary file in the same directory.
func (fs *FileSink) writeFile(name string, data []byte) error {
	path := fs.Path(name)
	tmp, err := os.CreateTemp(fs.config.BasePath, "."+name+".*")
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", fmt.Sprintf("Failed to create %s", path))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", fmt.Sprintf("Failed to write %s", path))
	}

	if fs.config.SyncWrites {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return errors.WrapError(err, errors.ErrorTypeStorage, "SYNC_FAILED", fmt.Sprintf("Failed to sync %s", path))
		}
	}

	if err := tmp.Close(); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", fmt.Sprintf("Failed to close %s", path))
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "RENAME_FAILED", fmt.Sprintf("Failed to replace %s", path))
	}
	return nil
}

func (fs *FileSink) appendRound(record *interfaces.RoundRecord) error {
	line, err := json.Marshal(record)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "SERIALIZATION_FAILED", "Failed to encode round record")
	}

	path := fs.Path(constants.RoundLogFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", fmt.Sprintf("Failed to open %s", path))
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, "WRITE_FAILED", fmt.Sprintf("Failed to append to %s", path))
	}
	return nil
}
