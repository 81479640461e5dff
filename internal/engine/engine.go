// Package engine implements the prediction collaborator: it loads a classifier from the model
// store and labels a single item. It is only ever called from inside an isolated worker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/dontdude/classifyd/internal/domain"
)

// Domain errors reported by Predict.
var (
	ErrClassifierNotFound = errors.New("classifier not found")
	ErrInvalidClassifier  = errors.New("invalid classifier id")
	ErrEmptyInput         = errors.New("input is empty")
	ErrInvalidModel       = errors.New("invalid model")
)

// modelExt is the file extension of classifiers in the store.
const modelExt = ".yaml"

// DomainError is a typed failure produced by the engine itself.
type DomainError struct {
	ClassifierID string
	Err          error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.ClassifierID == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v: %s", e.Err, e.ClassifierID)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Engine predicts categories with classifiers stored as YAML files under a directory.
type Engine struct {
	store string
}

// Check if Engine implements domain.Engine
var _ domain.Engine = (*Engine)(nil)

// New returns an engine reading classifiers from store.
func New(store string) *Engine {
	return &Engine{store: store}
}

// Check verifies that the model store is usable. It is the engine's one-time initialization.
func (e *Engine) Check() error {
	info, err := os.Stat(e.store)
	if err != nil {
		return fmt.Errorf("model store: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("model store %s is not a directory", e.store)
	}
	return nil
}

// Predict loads the classifier and returns the label for input.
// The model is loaded on every call since each worker serves a single request.
func (e *Engine) Predict(ctx context.Context, classifierID string, input string) (string, error) {
	if err := validateID(classifierID); err != nil {
		return "", &DomainError{ClassifierID: classifierID, Err: err}
	}
	if strings.TrimSpace(input) == "" {
		return "", &DomainError{Err: ErrEmptyInput}
	}

	m, err := loadModel(e.path(classifierID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", &DomainError{ClassifierID: classifierID, Err: ErrClassifierNotFound}
		}
		if errors.Is(err, ErrInvalidModel) {
			return "", &DomainError{ClassifierID: classifierID, Err: err}
		}
		return "", fmt.Errorf("failed to load classifier %s: %w", classifierID, err)
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}
	return m.predict(input), nil
}

func (e *Engine) path(classifierID string) string {
	return filepath.Join(e.store, classifierID+modelExt)
}

// validateID rejects ids that could escape the store.
func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.ContainsRune(id, 0) {
		return ErrInvalidClassifier
	}
	return nil
}
