// Package errors provides enhanced errors carrying a component, a category and
// structured context, plus re-exports of the standard library helpers so callers
// only need a single errors import.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Category classifies an error for logging, metrics and reporting.
type Category string

const (
	CategoryGeneric       Category = "generic"
	CategoryValidation    Category = "validation"
	CategoryConfiguration Category = "configuration"
	CategoryNetwork       Category = "network"
	CategoryStorage       Category = "storage"
	CategoryState         Category = "state"
	CategoryNotFound      Category = "not-found"
	CategoryLimit         Category = "limit"
	CategoryUpstream      Category = "upstream"
)

// EnhancedError wraps an error with component, category and context.
type EnhancedError struct {
	Err       error
	component string
	category  Category
	context   map[string]any
}

func (e *EnhancedError) Error() string {
	return e.Err.Error()
}

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e *EnhancedError) Unwrap() error {
	return e.Err
}

// GetComponent returns the component that produced the error.
func (e *EnhancedError) GetComponent() string {
	return e.component
}

// GetCategory returns the error category.
func (e *EnhancedError) GetCategory() Category {
	return e.category
}

// GetContext returns a copy of the structured context.
func (e *EnhancedError) GetContext() map[string]any {
	return maps.Clone(e.context)
}

// ErrorBuilder assembles an EnhancedError.
type ErrorBuilder struct {
	err       error
	component string
	category  Category
	context   map[string]any
}

// New starts a builder wrapping err.
func New(err error) *ErrorBuilder {
	return &ErrorBuilder{err: err, category: CategoryGeneric}
}

// Newf starts a builder with a formatted message. %w verbs wrap as usual.
func Newf(format string, args ...any) *ErrorBuilder {
	return New(fmt.Errorf(format, args...))
}

// Component sets the originating component.
func (b *ErrorBuilder) Component(component string) *ErrorBuilder {
	b.component = component
	return b
}

// Category sets the error category.
func (b *ErrorBuilder) Category(category Category) *ErrorBuilder {
	b.category = category
	return b
}

// Context adds a structured key/value.
func (b *ErrorBuilder) Context(key string, value any) *ErrorBuilder {
	if b.context == nil {
		b.context = make(map[string]any)
	}
	b.context[key] = value
	return b
}

// Build finalises the error and hands it to the registered reporter, if any.
func (b *ErrorBuilder) Build() error {
	if b.err == nil {
		b.err = stderrors.New("unknown error")
	}
	ee := &EnhancedError{
		Err:       b.err,
		component: b.component,
		category:  b.category,
		context:   b.context,
	}
	report(ee)
	return ee
}

// Reporter receives every built error. Used to forward errors to telemetry.
type Reporter func(*EnhancedError)

var (
	reporterMu sync.RWMutex
	reporter   Reporter
)

// SetReporter installs the reporter. Passing nil disables reporting.
func SetReporter(r Reporter) {
	reporterMu.Lock()
	defer reporterMu.Unlock()
	reporter = r
}

func report(ee *EnhancedError) {
	reporterMu.RLock()
	r := reporter
	reporterMu.RUnlock()
	if r != nil {
		r(ee)
	}
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }

// Join returns an error that wraps the given errors.
func Join(errs ...error) error { return stderrors.Join(errs...) }

// NewStd creates a plain sentinel error.
func NewStd(text string) error { return stderrors.New(text) }

// CategoryOf returns the category of the first EnhancedError in err's tree,
// or CategoryGeneric.
func CategoryOf(err error) Category {
	var ee *EnhancedError
	if As(err, &ee) {
		return ee.category
	}
	return CategoryGeneric
}
