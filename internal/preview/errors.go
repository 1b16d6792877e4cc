package preview

import (
	"errors"
	"fmt"
)

var (
	// ErrManagerClosed is returned by every operation after Shutdown.
	ErrManagerClosed = errors.New("preview manager is shut down")
	// ErrNotMarkdown is returned by Open for files without a markdown extension.
	ErrNotMarkdown = errors.New("not a markdown file")
)

// ContentReadError means the source document could not be read.
type ContentReadError struct {
	Path string
	Err  error
}

func (e *ContentReadError) Error() string {
	return fmt.Sprintf("read %s: %v", e.Path, e.Err)
}

func (e *ContentReadError) Unwrap() error {
	return e.Err
}

// RenderError means the renderer rejected the document.
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render %s: %v", e.Path, e.Err)
}

func (e *RenderError) Unwrap() error {
	return e.Err
}

// ListenerBindError means the session's port could not be bound.
type ListenerBindError struct {
	Addr string
	Port int
	Err  error
}

func (e *ListenerBindError) Error() string {
	return fmt.Sprintf("listen on %s: %v", e.Addr, e.Err)
}

func (e *ListenerBindError) Unwrap() error {
	return e.Err
}

// SubscribeError means change detection could not be set up for the document.
type SubscribeError struct {
	Path string
	Err  error
}

func (e *SubscribeError) Error() string {
	return fmt.Sprintf("watch %s: %v", e.Path, e.Err)
}

func (e *SubscribeError) Unwrap() error {
	return e.Err
}
