package model

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownInstance   = errors.New("unknown instance")
	ErrUnknownProfile    = errors.New("unknown profile")
	ErrMissingArtifact   = errors.New("routing artifact missing")
	ErrPortInUse         = errors.New("port already in use")
	ErrStopTimeout       = errors.New("instance did not stop in time")
	ErrRestartFailed     = errors.New("restart failed")
	ErrQueueFull         = errors.New("build queue full")
	ErrCutoverInProgress = errors.New("cutover already in progress")
	ErrCutoverFailed     = errors.New("cutover failed")
	ErrInstanceBusy      = errors.New("instance is being rebuilt")
	ErrStaleTransition   = errors.New("build record changed concurrently")
	ErrInvalidTransition = errors.New("invalid build status transition")
	ErrBuildNotFound     = errors.New("build not found")
)

// ===== 错误响应结构体 =====

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Instance string `json:"instance,omitempty"`
	Profile  string `json:"profile,omitempty"`
}

// ===== 自定义错误类型 =====

// StageError 构建流水线某一阶段的失败
type StageError struct {
	Stage    string
	ExitCode int
	TimedOut bool
	Timeout  time.Duration
	Stderr   string
	Err      error
}

func (e *StageError) Error() string {
	cause := "unknown error"
	switch {
	case e.TimedOut && e.Timeout > 0:
		cause = fmt.Sprintf("timed out after %s", e.Timeout)
	case e.TimedOut:
		cause = "timed out"
	case e.Err != nil:
		cause = e.Err.Error()
	case e.ExitCode != 0:
		cause = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	if e.Stderr == "" {
		return fmt.Sprintf("%s: %s", e.Stage, cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Stage, cause, e.Stderr)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
