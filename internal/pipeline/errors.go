package pipeline

import (
	"errors"
	"fmt"
)

// Stage names the pipeline step a run was in when it stopped.
type Stage string

const (
	StageFetch    Stage = "fetch"
	StageParse    Stage = "parse"
	StageScale    Stage = "scale"
	StageClassify Stage = "classify"
)

// Sentinel errors for each aborting stage. Match with errors.Is.
var (
	ErrFetch    = errors.New("fetch failed")
	ErrParse    = errors.New("parse failed")
	ErrScale    = errors.New("scaling failed")
	ErrClassify = errors.New("classification failed")
)

var stageErrors = map[Stage]error{
	StageFetch:    ErrFetch,
	StageParse:    ErrParse,
	StageScale:    ErrScale,
	StageClassify: ErrClassify,
}

// AbortError reports why a run stopped before DONE.
type AbortError struct {
	Stage Stage
	Err   error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("%s: %v", stageErrors[e.Stage], e.Err)
}

func (e *AbortError) Unwrap() []error {
	return []error{stageErrors[e.Stage], e.Err}
}

func abort(stage Stage, err error) *AbortError {
	return &AbortError{Stage: stage, Err: err}
}
