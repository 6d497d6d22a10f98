package core

import (
	"errors"
	"fmt"
	"strings"

	"canvas_worker/pkg"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
)

// Kind is the execution branch a node type maps to
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

var (
	ErrUnsupportedKind = errors.New("unsupported node kind")
	ErrInvalidTask     = errors.New("invalid task")
)

// kindByNodeType maps canvas node types onto execution branches
var kindByNodeType = map[string]Kind{
	"display":  KindText,
	"text":     KindText,
	"llm":      KindText,
	"chat":     KindText,
	"response": KindText,
	"image":    KindImage,
	"video":    KindVideo,
}

// KindOf returns the execution branch for a node type
func KindOf(nodeType string) (Kind, bool) {
	k, ok := kindByNodeType[strings.ToLower(strings.TrimSpace(nodeType))]
	return k, ok
}

// TaskMeta identifies the node run a job belongs to
type TaskMeta struct {
	ExecutionID string `validate:"required"`
	NodeID      string `validate:"required"`
	CanvasID    string `validate:"required"`
	NodeType    string
	APIKey      string
}

// Job is one decoded task. The concrete types are TextJob, ImageJob and
// VideoJob.
type Job interface {
	Kind() Kind
	Meta() TaskMeta
	isJob()
}

// TextInput is the typed input of a text generation node
type TextInput struct {
	Prompt       string `json:"prompt"`
	Provider     string `json:"provider" validate:"omitempty,oneof=openai deepseek ark ollama anthropic gemini"`
	Model        string `json:"model"`
	TokenBudget  int    `json:"tokenBudget" validate:"gte=0"`
	SystemPrompt string `json:"systemPrompt"`
}

// MediaInput is the typed input of an image or video node
type MediaInput struct {
	Prompt   string `json:"prompt" validate:"required"`
	Model    string `json:"model"`
	Size     string `json:"size"`
	Duration int    `json:"duration" validate:"gte=0,lte=120"`
}

type TextJob struct {
	TaskMeta
	Input TextInput
}

type ImageJob struct {
	TaskMeta
	Input MediaInput
}

type VideoJob struct {
	TaskMeta
	Input MediaInput
}

func (TextJob) Kind() Kind  { return KindText }
func (ImageJob) Kind() Kind { return KindImage }
func (VideoJob) Kind() Kind { return KindVideo }

func (j TextJob) Meta() TaskMeta  { return j.TaskMeta }
func (j ImageJob) Meta() TaskMeta { return j.TaskMeta }
func (j VideoJob) Meta() TaskMeta { return j.TaskMeta }

func (TextJob) isJob()  {}
func (ImageJob) isJob() {}
func (VideoJob) isJob() {}

var validate = validator.New()

// MetaOf extracts the identifying fields of a task without validating them
func MetaOf(task pkg.Task) TaskMeta {
	return TaskMeta{
		ExecutionID: task.ExecutionID,
		NodeID:      task.NodeID,
		CanvasID:    task.CanvasID,
		NodeType:    task.NodeType,
		APIKey:      task.APIKey,
	}
}

// DecodeJob turns a queued task into its typed job
func DecodeJob(task pkg.Task) (Job, error) {
	meta := MetaOf(task)
	if err := validate.Struct(meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	kind, ok := KindOf(task.NodeType)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, task.NodeType)
	}

	switch kind {
	case KindText:
		var in TextInput
		if err := decodeInputs(task.Inputs, &in); err != nil {
			return nil, err
		}
		return TextJob{TaskMeta: meta, Input: in}, nil
	case KindImage:
		var in MediaInput
		if err := decodeInputs(task.Inputs, &in); err != nil {
			return nil, err
		}
		return ImageJob{TaskMeta: meta, Input: in}, nil
	case KindVideo:
		var in MediaInput
		if err := decodeInputs(task.Inputs, &in); err != nil {
			return nil, err
		}
		return VideoJob{TaskMeta: meta, Input: in}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedKind, task.NodeType)
}

// decodeInputs round-trips the loose input map through JSON into a typed
// struct and validates it
func decodeInputs(inputs map[string]any, out any) error {
	if len(inputs) > 0 {
		raw, err := sonic.Marshal(inputs)
		if err != nil {
			return fmt.Errorf("%w: inputs: %v", ErrInvalidTask, err)
		}
		if err := sonic.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("%w: inputs: %v", ErrInvalidTask, err)
		}
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	return nil
}
