package nodes

import (
	"context"
	"io"
	"testing"
	"time"

	"canvas_worker/internal/config"
	"canvas_worker/internal/core"
	"canvas_worker/internal/provider"
	"canvas_worker/internal/storage"
	"canvas_worker/pkg"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")

type sliceStream struct {
	deltas []string
	closed bool
}

func (s *sliceStream) Next(ctx context.Context) (string, error) {
	if len(s.deltas) == 0 {
		return "", io.EOF
	}
	d := s.deltas[0]
	s.deltas = s.deltas[1:]
	return d, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

type fakeStreams struct {
	deltas []string
	ids    []provider.ID
	reqs   []provider.TextRequest
	stream *sliceStream
}

func (f *fakeStreams) StreamText(ctx context.Context, id provider.ID, req provider.TextRequest) (provider.DeltaStream, error) {
	f.ids = append(f.ids, id)
	f.reqs = append(f.reqs, req)
	f.stream = &sliceStream{deltas: append([]string(nil), f.deltas...)}
	return f.stream, nil
}

type textFixture struct {
	canvas  *storage.MemoryCanvasStore
	objects *storage.MemoryObjectStore
	streams *fakeStreams
	handler *TextHandler
}

func newTextFixture(t *testing.T, deltas []string, cfg config.GenerationConfig) *textFixture {
	t.Helper()
	f := &textFixture{
		canvas:  storage.NewMemoryCanvasStore(),
		objects: storage.NewMemoryObjectStore(),
		streams: &fakeStreams{deltas: deltas},
	}
	f.canvas.PutGraph("canvas-1", pkg.Graph{
		Nodes: []pkg.CanvasNode{
			{ID: "doc", Type: "file", CreatedAt: 1, Data: map[string]any{pkg.FieldStorageID: "files/doc.txt", pkg.FieldFileName: "doc.txt"}},
			{ID: "pic", Type: "file", CreatedAt: 2, Data: map[string]any{pkg.FieldStorageID: "files/pic.png", pkg.FieldFileName: "pic.png"}},
			{ID: "node-1", Type: "chat", CreatedAt: 3, Data: map[string]any{pkg.FieldPrompt: "What is in the files?"}},
		},
		Edges: []pkg.Edge{
			{ID: "e1", Source: "doc", Target: "node-1"},
			{ID: "e2", Source: "pic", Target: "node-1"},
		},
	})
	_, err := f.objects.Put(context.Background(), "files/doc.txt", []byte("meeting notes: ship on friday"), "text/plain")
	require.NoError(t, err)
	_, err = f.objects.Put(context.Background(), "files/pic.png", pngHeader, "image/png")
	require.NoError(t, err)

	f.handler, err = NewTextHandler(context.Background(), f.canvas, f.objects, f.streams, cfg, string(provider.OpenAI), zerolog.Nop())
	require.NoError(t, err)
	return f
}

func (f *textFixture) run(t *testing.T, input core.TextInput) (core.Result, error) {
	t.Helper()
	job := core.TextJob{
		TaskMeta: core.TaskMeta{ExecutionID: "exec-1", NodeID: "node-1", CanvasID: "canvas-1", NodeType: "chat", APIKey: "sk-task"},
		Input:    input,
	}
	writer := core.NewNodeWriter(f.canvas, "canvas-1", "node-1", nil)
	return f.handler.Execute(context.Background(), job, writer)
}

func (f *textFixture) streamingPatches() []pkg.NodePatch {
	var out []pkg.NodePatch
	for _, p := range f.canvas.Patches("canvas-1", "node-1") {
		if p[pkg.FieldStatus] == string(pkg.NodeStatusStreaming) {
			out = append(out, p)
		}
	}
	return out
}

func textConfig() config.GenerationConfig {
	cfg := config.Default().Generation
	cfg.FlushTokens = 3
	cfg.FlushInterval = time.Hour
	return cfg
}

func TestTextHandlerFlushCadence(t *testing.T) {
	f := newTextFixture(t, []string{"a", "b", "c", "d", "e", "f", "g"}, textConfig())

	res, err := f.run(t, core.TextInput{})
	require.NoError(t, err)
	assert.Equal(t, "abcdefg", res.Output)
	assert.Equal(t, pkg.NodePatch{pkg.FieldText: "abcdefg"}, res.Patch)
	assert.True(t, f.streams.stream.closed)

	flushes := f.streamingPatches()
	require.Len(t, flushes, 3)
	assert.Equal(t, "a", flushes[0][pkg.FieldText])
	assert.Equal(t, "abcd", flushes[1][pkg.FieldText])
	assert.Equal(t, "abcdefg", flushes[2][pkg.FieldText])
}

func TestTextHandlerRequest(t *testing.T) {
	f := newTextFixture(t, []string{"ok"}, textConfig())

	_, err := f.run(t, core.TextInput{Provider: "deepseek", Model: "deepseek-reasoner", SystemPrompt: "Be terse."})
	require.NoError(t, err)

	require.Len(t, f.streams.reqs, 1)
	assert.Equal(t, []provider.ID{provider.DeepSeek}, f.streams.ids)
	req := f.streams.reqs[0]
	assert.Equal(t, "deepseek-reasoner", req.Model)
	assert.Equal(t, "sk-task", req.APIKey)

	require.Len(t, req.Messages, 4)
	assert.Equal(t, "Be terse.", req.Messages[0].Content)
	assert.Contains(t, req.Messages[1].Content, "meeting notes: ship on friday")
	// binary files are never inlined
	assert.Contains(t, req.Messages[2].Content, `[Attached file "pic.png": content not available]`)
	assert.Equal(t, "What is in the files?", req.Messages[3].Content)
}

func TestTextHandlerDefaultProvider(t *testing.T) {
	f := newTextFixture(t, []string{"ok"}, textConfig())

	_, err := f.run(t, core.TextInput{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []provider.ID{provider.OpenAI}, f.streams.ids)
}

func TestTextHandlerEmptyResponse(t *testing.T) {
	f := newTextFixture(t, []string{" ", "\n"}, textConfig())

	_, err := f.run(t, core.TextInput{Prompt: "hi"})
	assert.ErrorIs(t, err, ErrEmptyResponse)
}

func TestTextHandlerUnknownProvider(t *testing.T) {
	f := newTextFixture(t, []string{"ok"}, textConfig())

	_, err := f.run(t, core.TextInput{Provider: "mistral"})
	assert.ErrorIs(t, err, provider.ErrUnsupportedProvider)
	assert.Empty(t, f.streams.reqs)
}

func TestTextHandlerContextBudget(t *testing.T) {
	cfg := textConfig()
	cfg.TokenBudget = 1000
	cfg.ContextShare = 0.5

	h := &TextHandler{cfg: cfg}
	assert.Equal(t, 500, h.contextBudget(0))
	assert.Equal(t, 1000, h.contextBudget(2000))
}

func TestFetchFileRefusesBinary(t *testing.T) {
	f := newTextFixture(t, nil, textConfig())

	text, err := f.handler.fetchFile(context.Background(), "files/doc.txt")
	require.NoError(t, err)
	assert.Equal(t, "meeting notes: ship on friday", text)

	_, err = f.handler.fetchFile(context.Background(), "files/pic.png")
	assert.ErrorContains(t, err, "image/png")

	_, err = f.handler.fetchFile(context.Background(), "files/missing.txt")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
