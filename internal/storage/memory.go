package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"canvas_worker/pkg"
)

// MemoryQueue is an in-process TaskQueue for development and tests
type MemoryQueue struct {
	mu       sync.Mutex
	lists    map[string][]string
	inFlight map[string]int
	acked    []*Delivery
}

// NewMemoryQueue creates an empty queue
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		lists:    make(map[string][]string),
		inFlight: make(map[string]int),
	}
}

// Receive pops the oldest message, waiting up to wait for one to arrive
func (m *MemoryQueue) Receive(ctx context.Context, source string, wait time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		m.mu.Lock()
		if list := m.lists[source]; len(list) > 0 {
			payload := list[0]
			m.lists[source] = list[1:]
			m.inFlight[payload]++
			m.mu.Unlock()
			return newDelivery(source, payload), nil
		}
		m.mu.Unlock()

		if !time.Now().Before(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// Acknowledge records the delivery as done
func (m *MemoryQueue) Acknowledge(ctx context.Context, d *Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inFlight[d.Handle] == 0 {
		return fmt.Errorf("delivery not in flight on %s", d.Source)
	}
	m.inFlight[d.Handle]--
	if m.inFlight[d.Handle] == 0 {
		delete(m.inFlight, d.Handle)
	}
	m.acked = append(m.acked, d)
	return nil
}

// Enqueue appends a task to source
func (m *MemoryQueue) Enqueue(ctx context.Context, source string, task pkg.Task) error {
	payload, err := EncodeTask(task)
	if err != nil {
		return err
	}
	m.PushRaw(source, payload)
	return nil
}

// PushRaw appends an arbitrary payload, e.g. a malformed one
func (m *MemoryQueue) PushRaw(source, payload string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists[source] = append(m.lists[source], payload)
}

// Len returns the number of waiting messages on source
func (m *MemoryQueue) Len(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lists[source])
}

// Acked returns acknowledged deliveries in order
func (m *MemoryQueue) Acked() []*Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Delivery(nil), m.acked...)
}

// InFlight returns the number of received but unacknowledged messages
func (m *MemoryQueue) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.inFlight {
		n += c
	}
	return n
}

// MemoryExecutionStore keeps execution records in a map
type MemoryExecutionStore struct {
	mu      sync.Mutex
	records map[string]*pkg.ExecutionRecord
	writes  map[string][]pkg.ExecutionStatus
}

// NewMemoryExecutionStore creates an empty store
func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{
		records: make(map[string]*pkg.ExecutionRecord),
		writes:  make(map[string][]pkg.ExecutionStatus),
	}
}

func recordKey(executionID, nodeID string) string {
	return executionID + "#" + nodeID
}

func (m *MemoryExecutionStore) MarkRunning(ctx context.Context, executionID, nodeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(executionID, nodeID)
	rec, ok := m.records[key]
	if !ok {
		rec = &pkg.ExecutionRecord{ExecutionID: executionID, NodeID: nodeID}
		m.records[key] = rec
	}
	if rec.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	rec.Status = pkg.ExecutionRunning
	rec.StartedAt = time.Now().UTC()
	m.writes[key] = append(m.writes[key], pkg.ExecutionRunning)
	return nil
}

func (m *MemoryExecutionStore) MarkTerminal(ctx context.Context, executionID, nodeID string, status pkg.ExecutionStatus, output, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := recordKey(executionID, nodeID)
	rec, ok := m.records[key]
	if !ok {
		rec = &pkg.ExecutionRecord{ExecutionID: executionID, NodeID: nodeID}
		m.records[key] = rec
	}
	if rec.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	rec.Status = status
	rec.Output = output
	rec.Error = errMsg
	rec.FinishedAt = time.Now().UTC()
	m.writes[key] = append(m.writes[key], status)
	return nil
}

// Get returns a copy of one record
func (m *MemoryExecutionStore) Get(executionID, nodeID string) (pkg.ExecutionRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[recordKey(executionID, nodeID)]
	if !ok {
		return pkg.ExecutionRecord{}, false
	}
	return *rec, true
}

// Transitions lists every status written for one record, in order
func (m *MemoryExecutionStore) Transitions(executionID, nodeID string) []pkg.ExecutionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pkg.ExecutionStatus(nil), m.writes[recordKey(executionID, nodeID)]...)
}

// MemoryCanvasStore holds canvases in memory and records every patch
type MemoryCanvasStore struct {
	mu       sync.Mutex
	canvases map[string]*pkg.Graph
	patches  map[string][]pkg.NodePatch
}

// NewMemoryCanvasStore creates an empty store
func NewMemoryCanvasStore() *MemoryCanvasStore {
	return &MemoryCanvasStore{
		canvases: make(map[string]*pkg.Graph),
		patches:  make(map[string][]pkg.NodePatch),
	}
}

// PutGraph stores a deep-enough copy of graph under canvasID
func (m *MemoryCanvasStore) PutGraph(canvasID string, graph pkg.Graph) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.canvases[canvasID] = cloneGraph(graph)
}

func (m *MemoryCanvasStore) LoadGraph(ctx context.Context, canvasID string) (pkg.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.canvases[canvasID]
	if !ok {
		return pkg.Graph{}, fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
	}
	return *cloneGraph(*g), nil
}

func (m *MemoryCanvasStore) PatchNodeData(ctx context.Context, canvasID, nodeID string, patch pkg.NodePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.canvases[canvasID]
	if !ok {
		return fmt.Errorf("canvas %s: %w", canvasID, ErrNotFound)
	}
	for i := range g.Nodes {
		if g.Nodes[i].ID != nodeID {
			continue
		}
		if g.Nodes[i].Data == nil {
			g.Nodes[i].Data = make(map[string]any)
		}
		applied := make(pkg.NodePatch, len(patch))
		for k, v := range patch {
			g.Nodes[i].Data[k] = v
			applied[k] = v
		}
		key := canvasID + "#" + nodeID
		m.patches[key] = append(m.patches[key], applied)
		return nil
	}
	return fmt.Errorf("node %s on canvas %s: %w", nodeID, canvasID, ErrNotFound)
}

// Node returns a copy of one node
func (m *MemoryCanvasStore) Node(canvasID, nodeID string) (pkg.CanvasNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.canvases[canvasID]
	if !ok {
		return pkg.CanvasNode{}, false
	}
	for _, n := range g.Nodes {
		if n.ID == nodeID {
			return cloneNode(n), true
		}
	}
	return pkg.CanvasNode{}, false
}

// Patches lists every patch applied to one node, in order
func (m *MemoryCanvasStore) Patches(canvasID, nodeID string) []pkg.NodePatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pkg.NodePatch(nil), m.patches[canvasID+"#"+nodeID]...)
}

func cloneNode(n pkg.CanvasNode) pkg.CanvasNode {
	data := make(map[string]any, len(n.Data))
	for k, v := range n.Data {
		data[k] = v
	}
	n.Data = data
	return n
}

func cloneGraph(g pkg.Graph) *pkg.Graph {
	out := &pkg.Graph{
		Nodes: make([]pkg.CanvasNode, 0, len(g.Nodes)),
		Edges: append([]pkg.Edge(nil), g.Edges...),
	}
	for _, n := range g.Nodes {
		out.Nodes = append(out.Nodes, cloneNode(n))
	}
	return out
}

// MemoryObjectStore keeps objects in a map
type MemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]memoryObject
	failPut error
}

type memoryObject struct {
	data        []byte
	contentType string
}

// NewMemoryObjectStore creates an empty store
func NewMemoryObjectStore() *MemoryObjectStore {
	return &MemoryObjectStore{objects: make(map[string]memoryObject)}
}

// FailPuts makes every subsequent Put return err; nil restores normal behaviour
func (m *MemoryObjectStore) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

func (m *MemoryObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPut != nil {
		return "", m.failPut
	}
	m.objects[key] = memoryObject{data: append([]byte(nil), data...), contentType: contentType}
	return key, nil
}

func (m *MemoryObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", key, ErrNotFound)
	}
	return append([]byte(nil), obj.data...), nil
}

// Has reports whether key was stored
func (m *MemoryObjectStore) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

// ContentType returns the stored content type of key
func (m *MemoryObjectStore) ContentType(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].contentType
}
