package orchestrator

import (
	"sync"
	"time"

	"github.com/BaSui01/agentorch/workflow"
)

// EventType 事件类型
type EventType string

const (
	EventWorkflowStarted  EventType = "workflow_started"
	EventTaskUpdated      EventType = "task_updated"
	EventWorkflowFinished EventType = "workflow_finished"
)

// Event 工作流运行事件
type Event struct {
	Type       EventType      `json:"type"`
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id"`
	Status     string         `json:"status,omitempty"`
	Task       *workflow.Task `json:"task,omitempty"`
	Error      string         `json:"error,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// eventBufferSize 每个订阅者的缓冲；满时丢弃新事件，慢订阅者不阻塞执行
const eventBufferSize = 64

type subscriber struct {
	ch chan Event
}

// hub 按 workflow ID 分发事件
type hub struct {
	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[*subscriber]struct{})}
}

func (h *hub) subscribe(workflowID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, eventBufferSize)}

	h.mu.Lock()
	if h.subs[workflowID] == nil {
		h.subs[workflowID] = make(map[*subscriber]struct{})
	}
	h.subs[workflowID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[workflowID], s)
			if len(h.subs[workflowID]) == 0 {
				delete(h.subs, workflowID)
			}
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// publish 非阻塞投递；返回被丢弃的事件数
func (h *hub) publish(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	dropped := 0
	for s := range h.subs[ev.WorkflowID] {
		select {
		case s.ch <- ev:
		default:
			dropped++
		}
	}
	return dropped
}
