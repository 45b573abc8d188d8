package api

import (
	"time"

	"scheduled-gpt-oracle/internal/agent"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/taskqueue"
)

// InitializeRequest 请求初始化智能体。
type InitializeRequest struct {
	Payer string `json:"payer"`
}

// InitializeResponse 返回智能体与其对话上下文地址。
type InitializeResponse struct {
	Agent   string `json:"agent"`
	Context string `json:"context"`
}

// InteractRequest 请求一次即时交互。
type InteractRequest struct {
	Payer string `json:"payer"`
	Text  string `json:"text"`
}

// InteractResponse 返回交互记录地址。
type InteractResponse struct {
	Interaction string `json:"interaction"`
}

// ScheduleRequest 请求定时交互。TaskID 为空时由服务端选择最小的空闲编号。
type ScheduleRequest struct {
	Payer  string  `json:"payer"`
	TaskID *uint16 `json:"task_id,omitempty"`
	Text   string  `json:"text"`
}

// ScheduleResponse 返回排队任务的信息。
type ScheduleResponse struct {
	TaskID      uint16 `json:"task_id"`
	Task        string `json:"task"`
	Interaction string `json:"interaction"`
}

// CallbackRequest 是外部预言机投递的签名回复，签名以 0x 开头的十六进制编码。
type CallbackRequest struct {
	Identity    string `json:"identity"`
	Interaction string `json:"interaction"`
	Response    string `json:"response"`
	Signature   string `json:"signature"`
}

// AgentView 描述智能体的部署与初始化状态。
type AgentView struct {
	ProgramID      string `json:"program_id"`
	Agent          string `json:"agent"`
	Initialized    bool   `json:"initialized"`
	Context        string `json:"context,omitempty"`
	Description    string `json:"description,omitempty"`
	TaskQueue      string `json:"task_queue"`
	QueueAuthority string `json:"queue_authority"`
}

// QueueView 描述任务队列及其编号占用情况。
type QueueView struct {
	Address        string   `json:"address"`
	ID             uint32   `json:"id"`
	Name           string   `json:"name"`
	Capacity       uint16   `json:"capacity"`
	MinCrankReward uint64   `json:"min_crank_reward"`
	UsedIDs        []uint16 `json:"used_ids"`
	FreeID         *uint16  `json:"free_id,omitempty"`
}

// TaskView 描述一个仍在排队的任务。
type TaskView struct {
	Address     string    `json:"address"`
	Queue       string    `json:"queue"`
	ID          uint16    `json:"id"`
	Payer       string    `json:"payer"`
	Trigger     string    `json:"trigger"`
	CrankReward uint64    `json:"crank_reward"`
	Description string    `json:"description"`
	QueuedAt    time.Time `json:"queued_at"`
}

// InteractionView 描述预言机中的一条交互记录。
type InteractionView struct {
	Address         string `json:"address"`
	Context         string `json:"context"`
	User            string `json:"user"`
	Text            string `json:"text"`
	CallbackProgram string `json:"callback_program"`
	Status          string `json:"status"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func queueView(key ledger.PublicKey, q taskqueue.TaskQueue) QueueView {
	used := q.UsedIDs()
	if used == nil {
		used = []uint16{}
	}
	view := QueueView{
		Address:        key.String(),
		ID:             q.ID,
		Name:           q.Name,
		Capacity:       q.Capacity,
		MinCrankReward: q.MinCrankReward,
		UsedIDs:        used,
	}
	if id, ok := q.FreeID(); ok {
		view.FreeID = &id
	}
	return view
}

func taskView(key ledger.PublicKey, t taskqueue.Task) TaskView {
	return TaskView{
		Address:     key.String(),
		Queue:       t.Queue.String(),
		ID:          t.ID,
		Payer:       t.Payer.String(),
		Trigger:     t.Trigger.String(),
		CrankReward: t.CrankReward,
		Description: t.Description,
		QueuedAt:    time.Unix(int64(t.QueuedAt), 0).UTC(),
	}
}

func interactionView(key ledger.PublicKey, i oracle.Interaction) InteractionView {
	return InteractionView{
		Address:         key.String(),
		Context:         i.Context.String(),
		User:            i.User.String(),
		Text:            i.Text,
		CallbackProgram: i.CallbackProgram.String(),
		Status:          i.Status.String(),
	}
}

func agentView(d agent.Deployment) AgentView {
	authority, _ := taskqueue.DeriveQueueAuthority(d.ProgramID)
	return AgentView{
		ProgramID:      d.ProgramID.String(),
		Agent:          d.Agent().String(),
		TaskQueue:      d.TaskQueue.String(),
		QueueAuthority: authority.Address.String(),
	}
}
