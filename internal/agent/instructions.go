package agent

import (
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/taskqueue"
)

var (
	tagInitialize = ledger.InstructionTag("initialize")
	tagInteract   = ledger.InstructionTag("interact_agent")
	// CallbackTag 是预言机回调智能体时使用的入口标签。
	CallbackTag = ledger.InstructionTag("callback_from_agent")
	tagSchedule = ledger.InstructionTag("schedule")
)

type interactArgs struct {
	Text string
}

type scheduleArgs struct {
	TaskID uint16
	Text   string
}

// InitializeAccounts 列出 initialize 所需账户。
type InitializeAccounts struct {
	Payer   ledger.PublicKey
	Agent   ledger.PublicKey
	Context ledger.PublicKey
	Counter ledger.PublicKey
	Oracle  ledger.PublicKey
}

// InteractAccounts 列出 interact_agent 所需账户。
type InteractAccounts struct {
	Payer       ledger.PublicKey
	Interaction ledger.PublicKey
	Agent       ledger.PublicKey
	Context     ledger.PublicKey
	Oracle      ledger.PublicKey
}

// ScheduleAccounts 列出 schedule 所需账户。
type ScheduleAccounts struct {
	Payer              ledger.PublicKey
	Interaction        ledger.PublicKey
	Agent              ledger.PublicKey
	Context            ledger.PublicKey
	TaskQueue          ledger.PublicKey
	TaskQueueAuthority ledger.PublicKey
	Task               ledger.PublicKey
	QueueAuthority     ledger.PublicKey
	QueueProgram       ledger.PublicKey
}

// InitializeInstruction 构造 initialize 指令。
func InitializeInstruction(programID ledger.PublicKey, accts InitializeAccounts) (ledger.Instruction, error) {
	data, err := ledger.EncodeInstruction(tagInitialize, struct{}{})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(accts.Payer, true),
			ledger.Writable(accts.Agent, false),
			ledger.Writable(accts.Context, false),
			ledger.Writable(accts.Counter, false),
			ledger.Readonly(ledger.SystemProgramID, false),
			ledger.Readonly(accts.Oracle, false),
		},
		Data: data,
	}, nil
}

// InteractInstruction 构造 interact_agent 指令。定时任务回放的也是这条指令。
func InteractInstruction(programID ledger.PublicKey, accts InteractAccounts, text string) (ledger.Instruction, error) {
	data, err := ledger.EncodeInstruction(tagInteract, interactArgs{Text: text})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(accts.Payer, true),
			ledger.Writable(accts.Interaction, false),
			ledger.Readonly(accts.Agent, false),
			ledger.Readonly(accts.Context, false),
			ledger.Readonly(accts.Oracle, false),
			ledger.Readonly(ledger.SystemProgramID, false),
		},
		Data: data,
	}, nil
}

// CallbackInstruction 构造 callback_from_agent 指令，identity 标记为签名者。
func CallbackInstruction(programID, identity ledger.PublicKey, response string) (ledger.Instruction, error) {
	data, err := ledger.EncodeInstruction(CallbackTag, oracle.CallbackArgs{Response: response})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts:  []ledger.AccountMeta{ledger.Readonly(identity, true)},
		Data:      data,
	}, nil
}

// ScheduleInstruction 构造 schedule 指令。
func ScheduleInstruction(programID ledger.PublicKey, accts ScheduleAccounts, taskID uint16, text string) (ledger.Instruction, error) {
	data, err := ledger.EncodeInstruction(tagSchedule, scheduleArgs{TaskID: taskID, Text: text})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(accts.Payer, true),
			ledger.Writable(accts.Interaction, false),
			ledger.Readonly(accts.Agent, false),
			ledger.Readonly(accts.Context, false),
			ledger.Writable(accts.TaskQueue, false),
			ledger.Writable(accts.TaskQueueAuthority, false),
			ledger.Writable(accts.Task, false),
			ledger.Writable(accts.QueueAuthority, false),
			ledger.Readonly(accts.QueueProgram, false),
			ledger.Readonly(ledger.SystemProgramID, false),
		},
		Data: data,
	}, nil
}

// Deployment 汇总一次部署中各程序的地址，用于在客户端推导账户。
type Deployment struct {
	ProgramID       ledger.PublicKey `json:"program_id" yaml:"program_id"`
	OracleProgramID ledger.PublicKey `json:"oracle_program_id" yaml:"oracle_program_id"`
	QueueProgramID  ledger.PublicKey `json:"queue_program_id" yaml:"queue_program_id"`
	TaskQueue       ledger.PublicKey `json:"task_queue" yaml:"task_queue"`
}

// DefaultDeployment 返回默认程序地址组成的部署，队列编号为 queueID。
func DefaultDeployment(queueID uint32) Deployment {
	return Deployment{
		ProgramID:       DefaultProgramID,
		OracleProgramID: oracle.DefaultProgramID,
		QueueProgramID:  taskqueue.DefaultProgramID,
		TaskQueue:       taskqueue.QueueAddress(taskqueue.DefaultProgramID, queueID),
	}
}

// Agent 返回智能体账户地址。
func (d Deployment) Agent() ledger.PublicKey {
	return Address(d.ProgramID)
}

// InitializeAccounts 推导 initialize 的账户；count 是预言机计数器的当前值。
func (d Deployment) InitializeAccounts(payer ledger.PublicKey, count uint32) InitializeAccounts {
	return InitializeAccounts{
		Payer:   payer,
		Agent:   d.Agent(),
		Context: oracle.ContextAddress(d.OracleProgramID, count),
		Counter: oracle.CounterAddress(d.OracleProgramID),
		Oracle:  d.OracleProgramID,
	}
}

// InteractAccounts 推导 interact_agent 的账户。
func (d Deployment) InteractAccounts(payer, context ledger.PublicKey) InteractAccounts {
	return InteractAccounts{
		Payer:       payer,
		Interaction: oracle.InteractionAddress(d.OracleProgramID, payer, context),
		Agent:       d.Agent(),
		Context:     context,
		Oracle:      d.OracleProgramID,
	}
}

// ScheduleAccounts 推导 schedule 的账户。
func (d Deployment) ScheduleAccounts(payer, context ledger.PublicKey, taskID uint16) (ScheduleAccounts, error) {
	authority, err := taskqueue.DeriveQueueAuthority(d.ProgramID)
	if err != nil {
		return ScheduleAccounts{}, err
	}
	return ScheduleAccounts{
		Payer:              payer,
		Interaction:        oracle.InteractionAddress(d.OracleProgramID, payer, context),
		Agent:              d.Agent(),
		Context:            context,
		TaskQueue:          d.TaskQueue,
		TaskQueueAuthority: taskqueue.QueueAuthorityAddress(d.QueueProgramID, d.TaskQueue, authority.Address),
		Task:               taskqueue.TaskAddress(d.QueueProgramID, d.TaskQueue, taskID),
		QueueAuthority:     authority.Address,
		QueueProgram:       d.QueueProgramID,
	}, nil
}
