package agent

import (
	"bytes"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
)

// DefaultProgramID 是未配置时使用的智能体程序地址。
var DefaultProgramID = ledger.MustParsePublicKey("FAD61S3A6qnAigJVV7Rz2BxE9Leh4nbzJRuWsymGTmjW")

const (
	// Description 是初始化时写入对话上下文的系统提示词。
	Description = "You are a helpful assistant."

	// ScheduledCrankReward 是定时任务支付给执行者的奖励。
	ScheduledCrankReward uint64 = 5_000_000
	// ScheduledFreeTasks 是定时任务允许派生的免费子任务数量。
	ScheduledFreeTasks uint8 = 0
	// ScheduledDescription 是定时任务的描述。
	ScheduledDescription = "interact_with_llm"

	// AccountSpace 是智能体账户的大小：类型标签加上下文地址。
	AccountSpace = ledger.TagLength + ledger.PublicKeyLength
)

var agentTag = ledger.AccountTag("Agent")

// Agent 是智能体的唯一注册记录。
type Agent struct {
	Context ledger.PublicKey `json:"context"`
}

// Address 返回程序的智能体账户地址，所有调用方都能独立算出。
func Address(programID ledger.PublicKey) ledger.PublicKey {
	return ledger.MustFindProgramAddress([][]byte{[]byte("agent")}, programID)
}

// EncodeAgent 序列化智能体记录。
func EncodeAgent(a Agent) []byte {
	out := make([]byte, 0, AccountSpace)
	out = append(out, agentTag[:]...)
	return append(out, a.Context[:]...)
}

// DecodeAgent 解析智能体账户数据，长度或标签不符时返回错误。
func DecodeAgent(data []byte) (Agent, error) {
	if len(data) != AccountSpace || !bytes.Equal(data[:ledger.TagLength], agentTag[:]) {
		return Agent{}, xerrors.New(xerrors.CodeInvalidAccount, "account is not an agent record")
	}
	var a Agent
	copy(a.Context[:], data[ledger.TagLength:])
	return a, nil
}
