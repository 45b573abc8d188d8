package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"scheduled-gpt-oracle/internal/agent"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/taskqueue"
)

// Deployment 描述一次部署：程序地址、任务队列、预言机身份与创世账户。
type Deployment struct {
	Programs  ProgramsConfig  `yaml:"programs"`
	TaskQueue TaskQueueConfig `yaml:"task_queue"`
	Oracle    OracleConfig    `yaml:"oracle"`
	// Operator 为 API 请求默认的付款人，同时是任务队列的管理员。
	Operator ledger.PublicKey `yaml:"operator"`
	// Crank 接收执行任务的奖励，缺省为 Operator。
	Crank   ledger.PublicKey `yaml:"crank"`
	Wallets []Wallet         `yaml:"wallets"`
}

// ProgramsConfig 列出各程序地址。
type ProgramsConfig struct {
	Agent     ledger.PublicKey `yaml:"agent"`
	Oracle    ledger.PublicKey `yaml:"oracle"`
	TaskQueue ledger.PublicKey `yaml:"task_queue"`
}

// TaskQueueConfig 描述定时任务使用的队列。
type TaskQueueConfig struct {
	ID             uint32 `yaml:"id"`
	Name           string `yaml:"name"`
	Capacity       uint16 `yaml:"capacity"`
	MinCrankReward uint64 `yaml:"min_crank_reward"`
}

// OracleConfig 描述预言机回调签名使用的身份。
type OracleConfig struct {
	IdentitySeed string `yaml:"identity_seed"`
}

// Wallet 是由守护进程托管签名的创世账户。
type Wallet struct {
	Address  ledger.PublicKey `yaml:"address"`
	Lamports uint64           `yaml:"lamports"`
}

// LoadDeployment 解析 YAML 部署文件。
func LoadDeployment(path string) (*Deployment, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取部署文件失败: %w", err)
	}
	var d Deployment
	if err := yaml.Unmarshal(content, &d); err != nil {
		return nil, fmt.Errorf("解析部署文件失败: %w", err)
	}
	d.applyDefaults()
	if err := d.validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *Deployment) applyDefaults() {
	if d.Programs.Agent.IsZero() {
		d.Programs.Agent = agent.DefaultProgramID
	}
	if d.Programs.Oracle.IsZero() {
		d.Programs.Oracle = oracle.DefaultProgramID
	}
	if d.Programs.TaskQueue.IsZero() {
		d.Programs.TaskQueue = taskqueue.DefaultProgramID
	}
	if d.TaskQueue.Name == "" {
		d.TaskQueue.Name = "gpt-scheduler"
	}
	if d.TaskQueue.ID == 0 {
		d.TaskQueue.ID = 210
	}
	if d.TaskQueue.Capacity == 0 {
		d.TaskQueue.Capacity = 5
	}
	if d.TaskQueue.MinCrankReward == 0 {
		d.TaskQueue.MinCrankReward = 1_000_000
	}
	if d.Crank.IsZero() {
		d.Crank = d.Operator
	}
}

func (d *Deployment) validate() error {
	if d.Operator.IsZero() {
		return errors.New("部署文件缺少 operator")
	}
	if d.TaskQueue.MinCrankReward > agent.ScheduledCrankReward {
		return fmt.Errorf("队列最低奖励 %d 高于定时任务奖励 %d", d.TaskQueue.MinCrankReward, agent.ScheduledCrankReward)
	}
	seen := make(map[ledger.PublicKey]struct{}, len(d.Wallets))
	for _, w := range d.Wallets {
		if w.Address.IsZero() {
			return errors.New("创世账户地址不能为空")
		}
		if _, dup := seen[w.Address]; dup {
			return fmt.Errorf("创世账户 %s 重复", w.Address)
		}
		seen[w.Address] = struct{}{}
	}
	return nil
}

// AgentConfig 转换为智能体程序配置。
func (d *Deployment) AgentConfig() agent.Config {
	cfg := agent.Config{
		ProgramID:       d.Programs.Agent,
		OracleProgramID: d.Programs.Oracle,
		QueueProgramID:  d.Programs.TaskQueue,
	}
	if identity := d.OracleIdentity(); !identity.IsZero() {
		cfg.TrustedIdentities = []ledger.PublicKey{identity}
	}
	return cfg
}

// OracleIdentity 返回进程外预言机回调使用的公钥，未配置种子时为零值。
func (d *Deployment) OracleIdentity() ledger.PublicKey {
	if d.Oracle.IdentitySeed == "" {
		return ledger.PublicKey{}
	}
	return oracle.SignerFromPassphrase(d.Oracle.IdentitySeed).Public()
}

// QueueConfig 转换为任务队列参数。
func (d *Deployment) QueueConfig() taskqueue.QueueConfig {
	return taskqueue.QueueConfig{
		ID:             d.TaskQueue.ID,
		Name:           d.TaskQueue.Name,
		Capacity:       d.TaskQueue.Capacity,
		MinCrankReward: d.TaskQueue.MinCrankReward,
	}
}

// Balances 返回创世余额。
func (d *Deployment) Balances() map[ledger.PublicKey]uint64 {
	out := make(map[ledger.PublicKey]uint64, len(d.Wallets))
	for _, w := range d.Wallets {
		out[w.Address] = w.Lamports
	}
	return out
}

// Custodial 报告 key 是否由守护进程托管签名。
func (d *Deployment) Custodial(key ledger.PublicKey) bool {
	if key == d.Operator {
		return true
	}
	for _, w := range d.Wallets {
		if w.Address == key {
			return true
		}
	}
	return false
}
