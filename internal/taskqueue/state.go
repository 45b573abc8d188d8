package taskqueue

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
)

// DefaultProgramID is the task queue deployment used when none is configured.
var DefaultProgramID = ledger.MustParsePublicKey("tuktukUrfhXT6ZT77QTU8RQtvgL967uRuVagWF57zVA")

// CodeTaskNotDue marks a task whose trigger lies in the future.
const CodeTaskNotDue xerrors.Code = "TASK_NOT_DUE"

func init() {
	xerrors.Register(CodeTaskNotDue, xerrors.Attributes{
		Message:   "task trigger has not fired yet",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
}

var (
	queueTag          = ledger.AccountTag("TaskQueueV0")
	queueAuthorityTag = ledger.AccountTag("TaskQueueAuthorityV0")
	taskTag           = ledger.AccountTag("TaskV0")
)

// TriggerKind selects when a task becomes runnable.
type TriggerKind uint8

const (
	TriggerKindNow TriggerKind = iota
	TriggerKindTimestamp
)

// Trigger is the condition a crank checks before running a task.
type Trigger struct {
	Kind TriggerKind
	// Unix seconds, used by TriggerKindTimestamp.
	At uint64
}

// TriggerNow makes a task runnable immediately.
func TriggerNow() Trigger {
	return Trigger{Kind: TriggerKindNow}
}

// TriggerAt makes a task runnable from t onwards.
func TriggerAt(t time.Time) Trigger {
	at := t.Unix()
	if at < 0 {
		at = 0
	}
	return Trigger{Kind: TriggerKindTimestamp, At: uint64(at)}
}

// Due reports whether the trigger has fired at now.
func (t Trigger) Due(now time.Time) bool {
	if t.Kind != TriggerKindTimestamp {
		return true
	}
	return now.Unix() >= 0 && uint64(now.Unix()) >= t.At
}

// Until returns how long remains before the trigger fires.
func (t Trigger) Until(now time.Time) time.Duration {
	if t.Due(now) {
		return 0
	}
	return time.Unix(int64(t.At), 0).Sub(now)
}

func (t Trigger) String() string {
	if t.Kind == TriggerKindTimestamp {
		return fmt.Sprintf("timestamp(%d)", t.At)
	}
	return "now"
}

// TaskQueue is the queue account: its settings and the bitmap of task ids
// currently in use.
type TaskQueue struct {
	ID              uint32
	Name            string
	Capacity        uint16
	MinCrankReward  uint64
	UpdateAuthority ledger.PublicKey
	Bitmap          []byte
}

// InUse reports whether task id is taken.
func (q *TaskQueue) InUse(id uint16) bool {
	byteIdx := int(id) / 8
	if byteIdx >= len(q.Bitmap) {
		return false
	}
	return q.Bitmap[byteIdx]&(1<<(id%8)) != 0
}

func (q *TaskQueue) setBit(id uint16, used bool) {
	byteIdx := int(id) / 8
	if used {
		q.Bitmap[byteIdx] |= 1 << (id % 8)
		return
	}
	q.Bitmap[byteIdx] &^= 1 << (id % 8)
}

// FreeID returns the lowest unused task id.
func (q *TaskQueue) FreeID() (uint16, bool) {
	for id := uint16(0); id < q.Capacity; id++ {
		if !q.InUse(id) {
			return id, true
		}
	}
	return 0, false
}

// UsedIDs lists the ids currently taken.
func (q *TaskQueue) UsedIDs() []uint16 {
	var ids []uint16
	for id := uint16(0); id < q.Capacity; id++ {
		if q.InUse(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// QueueAuthorityRecord registers an authority allowed to enqueue.
type QueueAuthorityRecord struct {
	Queue     ledger.PublicKey
	Authority ledger.PublicKey
}

// Task is a queued, replayable transaction and the reward for running it.
type Task struct {
	Queue       ledger.PublicKey
	ID          uint16
	Payer       ledger.PublicKey
	Trigger     Trigger
	Transaction []byte
	CrankReward uint64
	FreeTasks   uint8
	Description string
	QueuedAt    uint64
}

// QueueAddress derives the queue account for a numeric queue id.
func QueueAddress(programID ledger.PublicKey, id uint32) ledger.PublicKey {
	var le [4]byte
	binary.LittleEndian.PutUint32(le[:], id)
	return ledger.MustFindProgramAddress([][]byte{[]byte("task_queue"), le[:]}, programID)
}

// QueueAuthorityAddress derives the registration of authority on queue.
func QueueAuthorityAddress(programID, queue, authority ledger.PublicKey) ledger.PublicKey {
	return ledger.MustFindProgramAddress([][]byte{[]byte("task_queue_authority"), queue[:], authority[:]}, programID)
}

// TaskAddress derives the account of task id in queue.
func TaskAddress(programID, queue ledger.PublicKey, id uint16) ledger.PublicKey {
	var le [2]byte
	binary.LittleEndian.PutUint16(le[:], id)
	return ledger.MustFindProgramAddress([][]byte{[]byte("task"), queue[:], le[:]}, programID)
}

// EncodeQueue serialises a queue account.
func EncodeQueue(q TaskQueue) ([]byte, error) {
	return encodeTagged(queueTag, q)
}

// DecodeQueue parses queue account data.
func DecodeQueue(data []byte) (TaskQueue, error) {
	var q TaskQueue
	err := decodeTagged(queueTag, data, &q, "task queue")
	return q, err
}

// EncodeTask serialises a task account.
func EncodeTask(t Task) ([]byte, error) {
	return encodeTagged(taskTag, t)
}

// DecodeTask parses task account data.
func DecodeTask(data []byte) (Task, error) {
	var t Task
	err := decodeTagged(taskTag, data, &t, "task")
	return t, err
}

func encodeQueueAuthority(r QueueAuthorityRecord) ([]byte, error) {
	return encodeTagged(queueAuthorityTag, r)
}

func decodeQueueAuthority(data []byte) (QueueAuthorityRecord, error) {
	var r QueueAuthorityRecord
	err := decodeTagged(queueAuthorityTag, data, &r, "queue authority")
	return r, err
}

func encodeTagged(tag ledger.Tag, v any) ([]byte, error) {
	body, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidAccount, err, "encode task queue account")
	}
	return append(tag[:], body...), nil
}

func decodeTagged(tag ledger.Tag, data []byte, v any, kind string) error {
	if len(data) < ledger.TagLength || !bytes.Equal(data[:ledger.TagLength], tag[:]) {
		return xerrors.New(xerrors.CodeInvalidAccount, fmt.Sprintf("account is not a %s", kind))
	}
	if err := rlp.DecodeBytes(data[ledger.TagLength:], v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidAccount, err, fmt.Sprintf("decode %s", kind))
	}
	return nil
}
