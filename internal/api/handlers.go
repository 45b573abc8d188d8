package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"scheduled-gpt-oracle/internal/agent"
	"scheduled-gpt-oracle/internal/auth"
	xerrors "scheduled-gpt-oracle/internal/errors"
	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/oracle"
	"scheduled-gpt-oracle/internal/taskqueue"
	"scheduled-gpt-oracle/pkg/logger"
)

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	var req InitializeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payer, err := s.custodialPayer(r.Context(), req.Payer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	counter, err := s.opts.Oracle.Counter(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accts := s.opts.Deployment.InitializeAccounts(payer, counter.Count)
	ix, err := agent.InitializeInstruction(s.opts.Deployment.ProgramID, accts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.execute(ctx, "initialize", ix, payer); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, InitializeResponse{Agent: accts.Agent.String(), Context: accts.Context.String()})
}

func (s *Server) handleInteract(w http.ResponseWriter, r *http.Request) {
	var req InteractRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payer, err := s.custodialPayer(r.Context(), req.Payer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	record, err := s.agentRecord(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	accts := s.opts.Deployment.InteractAccounts(payer, record.Context)
	ix, err := agent.InteractInstruction(s.opts.Deployment.ProgramID, accts, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.execute(ctx, "interact_agent", ix, payer); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, InteractResponse{Interaction: accts.Interaction.String()})
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	payer, err := s.custodialPayer(r.Context(), req.Payer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	record, err := s.agentRecord(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var taskID uint16
	if req.TaskID != nil {
		taskID = *req.TaskID
	} else {
		q, err := s.opts.Queues.Queue(ctx, s.opts.Deployment.TaskQueue)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		free, ok := q.FreeID()
		if !ok {
			s.writeError(w, r, xerrors.New(xerrors.CodeDuplicateTask, "task queue has no free task id"))
			return
		}
		taskID = free
	}

	accts, err := s.opts.Deployment.ScheduleAccounts(payer, record.Context, taskID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ix, err := agent.ScheduleInstruction(s.opts.Deployment.ProgramID, accts, taskID, req.Text)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.execute(ctx, "schedule", ix, payer); err != nil {
		s.writeError(w, r, err)
		return
	}
	logger.Audit().Info("interaction scheduled",
		slog.String("request_id", requestID(ctx)),
		slog.String("payer", payer.String()),
		slog.String("task", accts.Task.String()),
		slog.Int("task_id", int(taskID)))
	writeJSON(w, http.StatusCreated, ScheduleResponse{
		TaskID:      taskID,
		Task:        accts.Task.String(),
		Interaction: accts.Interaction.String(),
	})
}

// handleCallback 接收进程外预言机的签名回复。只接受配置的预言机身份，
// 签名校验通过后以该身份作为签名者交给智能体执行。
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req CallbackRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	identity, err := parseKey("identity", req.Identity)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	interaction, err := parseKey("interaction", req.Interaction)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	signature, err := hexutil.Decode(req.Signature)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "signature must be 0x-prefixed hex"))
		return
	}

	if s.opts.OracleIdentity.IsZero() || identity != s.opts.OracleIdentity {
		s.opts.Metrics.ObserveCallback("rejected")
		s.writeError(w, r, xerrors.New(xerrors.CodeAuthorization,
			fmt.Sprintf("identity %s is not the configured oracle", identity)))
		return
	}
	if !oracle.VerifyCallback(identity, interaction, req.Response, signature) {
		s.opts.Metrics.ObserveCallback("rejected")
		s.writeError(w, r, xerrors.New(xerrors.CodeAuthorization, "callback signature does not verify"))
		return
	}
	replayKey := hexutil.Encode(signature)
	if seen, _ := s.replays.ContainsOrAdd(replayKey, struct{}{}); seen {
		s.opts.Metrics.ObserveCallback("replayed")
		s.writeError(w, r, xerrors.New(xerrors.CodeAuthorization, "callback signature already used"))
		return
	}

	ix, err := agent.CallbackInstruction(s.opts.Deployment.ProgramID, identity, req.Response)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ix.Accounts = append(ix.Accounts, ledger.Readonly(interaction, false))
	if err := s.execute(r.Context(), "callback_from_agent", ix, identity); err != nil {
		s.replays.Remove(replayKey)
		s.opts.Metrics.ObserveCallback("rejected")
		s.writeError(w, r, err)
		return
	}
	s.opts.Metrics.ObserveCallback("accepted")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	view := agentView(s.opts.Deployment)
	record, err := s.agentRecord(ctx)
	switch {
	case err == nil:
		view.Initialized = true
		view.Context = record.Context.String()
		if stored, err := s.opts.Oracle.Context(ctx, record.Context); err == nil {
			view.Description = stored.Text
		}
	case xerrors.HasCode(err, xerrors.CodeAccountNotFound):
	default:
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	key := s.opts.Deployment.TaskQueue
	q, err := s.opts.Queues.Queue(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, queueView(key, q))
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 16)
	if err != nil {
		s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "task id must be an integer between 0 and 65535"))
		return
	}
	d := s.opts.Deployment
	key := taskqueue.TaskAddress(d.QueueProgramID, d.TaskQueue, uint16(id))
	task, err := s.opts.Queues.Task(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, taskView(key, task))
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	key, err := parseKey("address", r.PathValue("address"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	record, err := s.opts.Oracle.Interaction(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, interactionView(key, record))
}

func (s *Server) execute(ctx context.Context, entryPoint string, ix ledger.Instruction, signers ...ledger.PublicKey) error {
	err := s.opts.Runtime.Execute(ctx, ledger.Transaction{
		Instructions: []ledger.Instruction{ix},
		Signers:      signers,
	})
	s.opts.Metrics.ObserveEntryPoint(entryPoint, err)
	return err
}

func (s *Server) agentRecord(ctx context.Context) (agent.Agent, error) {
	acct, err := s.opts.Runtime.Account(ctx, s.opts.Deployment.Agent())
	if err != nil {
		return agent.Agent{}, err
	}
	if acct.Owner != s.opts.Deployment.ProgramID {
		return agent.Agent{}, xerrors.New(xerrors.CodeInvalidAccount, "agent account has an unexpected owner")
	}
	return agent.DecodeAgent(acct.Data)
}

// custodialPayer 要求付款人由服务端托管，且已授予当前令牌的主体。
func (s *Server) custodialPayer(ctx context.Context, raw string) (ledger.PublicKey, error) {
	payer, err := parseKey("payer", raw)
	if err != nil {
		return ledger.PublicKey{}, err
	}
	if s.opts.Custodial == nil || !s.opts.Custodial(payer) {
		return ledger.PublicKey{}, xerrors.New(xerrors.CodeAuthorization,
			fmt.Sprintf("payer %s is not a custodial wallet", payer))
	}
	if s.opts.Auth.Mode() != auth.ModeDisabled {
		if err := auth.SubjectFromContext(ctx).CanSpend(payer); err != nil {
			return ledger.PublicKey{}, xerrors.Wrap(xerrors.CodeAuthorization, err, "payer not granted")
		}
	}
	return payer, nil
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func parseKey(field, raw string) (ledger.PublicKey, error) {
	key, err := ledger.ParsePublicKey(raw)
	if err != nil {
		return ledger.PublicKey{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, field+" is not a valid address")
	}
	return key, nil
}
