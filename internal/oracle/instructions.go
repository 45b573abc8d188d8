package oracle

import (
	"context"

	"scheduled-gpt-oracle/internal/ledger"
)

var (
	tagInitialize    = ledger.InstructionTag("initialize")
	tagCreateContext = ledger.InstructionTag("create_llm_context")
	tagInteract      = ledger.InstructionTag("interact_with_llm")
)

// CallbackArgs is the argument block the oracle sends to a callback entry
// point.
type CallbackArgs struct {
	Response string
}

type createContextArgs struct {
	Text string
}

type interactArgs struct {
	Text            string
	CallbackProgram ledger.PublicKey
	CallbackTag     ledger.Tag
}

// CreateContextAccounts lists the accounts of create_llm_context.
type CreateContextAccounts struct {
	Payer   ledger.PublicKey
	Context ledger.PublicKey
	Counter ledger.PublicKey
}

// InteractAccounts lists the accounts of interact_with_llm.
type InteractAccounts struct {
	Payer       ledger.PublicKey
	Interaction ledger.PublicKey
	Context     ledger.PublicKey
}

// InteractRequest carries the query and where its answer must be delivered.
type InteractRequest struct {
	Text            string
	CallbackProgram ledger.PublicKey
	CallbackTag     ledger.Tag
}

// InitializeInstruction creates the counter and identity of a deployment.
func InitializeInstruction(programID, payer ledger.PublicKey) (ledger.Instruction, error) {
	identity, _ := IdentityAddress(programID)
	data, err := ledger.EncodeInstruction(tagInitialize, struct{}{})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(payer, true),
			ledger.Writable(CounterAddress(programID), false),
			ledger.Writable(identity, false),
			ledger.Readonly(ledger.SystemProgramID, false),
		},
		Data: data,
	}, nil
}

// CreateContextInstruction builds create_llm_context.
func CreateContextInstruction(programID ledger.PublicKey, accts CreateContextAccounts, text string) (ledger.Instruction, error) {
	data, err := ledger.EncodeInstruction(tagCreateContext, createContextArgs{Text: text})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(accts.Payer, true),
			ledger.Writable(accts.Context, false),
			ledger.Writable(accts.Counter, false),
			ledger.Readonly(ledger.SystemProgramID, false),
		},
		Data: data,
	}, nil
}

// InteractInstruction builds interact_with_llm.
func InteractInstruction(programID ledger.PublicKey, accts InteractAccounts, req InteractRequest) (ledger.Instruction, error) {
	data, err := ledger.EncodeInstruction(tagInteract, interactArgs{
		Text:            req.Text,
		CallbackProgram: req.CallbackProgram,
		CallbackTag:     req.CallbackTag,
	})
	if err != nil {
		return ledger.Instruction{}, err
	}
	return ledger.Instruction{
		ProgramID: programID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(accts.Payer, true),
			ledger.Writable(accts.Interaction, false),
			ledger.Readonly(accts.Context, false),
			ledger.Readonly(ledger.SystemProgramID, false),
		},
		Data: data,
	}, nil
}

// Client performs oracle calls from inside another program's invocation.
type Client struct {
	ProgramID ledger.PublicKey
}

// NewClient returns a Client for the oracle deployed at programID.
func NewClient(programID ledger.PublicKey) Client {
	return Client{ProgramID: programID}
}

// CreateContext asks the oracle to create a conversation context.
func (c Client) CreateContext(ctx context.Context, inv *ledger.Invocation, accts CreateContextAccounts, description string) error {
	ix, err := CreateContextInstruction(c.ProgramID, accts, description)
	if err != nil {
		return err
	}
	return inv.Invoke(ctx, ix)
}

// Interact submits text to the oracle for an asynchronous answer.
func (c Client) Interact(ctx context.Context, inv *ledger.Invocation, accts InteractAccounts, req InteractRequest) error {
	ix, err := InteractInstruction(c.ProgramID, accts, req)
	if err != nil {
		return err
	}
	return inv.Invoke(ctx, ix)
}
