package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"scheduled-gpt-oracle/internal/ledger"
	"scheduled-gpt-oracle/internal/oracle"
	sdk "scheduled-gpt-oracle/sdk/go/oracle"
)

func main() {
	app := &cli.App{
		Name:  "oraclectl",
		Usage: "drive the scheduled GPT oracle agent over its REST API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "base URL of oracled",
				Value:   "http://127.0.0.1:8080",
				EnvVars: []string{"ORACLE_SERVER"},
			},
			&cli.StringFlag{
				Name:    "payer",
				Usage:   "custodial wallet paying for the call",
				EnvVars: []string{"ORACLE_PAYER"},
			},
			&cli.StringFlag{
				Name:    "token",
				Usage:   "bearer token for write endpoints",
				EnvVars: []string{"ORACLE_API_TOKEN"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "HTTP timeout",
				Value: sdk.DefaultHTTPTimeout,
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "agent",
				Usage:  "show the agent deployment",
				Action: showAgent,
			},
			{
				Name:   "initialize",
				Usage:  "create the agent and its conversation context",
				Action: initialize,
			},
			{
				Name:      "interact",
				Usage:     "send text to the oracle right away",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "wait", Usage: "wait for the oracle to answer"},
				},
				Action: interact,
			},
			{
				Name:      "schedule",
				Usage:     "queue text as a task replayed by a crank",
				ArgsUsage: "<text>",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "task-id", Usage: "task id, the lowest free id when omitted", Value: -1},
					&cli.BoolFlag{Name: "wait", Usage: "wait for the task to run and the oracle to answer"},
					&cli.DurationFlag{Name: "poll", Usage: "poll interval while waiting", Value: sdk.DefaultPollInterval},
				},
				Action: schedule,
			},
			{
				Name:   "queue",
				Usage:  "show the task queue",
				Action: showQueue,
			},
			{
				Name:      "task",
				Usage:     "show a queued task",
				ArgsUsage: "<task-id>",
				Action:    showTask,
			},
			{
				Name:      "interaction",
				Usage:     "show an oracle interaction",
				ArgsUsage: "<address>",
				Action:    showInteraction,
			},
			{
				Name:      "callback",
				Usage:     "sign and deliver a response as an external oracle",
				ArgsUsage: "<interaction> <response>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "identity-seed", Usage: "passphrase the oracle identity is derived from", Required: true, EnvVars: []string{"ORACLE_IDENTITY_SEED"}},
				},
				Action: callback,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func client(c *cli.Context) (*sdk.Client, error) {
	return sdk.NewClient(c.String("server"), &http.Client{Timeout: c.Duration("timeout")},
		sdk.WithToken(c.String("token")))
}

func payer(c *cli.Context) (string, error) {
	p := c.String("payer")
	if p == "" {
		return "", cli.Exit("--payer is required", 2)
	}
	return p, nil
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func showAgent(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	out, err := cl.Agent(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c, out)
}

func initialize(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	p, err := payer(c)
	if err != nil {
		return err
	}
	out, err := cl.Initialize(c.Context, p)
	if err != nil {
		return err
	}
	return printJSON(c, out)
}

func interact(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	p, err := payer(c)
	if err != nil {
		return err
	}
	address, err := cl.Interact(c.Context, p, c.Args().First())
	if err != nil {
		return err
	}
	if !c.Bool("wait") {
		return printJSON(c, map[string]string{"interaction": address})
	}
	out, err := cl.WaitInteractionCompleted(c.Context, address, sdk.DefaultPollInterval)
	if err != nil {
		return err
	}
	return printJSON(c, out)
}

func schedule(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	p, err := payer(c)
	if err != nil {
		return err
	}
	var taskID *uint16
	if raw := c.Int("task-id"); raw >= 0 {
		if raw > 0xffff {
			return cli.Exit("--task-id must be below 65536", 2)
		}
		id := uint16(raw)
		taskID = &id
	}
	out, err := cl.Schedule(c.Context, p, taskID, c.Args().First())
	if err != nil {
		return err
	}
	if !c.Bool("wait") {
		return printJSON(c, out)
	}

	poll := c.Duration("poll")
	if err := cl.WaitTaskExecuted(c.Context, out.TaskID, poll); err != nil {
		return err
	}
	fmt.Fprintf(c.App.ErrWriter, "task %d executed\n", out.TaskID)
	interaction, err := cl.WaitInteractionCompleted(c.Context, out.Interaction, poll)
	if err != nil {
		return err
	}
	return printJSON(c, interaction)
}

func showQueue(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	out, err := cl.Queue(c.Context)
	if err != nil {
		return err
	}
	return printJSON(c, out)
}

func showTask(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	var id uint16
	if _, err := fmt.Sscan(c.Args().First(), &id); err != nil {
		return cli.Exit("task id must be an integer between 0 and 65535", 2)
	}
	out, err := cl.Task(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(c, out)
}

func showInteraction(c *cli.Context) error {
	cl, err := client(c)
	if err != nil {
		return err
	}
	out, err := cl.Interaction(c.Context, c.Args().First())
	if err != nil {
		return err
	}
	return printJSON(c, out)
}

func callback(c *cli.Context) error {
	if c.NArg() != 2 {
		return cli.Exit("usage: oraclectl callback <interaction> <response>", 2)
	}
	interaction, err := ledger.ParsePublicKey(c.Args().Get(0))
	if err != nil {
		return err
	}
	response := c.Args().Get(1)
	signer := oracle.SignerFromPassphrase(c.String("identity-seed"))

	cl, err := client(c)
	if err != nil {
		return err
	}
	cb := sdk.NewCallback(signer.Public().String(), interaction.String(), response, signer.Sign(interaction, response))
	if err := cl.DeliverCallback(c.Context, cb); err != nil {
		return err
	}
	fmt.Fprintf(c.App.ErrWriter, "callback delivered as %s at %s\n", signer.Public(), time.Now().Format(time.RFC3339))
	return nil
}
