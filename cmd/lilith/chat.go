package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antoniostano/lilith/internal/config"
	"github.com/antoniostano/lilith/internal/generation"
)

type chatOptions struct {
	userID    string
	message   string
	blocking  bool
	noContext bool
	logs      bool
}

var exitCommands = map[string]bool{
	"exit":  true,
	"quit":  true,
	"/exit": true,
	"/quit": true,
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	co := &chatOptions{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to the companion from the terminal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runChat(cmd.Context(), opts, co, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&co.userID, "user", "u", "local", "User id the conversation belongs to")
	cmd.Flags().StringVarP(&co.message, "message", "m", "", "Send a single message and exit")
	cmd.Flags().BoolVar(&co.blocking, "blocking", false, "Wait for the whole reply instead of streaming it")
	cmd.Flags().BoolVar(&co.noContext, "no-context", false, "Send the raw message without history or summary")
	cmd.Flags().BoolVar(&co.logs, "logs", false, "Show runtime logs")
	return cmd
}

func runChat(ctx context.Context, opts *rootOptions, co *chatOptions, in io.Reader, out io.Writer) error {
	res, err := opts.build(ctx, func(cfg *config.Config) {
		cfg.LogFormat = "console"
		if !co.logs {
			cfg.LogLevel = "error"
		}
	})
	if err != nil {
		return err
	}
	defer res.Cleanup(context.WithoutCancel(ctx))

	c := &chatSession{pipeline: res.Pipeline, opts: co, out: out}
	if co.message != "" {
		return c.turn(ctx, co.message)
	}

	fmt.Fprintf(out, "Chatting as %q. /summary shows memory, /compact refreshes it, /exit leaves.\n", co.userID)
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case exitCommands[line]:
			return nil
		case line == "/summary":
			c.printSummary(ctx)
		case line == "/compact":
			c.compact(ctx)
		default:
			if err := c.turn(ctx, line); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

type chatSession struct {
	pipeline *generation.Pipeline
	opts     *chatOptions
	out      io.Writer
}

func (c *chatSession) request() generation.Request {
	req := c.pipeline.Defaults()
	if c.opts.noContext {
		req.UseContext = false
	}
	return req
}

func (c *chatSession) turn(ctx context.Context, text string) error {
	if c.opts.blocking {
		res, err := c.pipeline.StartTurn(ctx, c.opts.userID, text, c.request())
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, res.Output)
		c.warnPersist(res)
		return nil
	}

	stream, err := c.pipeline.StartTurnStream(ctx, c.opts.userID, text, c.request())
	if err != nil {
		return err
	}
	for fragment := range stream.Fragments() {
		fmt.Fprint(c.out, fragment)
	}
	fmt.Fprintln(c.out)
	res, err := stream.Wait(context.WithoutCancel(ctx))
	if err != nil {
		if errors.Is(err, generation.ErrStreamCancelled) {
			fmt.Fprintln(c.out, "(cancelled)")
		}
		return err
	}
	c.warnPersist(res)
	return nil
}

func (c *chatSession) warnPersist(res generation.TurnResult) {
	if res.PersistErr != nil {
		fmt.Fprintf(c.out, "warning: reply not saved: %v\n", res.PersistErr)
	}
}

func (c *chatSession) printSummary(ctx context.Context) {
	s, ok, err := c.pipeline.Summary(ctx, c.opts.userID)
	switch {
	case err != nil:
		fmt.Fprintf(c.out, "error: %v\n", err)
	case !ok:
		fmt.Fprintln(c.out, "No summary yet.")
	default:
		fmt.Fprintln(c.out, s.Text)
	}
}

func (c *chatSession) compact(ctx context.Context) {
	s, err := c.pipeline.CompactMemory(ctx, c.opts.userID)
	if err != nil {
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	fmt.Fprintln(c.out, s.Text)
}
