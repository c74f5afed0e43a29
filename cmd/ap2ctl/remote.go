package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"AP2-Orchestrator/internal/audit"
	"AP2-Orchestrator/sdk/go/ap2"
)

const pollInterval = 250 * time.Millisecond

// runRemote 通过 ap2d 的 REST API 完成一笔结账。
func runRemote(ctx context.Context, serverURL, apiKey string, opts options, in io.Reader, out io.Writer) (int, error) {
	if len(opts.items) == 0 {
		return 2, errors.New("至少需要一个 -item")
	}
	client, err := ap2.NewClient(serverURL, nil)
	if err != nil {
		return 1, err
	}
	client.SetAPIKey(apiKey)

	sub := ap2.CheckoutSubmission{UserIdentity: opts.user, PaymentAlias: opts.alias}
	for _, it := range opts.items {
		sub.Items = append(sub.Items, ap2.LineItem{Name: it.Name, Quantity: it.Quantity})
	}
	co, err := client.Submit(ctx, sub)
	if err != nil {
		return 1, err
	}
	fmt.Fprintf(out, "结账 %s 已提交\n", co.ID)

	reader := bufio.NewReader(in)
	printed := 0
	for {
		co, err = client.Wait(ctx, co.ID, pollInterval)
		if err != nil {
			return 1, err
		}
		for ; printed < len(co.Steps); printed++ {
			fmt.Fprintln(out, co.Steps[printed].Line)
		}
		if co.Done() {
			break
		}
		if co.Status == ap2.StatusAwaitingOTP {
			if err := answerRemote(ctx, client, co, opts.otp, reader, out); err != nil {
				return 1, err
			}
			if err := waitAnswered(ctx, client, co.ID); err != nil {
				return 1, err
			}
		}
	}

	if opts.verbose {
		entries, err := client.AuditLog(ctx, co.ID)
		if err == nil {
			fmt.Fprintln(out)
			fmt.Fprint(out, audit.Format(toAuditEntries(entries)))
		}
	}
	if co.Status != ap2.StatusSucceeded || co.Receipt == nil {
		fmt.Fprintf(out, "交易失败 [%s]: %s\n", co.ErrorCode, co.LastError)
		return 1, nil
	}
	fmt.Fprintf(out, "收据 %s: %.2f %s (%s)\n", co.Receipt.ID, co.Receipt.Amount, co.Currency, co.Receipt.CardBrand)
	return 0, nil
}

func answerRemote(ctx context.Context, client *ap2.Client, co ap2.Checkout, preset string, reader *bufio.Reader, out io.Writer) error {
	code := preset
	if code == "" {
		prompt := "OTP required"
		if co.Challenge != nil {
			prompt = co.Challenge.Message
			if co.Challenge.DisplayText != "" {
				prompt = co.Challenge.DisplayText
			}
		}
		fmt.Fprintf(out, "%s\nOTP: ", prompt)
		line, _ := reader.ReadString('\n')
		code = strings.TrimSpace(line)
	}
	if code == "" {
		return client.DeclineChallenge(ctx, co.ID)
	}
	return client.AnswerChallenge(ctx, co.ID, code)
}

func toAuditEntries(in []ap2.AuditEntry) []audit.Entry {
	out := make([]audit.Entry, 0, len(in))
	for _, e := range in {
		entry := audit.Entry{
			Timestamp:   e.Timestamp,
			Stage:       e.Stage,
			Description: e.Description,
			Agent:       e.Agent,
			NextAction:  e.NextAction,
		}
		if e.Payload != nil {
			entry.Payload = e.Payload
		}
		out = append(out, entry)
	}
	return out
}

// waitAnswered 等待处理器消费答案并离开 awaiting_otp。
func waitAnswered(ctx context.Context, client *ap2.Client, id string) error {
	ticker := time.NewTicker(pollInterval / 5)
	defer ticker.Stop()
	for {
		co, err := client.Get(ctx, id)
		if err != nil {
			return err
		}
		if co.Status != ap2.StatusAwaitingOTP {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
