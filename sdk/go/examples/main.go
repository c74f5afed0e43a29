package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"AP2-Orchestrator/internal/api"
	"AP2-Orchestrator/internal/app"
	"AP2-Orchestrator/internal/checkout"
	"AP2-Orchestrator/internal/config"
	"AP2-Orchestrator/internal/orders"
	"AP2-Orchestrator/internal/registry"
	"AP2-Orchestrator/internal/simulator"
	"AP2-Orchestrator/sdk/go/ap2"
)

func main() {
	sim := httptest.NewServer(simulator.New().Handler())
	defer sim.Close()

	cfg := config.Default()
	cfg.Agents = map[string]registry.AgentConfig{
		registry.MerchantAgent:            {BaseURL: sim.URL},
		registry.CredentialsProvider:      {BaseURL: sim.URL},
		registry.MerchantPaymentProcessor: {BaseURL: sim.URL},
	}
	cfg.ShoppingAgent.Currency = simulator.DefaultCurrency

	orch, _, err := app.NewOrchestrator(cfg, app.OrchestratorOptions{})
	if err != nil {
		panic(err)
	}
	orderStore, err := orders.NewMemoryStore("")
	if err != nil {
		panic(err)
	}
	queue := checkout.NewMemoryQueue(16)
	svc := checkout.NewService(checkout.NewMemoryStore(), queue)
	proc := checkout.NewProcessor(orch, svc, queue, checkout.WithRecorder(orders.NewRecorder(orderStore)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	go func() { _ = proc.Start(ctx) }()

	daemon := httptest.NewServer(api.NewServer("", svc, api.WithOrders(orderStore)).Handler())
	defer daemon.Close()

	client, err := ap2.NewClient(daemon.URL, daemon.Client())
	if err != nil {
		panic(err)
	}

	co, err := client.Submit(ctx, ap2.CheckoutSubmission{Items: []ap2.LineItem{{Name: "Coca Cola", Quantity: 2}}})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted checkout %s (%s)\n", co.ID, co.Status)

	co, err = client.Wait(ctx, co.ID, 50*time.Millisecond)
	if err != nil {
		panic(err)
	}
	if co.Status == ap2.StatusAwaitingOTP {
		fmt.Printf("challenge: %s\n", co.Challenge.Message)
		if err := client.AnswerChallenge(ctx, co.ID, simulator.DefaultOTPCode); err != nil {
			panic(err)
		}
		co, err = client.Wait(ctx, co.ID, 50*time.Millisecond)
		if err != nil {
			panic(err)
		}
	}
	for _, step := range co.Steps {
		fmt.Println("  " + step.Line)
	}
	if co.Receipt != nil {
		fmt.Printf("receipt %s for %.2f %s\n", co.Receipt.ID, co.Amount, co.Currency)
	}

	list, err := client.ListOrders(ctx, "", 10)
	if err != nil {
		panic(err)
	}
	for _, o := range list {
		fmt.Printf("order %s: %.2f %s, %s\n", o.ID, o.Amount, o.Currency, o.Status)
	}
}
