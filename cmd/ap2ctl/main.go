package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"AP2-Orchestrator/internal/app"
	"AP2-Orchestrator/internal/config"
	xerrors "AP2-Orchestrator/internal/errors"
	"AP2-Orchestrator/internal/orchestrator"
	"AP2-Orchestrator/pkg/logger"
)

// itemFlags 收集重复出现的 -item 参数。
type itemFlags []orchestrator.LineSelection

func (f *itemFlags) String() string {
	parts := make([]string, 0, len(*f))
	for _, it := range *f {
		parts = append(parts, fmt.Sprintf("%s=%d", it.Name, it.Quantity))
	}
	return strings.Join(parts, ",")
}

func (f *itemFlags) Set(raw string) error {
	item, err := parseItem(raw)
	if err != nil {
		return err
	}
	*f = append(*f, item)
	return nil
}

// parseItem 解析 "名称=数量"，省略数量时为 1。
func parseItem(raw string) (orchestrator.LineSelection, error) {
	name, qty, found := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if name == "" {
		return orchestrator.LineSelection{}, fmt.Errorf("商品名称不能为空: %q", raw)
	}
	item := orchestrator.LineSelection{Name: name, Quantity: 1}
	if found {
		n, err := strconv.Atoi(strings.TrimSpace(qty))
		if err != nil || n <= 0 {
			return orchestrator.LineSelection{}, fmt.Errorf("数量必须为正整数: %q", raw)
		}
		item.Quantity = n
	}
	return item, nil
}

func main() {
	var items itemFlags
	configPath := flag.String("config", "", "配置文件路径，默认读取 AP2_CONFIG 或 configs/ap2.yaml")
	user := flag.String("user", "", "用户身份，默认使用 shopping_agent.user_identity")
	alias := flag.String("alias", "", "支付方式别名，默认使用 shopping_agent.payment_alias")
	otp := flag.String("otp", "", "预先提供的验证码，留空则从标准输入读取")
	verbose := flag.Bool("verbose", false, "打印协议审计日志")
	serverURL := flag.String("server", "", "ap2d 地址，设置后通过 REST API 提交结账")
	apiKey := flag.String("api-key", os.Getenv("AP2_API_KEY"), "访问 ap2d 使用的 API Key")
	flag.Var(&items, "item", "购买的商品，格式为 名称=数量，可重复")
	flag.Parse()
	for _, arg := range flag.Args() {
		if err := items.Set(arg); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options{
		configPath: *configPath,
		items:      items,
		user:       *user,
		alias:      *alias,
		otp:        *otp,
		verbose:    *verbose,
	}
	var (
		code int
		err  error
	)
	if *serverURL != "" {
		code, err = runRemote(ctx, *serverURL, *apiKey, opts, os.Stdin, os.Stdout)
	} else {
		code, err = run(ctx, opts, os.Stdin, os.Stdout)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ap2ctl: %v\n", err)
	}
	os.Exit(code)
}

type options struct {
	configPath string
	items      []orchestrator.LineSelection
	user       string
	alias      string
	otp        string
	verbose    bool
}

// run 在前台执行一笔交易，返回进程退出码。
func run(ctx context.Context, opts options, in io.Reader, out io.Writer) (int, error) {
	if len(opts.items) == 0 {
		return 2, errors.New("至少需要一个 -item")
	}
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return 1, err
	}
	if err := app.InitLogger(cfg); err != nil {
		return 1, err
	}
	defer logger.Sync()

	orch, _, err := app.NewOrchestrator(cfg, app.OrchestratorOptions{})
	if err != nil {
		return 1, err
	}

	prompter := orchestrator.NewChannelPrompter()
	go answerChallenges(ctx, prompter, opts.otp, in, out)

	user := opts.user
	if user == "" {
		user = cfg.ShoppingAgent.UserIdentity
	}
	alias := opts.alias
	if alias == "" {
		alias = cfg.ShoppingAgent.PaymentAlias
	}

	res := orch.Run(ctx, orchestrator.Request{
		Items:        opts.items,
		UserIdentity: user,
		PaymentAlias: alias,
		Verbose:      opts.verbose,
		Prompter:     prompter,
		OnStep: func(_ orchestrator.State, line string) {
			fmt.Fprintln(out, line)
		},
	})

	if opts.verbose && res.Audit != nil {
		fmt.Fprintln(out)
		fmt.Fprint(out, res.Audit.Format())
	}
	if !res.Succeeded() {
		fmt.Fprintf(out, "交易失败 [%s]: %s\n", xerrors.CodeOf(res.Err), res.Message)
		return 1, nil
	}
	fmt.Fprintf(out, "收据 %s: %.2f %s (%s)\n", res.Receipt.ID, res.Receipt.Amount, res.Payment.Currency, res.Receipt.CardBrand)
	return 0, nil
}

// answerChallenges 把每次验证码挑战转给用户，空输入视为拒绝。
func answerChallenges(ctx context.Context, p *orchestrator.ChannelPrompter, preset string, in io.Reader, out io.Writer) {
	reader := bufio.NewReader(in)
	for {
		select {
		case <-ctx.Done():
			return
		case ch := <-p.Challenges():
			if preset != "" {
				p.Answer(preset)
				continue
			}
			prompt := ch.DisplayText
			if prompt == "" {
				prompt = ch.Message
			}
			fmt.Fprintf(out, "%s\nOTP: ", prompt)
			line, err := reader.ReadString('\n')
			code := strings.TrimSpace(line)
			if code == "" || (err != nil && !errors.Is(err, io.EOF)) {
				p.Decline()
				continue
			}
			p.Answer(code)
		}
	}
}
