package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"expensebook/internal/auth"
	"expensebook/internal/backend"
	"expensebook/internal/cli"
	"expensebook/internal/config"
	"expensebook/internal/core"
	"expensebook/internal/events"
	"expensebook/internal/expenses"
	"expensebook/internal/kv"
	"expensebook/internal/log"
	"expensebook/internal/sheets/google"

	"github.com/shopspring/decimal"
	"golang.org/x/term"
)

const usage = `Usage: expensebook [-env file] [-backend memory|sqlite] [-db path] <command> [flags]

Commands:
  register    create an account and sign in
  login       sign in with email and password
  logout      sign out
  whoami      show the signed-in user
  add         record an expense
  update      change fields of an expense
  delete      remove an expense
  list        list expenses, optionally filtered
  recent      show the most recent expenses
  summary     totals and category breakdown
  categories  list the available categories
  export      write expenses to Google Sheets
`

func main() {
	os.Exit(exitCode(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr), os.Stderr))
}

// exitCode reports err on stderr and maps it to a process exit status.
// Asking for help is not a failure.
func exitCode(err error, stderr io.Writer) int {
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return 0
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return 1
}

// app bundles the wired stores for one invocation.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	auth     *auth.Store
	expenses *expenses.Store
	stdin    *bufio.Reader
	rawStdin io.Reader
	stdout   io.Writer
	stderr   io.Writer

	closeFeed func() error
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := newFlagSet("expensebook", stderr)
	fs.Usage = func() { fmt.Fprint(stderr, usage) }
	envFile := fs.String("env", "", "Path to an env file (default .env)")
	backendFlag := fs.String("backend", "", "Storage backend ("+strings.Join(backend.GetBackendTypeStrings(), "|")+"), overrides DATA_BACKEND")
	dbPath := fs.String("db", "", "SQLite database path, overrides SQLITE_DB_PATH")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("missing command")
	}

	if *envFile != "" {
		cli.LoadEnvFile(*envFile)
	} else {
		cli.LoadEnvFile()
	}

	cfg, err := cli.LoadAndValidateConfig(func(cfg *config.Config) {
		if *backendFlag != "" {
			cfg.DataBackend = *backendFlag
		}
		if *dbPath != "" {
			cfg.SQLiteDBPath = *dbPath
		}
	})
	if err != nil {
		return err
	}

	logger := cli.SetupLogger(stderr, cfg.LogLevel)

	ctx, cancel := cli.SignalContext(context.Background())
	defer cancel()

	res, err := cli.OpenStore(ctx, logger, cfg)
	if err != nil {
		return err
	}
	defer res.Cleanup()

	a := wire(ctx, cfg, res.Store, logger)
	if a.closeFeed != nil {
		defer a.closeFeed()
	}
	a.rawStdin = stdin
	a.stdin = bufio.NewReader(stdin)
	a.stdout = stdout
	a.stderr = stderr

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "register":
		return a.register(ctx, rest)
	case "login":
		return a.login(ctx, rest)
	case "logout":
		return a.logout(ctx, rest)
	case "whoami":
		return a.whoami(rest)
	case "add":
		return a.add(ctx, rest)
	case "update":
		return a.update(ctx, rest)
	case "delete":
		return a.delete(ctx, rest)
	case "list":
		return a.list(rest)
	case "recent":
		return a.recent(rest)
	case "summary":
		return a.summary(rest)
	case "categories":
		return a.categories(rest)
	case "export":
		return a.export(ctx, rest)
	default:
		fmt.Fprint(stdout, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// wire builds the stores around store and restores the persisted session.
func wire(ctx context.Context, cfg *config.Config, store kv.Store, logger *log.Logger) *app {
	keys := kv.KeysFor(cfg.KeyLayout)
	bus := events.NewBus()

	authStore := auth.New(store, keys, bus, auth.Options{
		MinPasswordLength: cfg.MinPasswordLength,
		Logger:            logger,
	})
	expenseStore := expenses.New(store, keys, bus, expenses.Options{Logger: logger})
	bus.SubscribeSession(expenseStore)

	var closeFeed func() error

	if cfg.AMQPURL != "" {
		pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPRoutingKey, logger)
		if err != nil {
			logger.WarnContext(ctx, "Change feed disabled",
				log.NewFields().WithOperation(log.OpStartup).WithError(err, log.ErrorTypeNetwork).ToSlice()...)
		} else {
			bus.SubscribeSession(pub)
			bus.SubscribeExpense(pub)
			closeFeed = pub.Close
		}
	}

	authStore.RestoreSession(ctx)

	return &app{
		cfg:       cfg,
		logger:    logger,
		auth:      authStore,
		expenses:  expenseStore,
		closeFeed: closeFeed,
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func (a *app) register(ctx context.Context, args []string) error {
	fs := newFlagSet("register", a.stderr)
	name := fs.String("name", "", "Display name")
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (optional, will prompt if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var missing []string
	if strings.TrimSpace(*name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(*email) == "" {
		missing = append(missing, "email")
	}
	if len(missing) > 0 {
		fmt.Fprintln(a.stdout, "Usage: expensebook register -name <name> -email <email> [-password <password>]")
		fs.PrintDefaults()
		return fmt.Errorf("missing required flags: %s", strings.Join(missing, ", "))
	}

	pwd, err := a.passwordOrPrompt(*password)
	if err != nil {
		return err
	}

	sess, err := a.auth.Register(ctx, *name, *email, pwd)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrUserExists):
			return fmt.Errorf("an account with email %s already exists", core.NormalizeEmail(*email))
		case errors.Is(err, core.ErrWeakPassword):
			return fmt.Errorf("password must be at least %d characters", a.cfg.MinPasswordLength)
		}
		return err
	}
	fmt.Fprintf(a.stdout, "Welcome, %s! Signed in as %s\n", sess.Name, sess.Email)
	return nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := newFlagSet("login", a.stderr)
	email := fs.String("email", "", "Email address")
	password := fs.String("password", "", "Password (optional, will prompt if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*email) == "" {
		fmt.Fprintln(a.stdout, "Usage: expensebook login -email <email> [-password <password>]")
		fs.PrintDefaults()
		return fmt.Errorf("missing required flags: email")
	}

	pwd, err := a.passwordOrPrompt(*password)
	if err != nil {
		return err
	}

	sess, err := a.auth.Login(ctx, *email, pwd)
	if err != nil {
		if errors.Is(err, core.ErrInvalidCredentials) {
			return fmt.Errorf("invalid email or password")
		}
		return err
	}
	fmt.Fprintf(a.stdout, "Signed in as %s <%s>\n", sess.Name, sess.Email)
	return nil
}

func (a *app) logout(ctx context.Context, args []string) error {
	fs := newFlagSet("logout", a.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if _, ok := a.auth.Current(); !ok {
		fmt.Fprintln(a.stdout, "Not signed in")
		return nil
	}
	a.auth.Logout(ctx)
	fmt.Fprintln(a.stdout, "Signed out")
	return nil
}

func (a *app) whoami(args []string) error {
	fs := newFlagSet("whoami", a.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	sess, ok := a.auth.Current()
	if !ok {
		fmt.Fprintln(a.stdout, "Not signed in")
		return nil
	}
	fmt.Fprintf(a.stdout, "%s <%s> (%s)\n", sess.Name, sess.Email, sess.ID)
	if cat, amount, ok := a.expenses.TopCategory(); ok {
		fmt.Fprintf(a.stdout, "Expenses: %d, total %s, top category %s (%s)\n",
			len(a.expenses.List()), core.FormatAmount(a.expenses.TotalAmount()), cat, core.FormatAmount(amount))
	}
	return nil
}

func (a *app) add(ctx context.Context, args []string) error {
	fs := newFlagSet("add", a.stderr)
	title := fs.String("title", "", "Title")
	amount := fs.String("amount", "", "Amount greater than zero, e.g. 12.50")
	category := fs.String("category", "", "Category (see 'categories')")
	description := fs.String("description", "", "Optional description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	in := core.ExpenseInput{Title: strings.TrimSpace(*title), Description: strings.TrimSpace(*description)}
	var err error
	if in.Amount, err = core.ParseAmount(*amount); err != nil {
		return err
	}
	if in.Category, err = core.ParseCategory(*category); err != nil {
		return err
	}
	if err := in.Validate(); err != nil {
		return err
	}

	e, err := a.expenses.Add(ctx, in)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Added %s: %s %s (%s)\n", e.ID, e.Title, core.FormatAmount(e.Amount), e.Category)
	return nil
}

func (a *app) update(ctx context.Context, args []string) error {
	fs := newFlagSet("update", a.stderr)
	id := fs.String("id", "", "Expense id")
	title := fs.String("title", "", "New title")
	amount := fs.String("amount", "", "New amount")
	category := fs.String("category", "", "New category")
	description := fs.String("description", "", "New description")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("missing required flags: id")
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	var patch core.ExpensePatch
	var parseErr error
	fs.Visit(func(f *flag.Flag) {
		if parseErr != nil {
			return
		}
		switch f.Name {
		case "title":
			t := strings.TrimSpace(*title)
			patch.Title = &t
		case "amount":
			d, err := core.ParseAmount(*amount)
			if err != nil {
				parseErr = err
				return
			}
			patch.Amount = &d
		case "category":
			c, err := core.ParseCategory(*category)
			if err != nil {
				parseErr = err
				return
			}
			patch.Category = &c
		case "description":
			d := strings.TrimSpace(*description)
			patch.Description = &d
		}
	})
	if parseErr != nil {
		return parseErr
	}
	if patch.IsEmpty() {
		return fmt.Errorf("nothing to update: pass at least one of -title, -amount, -category, -description")
	}
	if err := patch.Validate(); err != nil {
		return err
	}

	e, matched, err := a.expenses.Update(ctx, *id, patch)
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("%w: %s", core.ErrNotFound, *id)
	}
	fmt.Fprintf(a.stdout, "Updated %s: %s %s (%s)\n", e.ID, e.Title, core.FormatAmount(e.Amount), e.Category)
	return nil
}

func (a *app) delete(ctx context.Context, args []string) error {
	fs := newFlagSet("delete", a.stderr)
	id := fs.String("id", "", "Expense id")
	yes := fs.Bool("yes", false, "Skip the confirmation prompt")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("missing required flags: id")
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	e, err := a.expenses.Get(*id)
	if err != nil {
		return fmt.Errorf("%w: %s", err, *id)
	}
	if !*yes {
		fmt.Fprintf(a.stdout, "Delete %q (%s)? [y/N] ", e.Title, core.FormatAmount(e.Amount))
		answer, _ := a.stdin.ReadString('\n')
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(a.stdout, "Cancelled")
			return nil
		}
	}

	if err := a.expenses.Delete(ctx, *id); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Deleted %s\n", *id)
	return nil
}

func (a *app) list(args []string) error {
	fs := newFlagSet("list", a.stderr)
	query := fs.String("q", "", "Match title or description")
	category := fs.String("category", "", "Only this category")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	var items []core.Expense
	if *query == "" && *category == "" {
		items = a.expenses.List()
	} else {
		var cat core.Category
		if *category != "" {
			c, err := core.ParseCategory(*category)
			if err != nil {
				return err
			}
			cat = c
		}
		items = a.expenses.Search(*query, cat)
	}

	if len(items) == 0 {
		fmt.Fprintln(a.stdout, "No expenses")
		return nil
	}
	a.printExpenses(items)
	fmt.Fprintf(a.stdout, "Total: %s\n", core.FormatAmount(sumOf(items)))
	return nil
}

func (a *app) recent(args []string) error {
	fs := newFlagSet("recent", a.stderr)
	n := fs.Int("n", expenses.DefaultRecent, "How many expenses to show")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}
	items := a.expenses.Recent(*n)
	if len(items) == 0 {
		fmt.Fprintln(a.stdout, "No expenses")
		return nil
	}
	a.printExpenses(items)
	return nil
}

func (a *app) summary(args []string) error {
	fs := newFlagSet("summary", a.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := a.requireSession(); err != nil {
		return err
	}

	sum := a.expenses.Summary()
	fmt.Fprintf(a.stdout, "Expenses: %d\nTotal: %s\n", sum.Count, core.FormatAmount(sum.Total))
	if len(sum.ByCategory) == 0 {
		return nil
	}
	fmt.Fprintf(a.stdout, "Average: %s\nCategories used: %d\n", core.FormatAmount(sum.Average()), sum.CategoriesUsed())
	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tCOUNT\tAMOUNT\tSHARE")
	for _, ca := range sum.ByCategory {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s%%\n", ca.Category, ca.Count, core.FormatAmount(ca.Amount), ca.Percentage.StringFixed(1))
	}
	return tw.Flush()
}

func (a *app) categories(args []string) error {
	fs := newFlagSet("categories", a.stderr)
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, c := range core.Categories() {
		fmt.Fprintln(a.stdout, c)
	}
	return nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := newFlagSet("export", a.stderr)
	sheet := fs.String("sheet", a.cfg.GoogleSheetName, "Target sheet name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	sess, ok := a.auth.Current()
	if !ok {
		return core.ErrUnauthenticated
	}
	if a.cfg.GoogleSpreadsheetID == "" {
		return fmt.Errorf("export needs GOOGLE_SPREADSHEET_ID to be set")
	}

	exporter, err := google.New(ctx, google.Config{
		SpreadsheetID:      a.cfg.GoogleSpreadsheetID,
		SheetName:          *sheet,
		ServiceAccountJSON: a.cfg.GoogleServiceAccountJSON,
		ServiceAccountFile: a.cfg.GoogleServiceAccountFile,
	}, a.logger)
	if err != nil {
		return err
	}
	ref, err := exporter.Export(ctx, sess, a.expenses.List())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Exported to %s\n", ref)
	return nil
}

func (a *app) requireSession() error {
	if _, ok := a.auth.Current(); !ok {
		return fmt.Errorf("%w: run 'expensebook login' first", core.ErrUnauthenticated)
	}
	return nil
}

func (a *app) printExpenses(items []core.Expense) {
	tw := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tTITLE\tCATEGORY\tAMOUNT")
	for _, e := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.CreatedAt.Local().Format("2006-01-02"), e.Title, e.Category, core.FormatAmount(e.Amount))
	}
	tw.Flush()
}

func (a *app) passwordOrPrompt(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	fmt.Fprint(a.stdout, "Password: ")
	pwd, err := readPassword(a.rawStdin, a.stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	fmt.Fprintln(a.stdout)
	if strings.TrimSpace(pwd) == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return pwd, nil
}

func sumOf(items []core.Expense) decimal.Decimal {
	total := decimal.Zero
	for _, e := range items {
		total = total.Add(e.Amount)
	}
	return total
}

func readPassword(raw io.Reader, buffered *bufio.Reader) (string, error) {
	if f, ok := raw.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	// Pipes and tests
	line, err := buffered.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
