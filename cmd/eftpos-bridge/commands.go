package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"eftpos-bridge/internal/driver"
	"eftpos-bridge/internal/eftpos"
	"eftpos-bridge/internal/ledger"
	"eftpos-bridge/internal/providers/smartpay"
)

// The local commands open the same store as the server. Badger holds an
// exclusive lock on it, so stop the service first.
func openApplication() (*application, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return newApplication(cfg, logger)
}

type purchaseOptions struct {
	amount    int64
	txType    string
	reference string
	yes       bool
}

func runPurchase(ctx context.Context, opts purchaseOptions) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.close()

	in := bufio.NewReader(os.Stdin)
	res, err := app.facade.CreateTransaction(ctx, opts.amount,
		driver.WithType(eftpos.TransactionType(opts.txType)),
		driver.WithReference(opts.reference),
		driver.WithProgress(func(message string) {
			fmt.Fprintf(os.Stderr, "terminal: %s\n", message)
		}),
		driver.WithQuestionHandler(func(_ context.Context, q eftpos.Question) (bool, error) {
			if opts.yes {
				return true, nil
			}
			return askYesNo(in, os.Stderr, q.Text)
		}),
	)
	if perr := printJSON(os.Stdout, res); perr != nil {
		return perr
	}
	if err != nil {
		if id, ok := eftpos.TransactionIDOf(err); ok && eftpos.IsAmbiguous(err) {
			return fmt.Errorf("outcome unknown, transaction %s kept for reconciliation: %w", id, err)
		}
		return err
	}
	return nil
}

// askYesNo prompts on w and reads one answer from r.
func askYesNo(r *bufio.Reader, w io.Writer, text string) (bool, error) {
	_, _ = fmt.Fprintf(w, "%s [y/N]: ", text)
	line, err := r.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

func runLedgerList(_ context.Context) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.close()

	records, err := app.ledger.List()
	if err != nil {
		return err
	}
	return printLedger(os.Stdout, records)
}

func printLedger(w io.Writer, records []ledger.Record) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No unresolved transactions")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "TRANSACTION\tPROVIDER\tAMOUNT\tCREATED\tATTEMPTS\tSTATE\tLAST ERROR")
	for _, rec := range records {
		state := "pending"
		if rec.Abandoned {
			state = "abandoned"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			rec.TransactionID, rec.Provider, rec.Amount, rec.CreatedAt.Format(time.RFC3339),
			rec.TotalRetryCount, state, rec.LastError)
	}
	return tw.Flush()
}

func runLedgerReconcile(ctx context.Context) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.close()

	report, err := app.reconciler.RunOnce(ctx)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, report)
}

func runLedgerResolve(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("%w: transaction id is required", eftpos.ErrValidation)
	}
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.close()

	res, err := app.reconciler.Resolve(ctx, id)
	if err != nil && !eftpos.IsAmbiguous(err) {
		return err
	}
	if perr := printJSON(os.Stdout, res); perr != nil {
		return perr
	}
	return err
}

func runPair(ctx context.Context, code string) error {
	app, err := openApplication()
	if err != nil {
		return err
	}
	defer app.close()

	p, ok := app.providers.Active().(*smartpay.Provider)
	if !ok {
		return fmt.Errorf("%w: pairing requires the smartpay provider", eftpos.ErrValidation)
	}
	registerID, err := p.Pair(ctx, code)
	if err != nil {
		return err
	}

	cfg := app.settings.GetActiveProvider()
	cfg.Settings, err = withRegisterID(cfg.Settings, registerID)
	if err != nil {
		return err
	}
	if err := app.settings.Activate(cfg); err != nil {
		return err
	}
	_, err = fmt.Fprintf(os.Stdout, "Paired register %s\n", registerID)
	return err
}

// withRegisterID sets register_id in a provider settings object, keeping
// every other key.
func withRegisterID(raw json.RawMessage, registerID string) (json.RawMessage, error) {
	m := map[string]interface{}{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("invalid provider settings: %w", err)
		}
	}
	m["register_id"] = registerID
	return json.Marshal(m)
}

func printJSON(w io.Writer, v interface{}) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
