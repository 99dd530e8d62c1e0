package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/ledger-engine/internal/ledger"
	"github.com/atmx/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("LEDGER_STARTING_CASH", "2500")
	t.Setenv("CURRENCY", "USD")

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestOpen_JSON(t *testing.T) {
	out, err := run(t, "open", "--owner", "user1", "--output", "json")
	if err != nil {
		t.Fatal(err)
	}
	var snap model.Snapshot
	if err := json.Unmarshal([]byte(out), &snap); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if snap.Owner != "user1" || !snap.Cash.Equal(d(2500)) {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestOpen_Text(t *testing.T) {
	out, err := run(t, "open", "-u", "user1", "--cash", "1234.5")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "$1,234.50") {
		t.Errorf("text output missing formatted cash:\n%s", out)
	}
}

func TestRoot_RequiresOwner(t *testing.T) {
	_, err := run(t, "show", "--owner", "")
	if err == nil {
		t.Fatal("expected an error without --owner")
	}
	if exitCode(err) != 2 {
		t.Errorf("exit code = %d, want 2", exitCode(err))
	}
}

func TestBuy_RejectsBadQuantity(t *testing.T) {
	_, err := run(t, "buy", "2885", "ten", "100", "--owner", "user1")
	if ledger.KindOf(err) != ledger.KindInvalidOrder {
		t.Errorf("expected invalid order, got %v", err)
	}
}

func TestShow_UnknownOwner(t *testing.T) {
	_, err := run(t, "show", "--owner", "nobody")
	if ledger.KindOf(err) != ledger.KindAggregateNotFound {
		t.Errorf("expected not found, got %v", err)
	}
}

func TestReset_RequiresConfirmation(t *testing.T) {
	_, err := run(t, "reset", "--owner", "user1")
	if err == nil || !strings.Contains(err.Error(), "--yes") {
		t.Errorf("expected a confirmation error, got %v", err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: qty", ledger.ErrInvalidOrder), 2},
		{ledger.ErrInsufficientFunds, 2},
		{fmt.Errorf("%w after 8 attempts", ledger.ErrConcurrencyExhausted), 3},
		{fmt.Errorf("%w: dial tcp", ledger.ErrStorageUnavailable), 3},
		{fmt.Errorf("unknown command"), 1},
	}
	for _, tt := range tests {
		if got := exitCode(tt.err); got != tt.want {
			t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestNewPrinter_Rejects(t *testing.T) {
	if _, err := newPrinter(&bytes.Buffer{}, "xml", "USD"); err == nil {
		t.Error("expected an error for output xml")
	}
	if _, err := newPrinter(&bytes.Buffer{}, "text", "ZZZ"); err == nil {
		t.Error("expected an error for currency ZZZ")
	}
}

func TestPrinter_Amount(t *testing.T) {
	p, _ := newPrinter(&bytes.Buffer{}, "text", "USD")
	tests := []struct {
		in   decimal.Decimal
		want string
	}{
		{d(1234.5), "$1,234.50"},
		{d(0), "$0.00"},
		{d(0.005), "$0.01"},
	}
	for _, tt := range tests {
		if got := p.amount(tt.in); got != tt.want {
			t.Errorf("amount(%s) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrinter_TradesYAML(t *testing.T) {
	var buf bytes.Buffer
	p, _ := newPrinter(&buf, "yaml", "USD")
	err := p.trades([]model.Trade{{
		ID:         "t1",
		Owner:      "user1",
		Token:      "2885",
		Side:       model.Sell,
		Quantity:   4,
		Price:      d(150),
		Amount:     d(600),
		RealizedPL: d(200),
		ExecutedAt: time.Date(2025, 8, 15, 9, 15, 0, 0, time.UTC),
	}})
	if err != nil {
		t.Fatal(err)
	}

	var got []map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
	}
	if len(got) != 1 || got[0]["realized_pl"] != "200" || got[0]["side"] != "SELL" {
		t.Errorf("yaml = %v", got)
	}
}

func TestPrinter_TradesTextEmpty(t *testing.T) {
	var buf bytes.Buffer
	p, _ := newPrinter(&buf, "text", "USD")
	if err := p.trades(nil); err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(buf.String()) != "no trades" {
		t.Errorf("output = %q", buf.String())
	}
}
