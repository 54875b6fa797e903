package cmd

import (
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_fdx/internal/api"
	"github.com/austindbirch/harbor_fdx/internal/fdx"
)

// fetch GETs the FDX path built from segments and renders the result with
// human unless --json is set.
func fetch[T any](cmd *cobra.Command, human func(io.Writer, T), segments ...string) error {
	ctx, cancel := requestContext(cmd)
	defer cancel()

	path := api.Prefix
	for _, s := range segments {
		path += "/" + url.PathEscape(s)
	}

	var v T
	if err := getJSON(ctx, path, &v); err != nil {
		return err
	}
	if outputJSON {
		return printJSON(cmd.OutOrStdout(), v)
	}
	human(cmd.OutOrStdout(), v)
	return nil
}

func fullName(n fdx.Name) string {
	return strings.TrimSpace(n.First + " " + n.Last)
}

var customerCmd = &cobra.Command{
	Use:   "customer",
	Short: "Show the authenticated customer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, c fdx.Customer) {
			fmt.Fprintf(w, "Customer %s\n", c.CustomerID)
			fmt.Fprintf(w, "  Name:  %s\n", fullName(c.Name))
			if c.Email != "" {
				fmt.Fprintf(w, "  Email: %s\n", c.Email)
			}
			if c.Phone != "" {
				fmt.Fprintf(w, "  Phone: %s\n", c.Phone)
			}
		}, "customers", "current")
	},
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "List and inspect accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the customer's accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, v struct {
			Accounts []fdx.Account `json:"accounts"`
		}) {
			if len(v.Accounts) == 0 {
				fmt.Fprintln(w, "No accounts found")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ACCOUNT\tCATEGORY\tTYPE\tNAME\tSTATUS\tBALANCE")
			for _, a := range v.Accounts {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%.2f %s\n",
					a.AccountID, a.AccountCategory, a.AccountType, a.DisplayName, a.Status, a.CurrentBalance, a.Currency)
			}
			tw.Flush()
		}, "accounts")
	},
}

var accountsGetCmd = &cobra.Command{
	Use:   "get [account-id]",
	Short: "Show one account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, a fdx.Account) {
			fmt.Fprintf(w, "Account %s (%s)\n", a.AccountID, a.DisplayName)
			fmt.Fprintf(w, "  Category:  %s / %s\n", a.AccountCategory, a.AccountType)
			fmt.Fprintf(w, "  Number:    %s\n", a.AccountNumber)
			fmt.Fprintf(w, "  Status:    %s\n", a.Status)
			fmt.Fprintf(w, "  Current:   %.2f %s\n", a.CurrentBalance, a.Currency)
			fmt.Fprintf(w, "  Available: %.2f %s\n", a.AvailableBalance, a.Currency)
			fmt.Fprintf(w, "  As of:     %s\n", a.BalanceAsOf)
			if a.InterestRate != 0 {
				fmt.Fprintf(w, "  Interest:  %.3f%% %s\n", a.InterestRate, a.InterestRateType)
			}
		}, "accounts", args[0])
	},
}

var accountsContactCmd = &cobra.Command{
	Use:   "contact [account-id]",
	Short: "Show the account holders' contact details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, c fdx.Contact) {
			for _, h := range c.Holders {
				fmt.Fprintf(w, "Holder: %s\n", fullName(h))
			}
			for _, e := range c.Emails {
				fmt.Fprintf(w, "Email:  %s\n", e)
			}
			for _, p := range c.Telephones {
				fmt.Fprintf(w, "Phone:  %s\n", p)
			}
			for _, a := range c.Addresses {
				fmt.Fprintf(w, "Address: %s, %s %s %s %s\n", a.Line1, a.City, a.Region, a.PostalCode, a.Country)
			}
		}, "accounts", args[0], "contact")
	},
}

var statementsCmd = &cobra.Command{
	Use:   "statements",
	Short: "List and inspect account statements",
}

var statementsListCmd = &cobra.Command{
	Use:   "list [account-id]",
	Short: "List an account's statements",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, v struct {
			Statements []fdx.Statement `json:"statements"`
		}) {
			if len(v.Statements) == 0 {
				fmt.Fprintln(w, "No statements found")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STATEMENT\tDATE\tSTATUS\tDESCRIPTION")
			for _, s := range v.Statements {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.StatementID, s.StatementDate, s.Status, s.Description)
			}
			tw.Flush()
		}, "accounts", args[0], "statements")
	},
}

var statementsGetCmd = &cobra.Command{
	Use:   "get [account-id] [statement-id]",
	Short: "Show one statement",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, s fdx.Statement) {
			fmt.Fprintf(w, "Statement %s\n", s.StatementID)
			fmt.Fprintf(w, "  Date:        %s\n", s.StatementDate)
			fmt.Fprintf(w, "  Status:      %s\n", s.Status)
			fmt.Fprintf(w, "  Description: %s\n", s.Description)
		}, "accounts", args[0], "statements", args[1])
	},
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions [account-id]",
	Short: "List an account's transactions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, v struct {
			Transactions []fdx.Transaction `json:"transactions"`
		}) {
			if len(v.Transactions) == 0 {
				fmt.Fprintln(w, "No transactions found")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TRANSACTION\tPOSTED\tAMOUNT\tSTATUS\tDESCRIPTION")
			for _, t := range v.Transactions {
				amount := t.Amount
				if t.DebitCreditMemo == "DEBIT" {
					amount = -amount
				}
				fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%s\n", t.TransactionID, t.PostedTimestamp, amount, t.Status, t.Description)
			}
			tw.Flush()
		}, "accounts", args[0], "transactions")
	},
}

var networksCmd = &cobra.Command{
	Use:   "networks",
	Short: "Show payment and asset transfer networks",
}

var networksPaymentCmd = &cobra.Command{
	Use:   "payment [account-id]",
	Short: "List networks that can move money in or out of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, v struct {
			PaymentNetworks []fdx.PaymentNetwork `json:"paymentNetworks"`
		}) {
			if len(v.PaymentNetworks) == 0 {
				fmt.Fprintln(w, "No payment networks found")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tBANK\tIDENTIFIER\tIN\tOUT")
			for _, n := range v.PaymentNetworks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%v\n", n.Type, n.BankID, n.Identifier, n.TransferIn, n.TransferOut)
			}
			tw.Flush()
		}, "accounts", args[0], "payment-networks")
	},
}

var networksAssetCmd = &cobra.Command{
	Use:   "asset-transfer [account-id]",
	Short: "List networks that can move holdings between institutions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return fetch(cmd, func(w io.Writer, v struct {
			AssetTransferNetworks []fdx.AssetTransferNetwork `json:"assetTransferNetworks"`
		}) {
			if len(v.AssetTransferNetworks) == 0 {
				fmt.Fprintln(w, "No asset transfer networks found")
				return
			}
			tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TYPE\tINSTITUTION\tID\tIDENTIFIER\tJOINT")
			for _, n := range v.AssetTransferNetworks {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n", n.Type, n.InstitutionName, n.InstitutionID, n.Identifier, n.JointAccount)
			}
			tw.Flush()
		}, "accounts", args[0], "asset-transfer-networks")
	},
}

func init() {
	rootCmd.AddCommand(customerCmd, accountsCmd, statementsCmd, transactionsCmd, networksCmd)
	accountsCmd.AddCommand(accountsListCmd, accountsGetCmd, accountsContactCmd)
	statementsCmd.AddCommand(statementsListCmd, statementsGetCmd)
	networksCmd.AddCommand(networksPaymentCmd, networksAssetCmd)
}
