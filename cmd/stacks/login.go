package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mmcdole/stacks/internal/config"
	"github.com/mmcdole/stacks/internal/domain"
	"github.com/mmcdole/stacks/internal/render"
)

var loginCmd = &cobra.Command{
	Use:   "login <account>",
	Short: "Log in to a library account",
	Long:  "Log in to a library account. The credentials are checked against the catalog and saved to the config file.",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout <account>",
	Short: "Forget the saved credentials of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, v, err := openApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		acct, ok := a.Config.Account(args[0])
		if !ok {
			return fmt.Errorf("%s: %w", args[0], domain.ErrAccountNotFound)
		}
		if err := a.Accounts.Logout(domain.AccountID(acct.ID)); err != nil {
			return err
		}
		acct.Username, acct.Password, acct.Token = "", "", ""
		if err := config.Save(v, a.Config); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), render.SuccessStyle.Render("Logged out of "+acct.Title))
		return nil
	},
}

func init() {
	loginCmd.Flags().String("username", "", "library card number or username")
	loginCmd.Flags().Bool("token", false, "read a bearer token instead of a password")
	rootCmd.AddCommand(loginCmd, logoutCmd)
}

func runLogin(cmd *cobra.Command, args []string) error {
	a, v, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	acct, ok := a.Config.Account(args[0])
	if !ok {
		return fmt.Errorf("%s: %w", args[0], domain.ErrAccountNotFound)
	}
	useToken, _ := cmd.Flags().GetBool("token")
	username, _ := cmd.Flags().GetString("username")

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, render.TitleStyle.Render(acct.Title))
	fmt.Fprintln(out, render.DimStyle.Render(acct.Catalog))
	fmt.Fprintln(out)

	creds := &domain.Credentials{}
	if useToken {
		token, err := readSecret(out, "Token: ")
		if err != nil {
			return err
		}
		creds.Token = token
	} else {
		if username == "" {
			fmt.Fprint(out, "Username: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil {
				return fmt.Errorf("failed to read username: %w", err)
			}
			username = strings.TrimSpace(line)
		}
		password, err := readSecret(out, "Password: ")
		if err != nil {
			return err
		}
		creds.Username, creds.Password = username, password
	}

	fmt.Fprintln(out, "Checking credentials...")
	if err := a.Accounts.Login(cmd.Context(), domain.AccountID(acct.ID), creds); err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	acct.Username, acct.Password, acct.Token = creds.Username, creds.Password, creds.Token
	if err := config.Save(v, a.Config); err != nil {
		return err
	}
	fmt.Fprintln(out, render.SuccessStyle.Render("Logged in to "+acct.Title))
	return nil
}

// readSecret prompts for a value without echoing it
func readSecret(out io.Writer, prompt string) (string, error) {
	fmt.Fprint(out, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", strings.ToLower(strings.TrimSuffix(prompt, ": ")), err)
	}
	return strings.TrimSpace(string(b)), nil
}
