// ABOUTME: Terminal prompts and progress helpers shared by the maintenance commands
// ABOUTME: Passwords are read without echo when stdin is a terminal

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/carelink/carelink-core/internal/gateway"
)

var (
	successMark = color.New(color.FgGreen).Sprint("✓")
	failureMark = color.New(color.FgRed).Sprint("✗")
	warningMark = color.New(color.FgYellow).Sprint("⚠")
)

var (
	stdinOnce   sync.Once
	stdinReader *bufio.Reader
)

func stdin() *bufio.Reader {
	stdinOnce.Do(func() { stdinReader = bufio.NewReader(os.Stdin) })
	return stdinReader
}

// readLine prompts on stderr and reads one line from stdin.
func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin().ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// readPassword prompts for a password without echo. When stdin is not a
// terminal the password is read as a plain line so scripts can pipe it in.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(prompt)
	}

	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

// readNewPassword asks for a new password twice.
func readNewPassword(prompt string) (string, error) {
	pw, err := readPassword(prompt)
	if err != nil {
		return "", err
	}
	again, err := readPassword("Repeat password: ")
	if err != nil {
		return "", err
	}
	if pw != again {
		return "", fmt.Errorf("passwords do not match")
	}
	return pw, nil
}

// login prompts for credentials unless username is given and logs in.
func login(ctx context.Context, gw *gateway.Gateway, username string) (*gateway.LoginResult, error) {
	if username == "" {
		var err error
		if username, err = readLine("Username: "); err != nil {
			return nil, err
		}
	}
	password, err := readPassword("Password: ")
	if err != nil {
		return nil, err
	}
	return gw.Login(ctx, gateway.Credentials{Username: username, Password: password})
}

// startSpinner shows progress on stderr while a long operation runs. The
// returned stop func prints msg in place of the spinner.
func startSpinner(message string) (stop func(msg string)) {
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
	s.Suffix = " " + message
	_ = s.Color("cyan")
	s.Start()
	return func(msg string) {
		s.FinalMSG = msg + "\n"
		s.Stop()
	}
}
