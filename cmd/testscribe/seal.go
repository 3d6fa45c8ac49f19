package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"testscribe/internal/security"
)

// runSeal prints the sealed form of a secret for use in config.yaml. The
// server opens it at startup with the same TESTSCRIBE_CONFIG_KEY.
func runSeal(args []string) error {
	if len(args) > 0 {
		return errors.New("usage: TESTSCRIBE_CONFIG_KEY=... testscribe seal < secret")
	}
	passphrase := os.Getenv("TESTSCRIBE_CONFIG_KEY")
	if passphrase == "" {
		return errors.New("TESTSCRIBE_CONFIG_KEY is not set")
	}

	secret, err := readSecret(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}
	sealed, err := sealSecret(passphrase, secret)
	if err != nil {
		return err
	}
	fmt.Println(sealed)
	return nil
}

// readSecret reads without echo from a terminal, else the first line of in.
func readSecret(in *os.File, prompt io.Writer) (string, error) {
	if fd := int(in.Fd()); term.IsTerminal(fd) {
		fmt.Fprint(prompt, "Secret: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("read secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	return firstLine(in)
}

func firstLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read secret: %w", err)
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("empty secret")
	}
	return line, nil
}

func sealSecret(passphrase, secret string) (string, error) {
	s, err := security.NewSealer(passphrase)
	if err != nil {
		return "", err
	}
	defer s.Zeroize()
	return s.Seal([]byte(secret))
}
