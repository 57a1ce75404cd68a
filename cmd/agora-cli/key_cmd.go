package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"agora/cmd/internal/passphrase"
	"agora/crypto"
)

const keystorePassEnv = "AGORA_KEYSTORE_PASS"

// keystorePassphrase is swapped out in tests to avoid the terminal prompt.
var keystorePassphrase = passphrase.NewSource(keystorePassEnv).Get

func runKeyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}

	switch args[0] {
	case "new":
		return runKeyNew(args[1:], stdout, stderr)
	case "address":
		return runKeyAddress(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown key subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}
}

func runKeyNew(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("key new", stderr, keyUsage)
	var out string
	fs.StringVar(&out, "out", "wallet.keystore", "keystore output path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return printCommandError(stderr, "--out is required")
	}
	if _, err := os.Stat(out); err == nil {
		return printCommandError(stderr, fmt.Sprintf("refusing to overwrite existing keystore %s", out))
	} else if !os.IsNotExist(err) {
		return printCommandError(stderr, fmt.Sprintf("failed to check keystore path: %v", err))
	}

	pass, err := keystorePassphrase()
	if err != nil {
		return printCommandError(stderr, err.Error())
	}

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printCommandError(stderr, fmt.Sprintf("failed to generate key: %v", err))
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printCommandError(stderr, fmt.Sprintf("failed to save keystore: %v", err))
	}

	fmt.Fprintf(stdout, "Generated new key and saved to %s\n", out)
	fmt.Fprintf(stdout, "Your address is: %s\n", key.PubKey().Address().String())
	fmt.Fprintln(stdout, "Store the keystore and passphrase securely; neither can be recovered.")
	return 0
}

func runKeyAddress(args []string, stdout, stderr io.Writer) int {
	fs := newCommandFlagSet("key address", stderr, keyUsage)
	var file string
	fs.StringVar(&file, "file", "wallet.keystore", "keystore path")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}

	pass, err := keystorePassphrase()
	if err != nil {
		return printCommandError(stderr, err.Error())
	}
	key, err := crypto.LoadFromKeystore(strings.TrimSpace(file), pass)
	if err != nil {
		return printCommandError(stderr, fmt.Sprintf("failed to load keystore: %v", err))
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func keyUsage() string {
	return strings.TrimSpace(`Usage:
  agora-cli key <command> [flags]

Commands:
  new      Generate a key and save it to an encrypted keystore
  address  Print the address stored in a keystore
`)
}
