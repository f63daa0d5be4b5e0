package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard on stdin/stdout.
func NewWizard() *Wizard {
	return NewWizardIO(os.Stdin, os.Stdout)
}

// NewWizardIO creates a wizard reading answers from in and prompting on out.
func NewWizardIO(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{reader: bufio.NewReader(in), out: out}
}

// Run asks for the settings an operator must choose and returns the resulting config.
func (w *Wizard) Run() (*Config, error) {
	fmt.Fprintln(w.out, "=== chatgate Configuration Wizard ===")
	fmt.Fprintln(w.out)

	cfg := DefaultConfig()
	validator := NewValidator()

	// Control plane
	for {
		answer, err := w.ask(fmt.Sprintf("Control plane port [%d]: ", cfg.Server.Port))
		if err != nil {
			return nil, err
		}
		if answer == "" {
			break
		}
		port, err := strconv.Atoi(answer)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		cfg.Server.Port = port
		break
	}

	// Credentials
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Credentials (Basic auth and/or API key):")
	user, err := w.ask("Admin username (press Enter to skip Basic auth): ")
	if err != nil {
		return nil, err
	}
	if user != "" {
		for {
			pass, err := w.ask("Admin password: ")
			if err != nil {
				return nil, err
			}
			if pass == "" {
				fmt.Fprintln(w.out, "Error: password is required when a username is set")
				continue
			}
			cfg.Auth.Username = user
			cfg.Auth.Password = pass
			break
		}
	}

	gen, err := w.ask("Generate an API key? (y/n) [y]: ")
	if err != nil {
		return nil, err
	}
	if gen == "" || strings.EqualFold(gen, "y") {
		key := "cgk_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		cfg.Auth.APIKeys = append(cfg.Auth.APIKeys, key)
		fmt.Fprintf(w.out, "API key: %s\n", key)
	}
	if err := validator.ValidateCredentials(cfg.Auth); err != nil {
		return nil, err
	}

	// Storage
	fmt.Fprintln(w.out)
	driver, err := w.choose("Snapshot store (file/sqlite/redis)", cfg.Store.Driver, validator.ValidateStoreDriver)
	if err != nil {
		return nil, err
	}
	cfg.Store.Driver = driver
	if driver == "redis" {
		addr, err := w.ask("Redis address [127.0.0.1:6379]: ")
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = "127.0.0.1:6379"
		}
		cfg.Store.RedisAddr = addr
	}

	// Chat client
	fmt.Fprintln(w.out)
	adapterDriver, err := w.choose("Chat client driver (bridge/fake)", cfg.Adapter.Driver, validator.ValidateAdapterDriver)
	if err != nil {
		return nil, err
	}
	cfg.Adapter.Driver = adapterDriver
	if adapterDriver == "bridge" {
		bridge, err := w.choose("Bridge URL", cfg.Adapter.BridgeURL, validator.ValidateBridgeURL)
		if err != nil {
			return nil, err
		}
		cfg.Adapter.BridgeURL = bridge
	}

	// Logging
	fmt.Fprintln(w.out)
	level, err := w.choose("Log level (debug/info/warn/error)", cfg.Logging.Level, validator.ValidateLogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Logging.Level = level

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "Configuration complete!")
	return cfg, nil
}

// choose prompts until the answer passes validate. Empty keeps def.
func (w *Wizard) choose(prompt, def string, validate func(string) error) (string, error) {
	for {
		answer, err := w.ask(fmt.Sprintf("%s [%s]: ", prompt, def))
		if err != nil {
			return "", err
		}
		if answer == "" {
			return def, nil
		}
		if err := validate(answer); err != nil {
			fmt.Fprintf(w.out, "Error: %v\n", err)
			continue
		}
		return answer, nil
	}
}

func (w *Wizard) ask(prompt string) (string, error) {
	fmt.Fprint(w.out, prompt)
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("failed to read answer: %w", err)
	}
	return strings.TrimSpace(line), nil
}
