// Command arcus-cli is an interactive line client for ARCUS and memcached
// servers over TCP, UDP or a Unix socket.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	arcus "github.com/pior/arcus-cli"
	"github.com/pior/arcus-cli/internal/logging"
	"github.com/pior/arcus-cli/sasl"
)

const envPassword = "ARCUS_PASSWORD"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := defaultOptions()

	cmd := &cobra.Command{
		Use:           "arcus-cli",
		Short:         "Interactive client for ARCUS cache servers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.ConfigPath != "" {
				fc, err := loadFileConfig(opts.ConfigPath)
				if err != nil {
					return report(err)
				}
				if err := opts.merge(fc, cmd.Flags().Changed); err != nil {
					return report(err)
				}
			}
			return report(run(opts))
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Host, "host", opts.Host, "server host name")
	f.IntVarP(&opts.Port, "port", "p", opts.Port, "server port")
	f.BoolVarP(&opts.UDP, "udp", "u", opts.UDP, "use UDP instead of TCP")
	f.Uint16Var(&opts.RequestID, "req-id", opts.RequestID, "UDP request id, 0 derives one")
	f.StringVar(&opts.UnixPath, "unix-path", opts.UnixPath, "connect to a Unix socket instead of host:port")
	f.IntVarP(&opts.TimeoutMS, "timeout", "t", opts.TimeoutMS, "UDP receive timeout in milliseconds")
	f.StringVar(&opts.HeaderEncoding, "header-encoding", opts.HeaderEncoding, "UDP frame header encoding (base255 or base256)")
	f.BoolVar(&opts.Auth, "auth", opts.Auth, "authenticate with SASL after connecting")
	f.StringVar(&opts.User, "user", opts.User, "SASL user name")
	f.StringSliceVar(&opts.Mechanisms, "auth-mechanisms", opts.Mechanisms, "SASL mechanisms in preference order")
	f.StringSliceVar(&opts.AuthTransports, "auth-transports", opts.AuthTransports, "transports that authenticate (tcp, unix, udp)")
	f.StringVar(&opts.ConfigPath, "config", opts.ConfigPath, "YAML or TOML config file")
	f.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "diagnostic log level")

	return cmd
}

func report(err error) error {
	if err != nil {
		fmt.Fprintln(os.Stderr, "arcus-cli:", err)
	}
	return err
}

func run(opts options) error {
	log := logging.New(os.Stderr, opts.logConfig())

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "",
		InterruptPrompt: "^C",
		EOFPrompt:       "",
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()

	var creds sasl.Credentials
	if opts.authRequired() {
		creds, err = readCredentials(rl, opts.User)
		if err != nil {
			return err
		}
	}

	cfg, err := opts.connectionConfig(creds)
	if err != nil {
		return err
	}
	conn, err := arcus.NewConnection(cfg, log)
	if err != nil {
		return err
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		printReplies(rl.Stdout(), conn.Replies())
	}()
	defer func() {
		conn.Close()
		<-printed
	}()

	ctx := context.Background()
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	if cfg.Endpoint.Kind == arcus.KindUDP {
		log.Debug().Uint16("request_id", conn.RequestID()).Msg("using datagram request id")
	}

	return repl(ctx, rl, conn, cfg.Timeout, log)
}

// repl forwards every input line to the server until quit, Ctrl-C or EOF.
func repl(ctx context.Context, rl *readline.Instance, conn *arcus.Connection, timeout time.Duration, log zerolog.Logger) error {
	for {
		line, err := rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			return nil
		case errors.Is(err, io.EOF):
			// Late replies to the last lines may still be in flight.
			time.Sleep(timeout)
			return nil
		case err != nil:
			return err
		}

		if strings.TrimSpace(line) == "quit" {
			return nil
		}
		if err := conn.Write(ctx, line); err != nil {
			return err
		}
		log.Trace().Str("line", line).Msg("sent")
	}
}

func printReplies(w io.Writer, replies <-chan string) {
	for reply := range replies {
		fmt.Fprint(w, reply)
	}
}

// readCredentials asks for the user name when it was not given and reads the
// password from the environment or the terminal, without echo.
func readCredentials(rl *readline.Instance, user string) (sasl.Credentials, error) {
	if user == "" {
		rl.SetPrompt("Username: ")
		line, err := rl.Readline()
		rl.SetPrompt("")
		if err != nil {
			return sasl.Credentials{}, fmt.Errorf("read user name: %w", err)
		}
		user = strings.TrimSpace(line)
	}

	password, ok := os.LookupEnv(envPassword)
	if !ok {
		fd := int(os.Stdin.Fd())
		if !term.IsTerminal(fd) {
			return sasl.Credentials{}, fmt.Errorf("no terminal to read the password from, set %s", envPassword)
		}
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return sasl.Credentials{}, fmt.Errorf("read password: %w", err)
		}
		password = string(raw)
	}

	return sasl.Credentials{Username: user, Password: password}, nil
}
