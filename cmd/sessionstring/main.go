// Command sessionstring converts between credential files and the session
// strings the broker delivers to linked accounts.
//
//	sessionstring encode sessions/aB3xZ/creds.json
//	sessionstring decode --out creds.json 'PAIRCODE>>>eyJub2lzZUtleSI6...'
//
// The string argument of decode may be "-" to read it from stdin, which keeps
// credentials out of shell history.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"github.com/wricardo/paircode-broker/broker/config"
	"github.com/wricardo/paircode-broker/broker/credential"
)

var errUsage = errors.New("wrong number of arguments")

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.Fatal().Err(err).Msg("sessionstring")
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessionstring",
		Usage: "encode and decode broker session strings",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "brand",
				Value:   config.Default().Branding.Brand,
				Usage:   "session string prefix",
				Sources: cli.EnvVars("BRAND"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "encode",
				Usage:     "print the session string for a credential file",
				ArgsUsage: "<creds-file>",
				Action:    encode,
			},
			{
				Name:      "decode",
				Usage:     "write the credential blob carried by a session string",
				ArgsUsage: "<session-string | ->",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "write to file instead of stdout"},
				},
				Action: decode,
			},
		},
	}
}

func encode(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("encode: %w", errUsage)
	}

	s, err := credential.NewPackager(cmd.String("brand")).PackageFile(cmd.Args().First())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, s)
	return err
}

func decode(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("decode: %w", errUsage)
	}

	s := cmd.Args().First()
	if s == "-" {
		in, err := io.ReadAll(cmd.Root().Reader)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		s = strings.TrimSpace(string(in))
	}

	blob, err := credential.NewPackager(cmd.String("brand")).Unpack(s)
	if err != nil {
		return err
	}

	if out := cmd.String("out"); out != "" {
		if err := os.WriteFile(out, blob, 0o600); err != nil {
			return fmt.Errorf("write %s: %w", out, err)
		}
		return nil
	}
	_, err = cmd.Root().Writer.Write(blob)
	return err
}
