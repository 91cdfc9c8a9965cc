package main

import (
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/pkg/chatcli"
	"github.com/go-go-golems/streamchat/pkg/config"
	"github.com/go-go-golems/streamchat/pkg/files"
	"github.com/go-go-golems/streamchat/pkg/session"
	"github.com/go-go-golems/streamchat/pkg/transport"
)

func newChatCommand() *cobra.Command {
	var (
		url       string
		httpBase  string
		markdown  bool
		noConnect bool
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a backend from the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := settings.Client
			flags := cmd.Flags()
			if flags.Changed("url") {
				c.URL = url
			}
			if flags.Changed("http-base") {
				c.HTTPBase = httpBase
			}
			if flags.Changed("markdown") {
				c.Markdown = markdown
			}
			if err := c.Validate(); err != nil {
				return err
			}
			// a new socket URL implies its own collaborator base unless one is given
			if strings.TrimSpace(c.HTTPBase) == "" || (flags.Changed("url") && !flags.Changed("http-base")) {
				base, err := config.HTTPBaseFromWS(c.URL)
				if err != nil {
					return err
				}
				c.HTTPBase = base
			}

			filesClient, err := files.NewClient(c.HTTPBase)
			if err != nil {
				return err
			}
			s := session.New(transport.NewWebSocket(), session.WithLogger(log.Logger))
			defer func() { _ = s.Close() }()

			var opts []chatcli.Option
			if !isatty.IsTerminal(os.Stdout.Fd()) {
				opts = append(opts, chatcli.WithStyles(chatcli.PlainStyles()))
			}
			repl := chatcli.New(s, filesClient, c, cmd.OutOrStdout(), opts...)

			if !noConnect {
				if err := s.Connect(c.URL); err != nil {
					return err
				}
			}
			if cmd.InOrStdin() == os.Stdin && isatty.IsTerminal(os.Stdin.Fd()) {
				history, err := homedir.Expand(c.HistoryFile)
				if err != nil {
					return err
				}
				return repl.RunTerminal(cmd.Context(), history)
			}
			return repl.Run(cmd.Context(), cmd.InOrStdin())
		},
	}
	cmd.Flags().StringVar(&url, "url", settings.Client.URL, "chat websocket URL")
	cmd.Flags().StringVar(&httpBase, "http-base", "", "base URL for /upload and /delete-file (derived from --url when empty)")
	cmd.Flags().BoolVar(&markdown, "markdown", false, "render finished replies as markdown")
	cmd.Flags().BoolVar(&noConnect, "no-connect", false, "start disconnected; use /connect")
	return cmd
}
