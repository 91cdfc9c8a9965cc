package main

import (
	"github.com/spf13/cobra"

	"github.com/go-go-golems/streamchat/pkg/backend"
)

func newServeCommand() *cobra.Command {
	var (
		addr      string
		uploadDir string
		filesDB   string
		redis     bool
		redisAddr string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the development chat backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := settings.Server
			flags := cmd.Flags()
			if flags.Changed("addr") {
				s.Addr = addr
			}
			if flags.Changed("upload-dir") {
				s.UploadDir = uploadDir
			}
			if flags.Changed("files-db") {
				s.FilesDB = filesDB
			}
			if flags.Changed("redis") {
				s.Redis.Enabled = redis
			}
			if flags.Changed("redis-addr") {
				s.Redis.Addr = redisAddr
			}
			if err := s.ExpandPaths(); err != nil {
				return err
			}

			ctx := cmd.Context()
			srv, err := backend.NewServer(ctx, s)
			if err != nil {
				return err
			}
			return srv.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", settings.Server.Addr, "listen address")
	cmd.Flags().StringVar(&uploadDir, "upload-dir", settings.Server.UploadDir, "directory for uploaded files")
	cmd.Flags().StringVar(&filesDB, "files-db", "", "SQLite file keeping upload records across restarts")
	cmd.Flags().BoolVar(&redis, "redis", false, "carry outbound frames over Redis Streams")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", settings.Server.Redis.Addr, "Redis address")
	return cmd
}
