package main

import (
	"bufio"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"blockfs/pkg/config"
	"blockfs/pkg/kv"
	"blockfs/pkg/vfs"
)

func main() {
	config.LoadEnv()

	root := &cobra.Command{
		Use:   "blockfs <command> [flags]",
		Short: "Inspect and maintain blockfs stores",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}

	root.AddCommand(newInspectCmd())
	root.AddCommand(newPurgeCmd())
	root.AddCommand(newSQLCmd())

	err := root.Execute()

	if err != nil {
		os.Exit(1)
	}
}

func openVFS() (*vfs.VFS, *config.Config, error) {
	cfg := config.NewConfig()

	v, err := vfs.NewFromConfig(cfg)

	if err != nil {
		return nil, nil, err
	}

	return v, cfg, nil
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [path]",
		Short: "List files and block versions in the store",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := openVFS()

			if err != nil {
				return err
			}

			defer v.Close()

			return v.Store().Run(kv.ReadOnly, func(b *kv.Batch) error {
				names, err := b.FileNames()

				if err != nil {
					return err
				}

				for _, name := range names {
					if len(args) == 1 && name != args[0] {
						continue
					}

					indexes, versions, err := b.FileBlocks(name)

					if err != nil {
						return err
					}

					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records\n", name, len(indexes))

					for i := range indexes {
						fmt.Fprintf(cmd.OutOrStdout(), "  block %d version %d\n", indexes[i], versions[i])
					}
				}

				return nil
			})
		},
	}
}

func newPurgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge <path>",
		Short: "Remove obsolete block versions for a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, _, err := openVFS()

			if err != nil {
				return err
			}

			defer v.Close()

			return v.Purger().Purge(args[0])
		},
	}
}

func newSQLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sql <database>",
		Short: "Run SQL statements against a database in the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, cfg, err := openVFS()

			if err != nil {
				return err
			}

			defer v.Close()

			vfs.Register(cfg.VFSName, v)

			db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?vfs=%s", args[0], cfg.VFSName))

			if err != nil {
				return err
			}

			defer db.Close()

			scanner := bufio.NewScanner(cmd.InOrStdin())

			for scanner.Scan() {
				statement := strings.TrimSpace(scanner.Text())

				if statement == "" {
					continue
				}

				err = runStatement(cmd, db, statement)

				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
				}
			}

			return scanner.Err()
		},
	}
}

func runStatement(cmd *cobra.Command, db *sql.DB, statement string) error {
	rows, err := db.Query(statement)

	if err != nil {
		return err
	}

	defer rows.Close()

	columns, err := rows.Columns()

	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), strings.Join(columns, "|"))

	values := make([]any, len(columns))
	pointers := make([]any, len(columns))

	for i := range values {
		pointers[i] = &values[i]
	}

	for rows.Next() {
		err = rows.Scan(pointers...)

		if err != nil {
			return err
		}

		fields := make([]string, len(values))

		for i, value := range values {
			fields[i] = fmt.Sprint(value)
		}

		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(fields, "|"))
	}

	return rows.Err()
}
