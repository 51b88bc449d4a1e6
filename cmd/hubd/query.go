// File: cmd/hubd/query.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-reactor/db"
	"github.com/momentics/hioload-reactor/reactor"
)

type queryOptions struct {
	*rootOptions
	host     string
	port     int
	user     string
	password string
	database string
}

func newQueryCommand(root *rootOptions) *cobra.Command {
	opts := &queryOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "query <sql> [params...]",
		Short: "Run one SQL statement and print the result",
		Long: `Run one SQL statement against PostgreSQL and print the rows as a table.

Without params the statement goes through the simple protocol and may
contain several statements; the last result is printed. With params it
is sent as one extended-protocol statement with $1..$n bound as text.`,
		Example: `  hubd query --user app 'SELECT version()'
  hubd query --user app 'SELECT * FROM users WHERE id = $1' 42`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), opts, args[0], args[1:], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "override database.host")
	cmd.Flags().IntVar(&opts.port, "port", 0, "override database.port")
	cmd.Flags().StringVar(&opts.user, "user", "", "override database.user")
	cmd.Flags().StringVar(&opts.password, "password", "", "override database.password")
	cmd.Flags().StringVar(&opts.database, "database", "", "override database.database")
	return cmd
}

func runQuery(ctx context.Context, opts *queryOptions, sql string, params []string, out io.Writer) error {
	cfg := opts.cfg
	for dst, v := range map[*string]string{
		&cfg.Database.Host:     opts.host,
		&cfg.Database.User:     opts.user,
		&cfg.Database.Password: opts.password,
		&cfg.Database.Database: opts.database,
	} {
		if v != "" {
			*dst = v
		}
	}
	if opts.port != 0 {
		cfg.Database.Port = opts.port
	}
	if !cfg.DatabaseEnabled() {
		return errors.New("no database user: set database.user or --user")
	}

	r, err := reactor.New(reactor.WithLogger(opts.logger), reactor.WithStallWindow(0))
	if err != nil {
		return err
	}
	defer r.Close()
	c, err := openDB(ctx, r, cfg, opts.logger)
	if err != nil {
		return err
	}
	defer c.Close()

	req := db.Request{Kind: db.KindExec, SQL: sql}
	if len(params) > 0 {
		req.Kind = db.KindExecParams
		for _, p := range params {
			req.Params = append(req.Params, p)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout+cfg.HTTP.RequestTimeout)
	defer cancel()
	p := c.Go(req).Then(func(*db.Result, error) { cancel() })
	if err := r.Run(ctx); err != nil {
		return err
	}
	select {
	case <-p.Done():
	default:
		return fmt.Errorf("query: %w", ctx.Err())
	}
	res, err := p.Result()
	if err != nil {
		return err
	}
	return printResult(out, res)
}

// printResult renders rows as an aligned table followed by the command tag.
func printResult(out io.Writer, res *db.Result) error {
	if len(res.Columns) > 0 {
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, strings.Join(res.Columns, "\t"))
		cells := make([]string, len(res.Columns))
		for i := range res.Rows {
			for j := range cells {
				v, ok := res.Value(i, j)
				if !ok {
					v = "NULL"
				}
				cells[j] = v
			}
			fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintln(out, res.Tag)
	return err
}
