// File: cmd/hubd/get.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/momentics/hioload-reactor/client"
	"github.com/momentics/hioload-reactor/protocol/http1"
	"github.com/momentics/hioload-reactor/reactor"
)

type getOptions struct {
	*rootOptions
	method   string
	headers  []string
	data     string
	include  bool
	insecure bool
}

func newGetCommand(root *rootOptions) *cobra.Command {
	opts := &getOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Send one HTTP request and print the response body",
		Example: `  hubd get http://127.0.0.1:8080/healthz
  hubd get -X POST -H 'Content-Type: application/json' -d '{"a":1}' http://127.0.0.1:8080/api`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.method, "request", "X", "GET", "request method")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "request header 'Name: value' (repeatable)")
	cmd.Flags().StringVarP(&opts.data, "data", "d", "", "request body")
	cmd.Flags().BoolVarP(&opts.include, "include", "i", false, "print the status line and headers")
	cmd.Flags().BoolVarP(&opts.insecure, "insecure", "k", false, "skip TLS certificate verification")
	return cmd
}

func runGet(ctx context.Context, opts *getOptions, url string, out io.Writer) error {
	o := client.Options{Headers: make(map[string]string)}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			return fmt.Errorf("header %q: want 'Name: value'", h)
		}
		o.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}
	if opts.data != "" {
		o.Body = []byte(opts.data)
	}

	r, err := reactor.New(reactor.WithLogger(opts.logger), reactor.WithStallWindow(0))
	if err != nil {
		return err
	}
	defer r.Close()

	copts := []client.Option{client.WithLogger(opts.logger)}
	if opts.insecure {
		copts = append(copts, client.WithTLSConfig(&tls.Config{InsecureSkipVerify: true}))
	}
	c := client.New(r, opts.cfg.ClientConfig(), copts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var (
		resp   *http1.Response
		reqErr error
	)
	c.Do(opts.method, url, o, func(res *http1.Response, err error) {
		resp, reqErr = res, err
		cancel()
	})
	if err := r.Run(ctx); err != nil {
		return err
	}
	if reqErr != nil {
		return reqErr
	}
	if resp == nil {
		return ctx.Err()
	}
	if opts.include {
		if _, err := fmt.Fprintf(out, "%s %d %s\r\n", resp.Proto, resp.StatusCode, resp.Reason); err != nil {
			return err
		}
		if _, err := out.Write(resp.Header.AppendTo(nil)); err != nil {
			return err
		}
		if _, err := io.WriteString(out, "\r\n"); err != nil {
			return err
		}
	}
	_, err = out.Write(resp.Body)
	return err
}
