package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/redial-dev/redial/client"
	"github.com/redial-dev/redial/internal/output"
	"github.com/redial-dev/redial/pkg/jsonpath"
	"github.com/redial-dev/redial/pkg/jsonschema"
	"github.com/redial-dev/redial/pool"
)

var getCmd = &cobra.Command{
	Use:   "get URL",
	Short: "Establish a connection and fetch the response for a URL",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := args[0]
		headers, _ := cmd.Flags().GetStringArray("header")
		method, _ := cmd.Flags().GetString("method")
		data, _ := cmd.Flags().GetString("data")
		verbose, _ := cmd.Flags().GetBool("verbose")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		noColor, _ := cmd.Flags().GetBool("no-color")
		follow, _ := cmd.Flags().GetBool("follow")
		noRetry, _ := cmd.Flags().GetBool("no-retry")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		proxy, _ := cmd.Flags().GetString("proxy")
		extract, _ := cmd.Flags().GetString("extract")
		schemaPath, _ := cmd.Flags().GetString("validate")

		opts, err := profileOptions()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, client.WithLogger(newLogger()))
		for _, header := range headers {
			parts := strings.SplitN(header, ":", 2)
			if len(parts) == 2 {
				opts = append(opts, client.WithHeader(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])))
			}
		}
		if follow {
			opts = append(opts, client.WithFollowRedirects())
		}
		if noRetry {
			opts = append(opts, client.WithRetryDisabled())
		}
		if maxAttempts > 0 {
			opts = append(opts, client.WithMaxAttempts(maxAttempts))
		}
		if proxy != "" {
			opts = append(opts, client.WithProxy(proxy))
		}
		if data != "" {
			opts = append(opts, client.WithBody(func() (io.Reader, error) {
				return strings.NewReader(data), nil
			}))
		}

		p := pool.New()
		defer p.Close()
		engine := client.New(p, pool.NewResolver(), opts...)

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		conn, err := engine.Connect(ctx, method, url).Await(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer conn.Release()

		body, err := io.ReadAll(conn.Body())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading body: %v\n", err)
			os.Exit(1)
		}

		formatter := output.NewFormatter(verbose, noColor)
		fmt.Print(formatter.FormatRedirects(conn.RedirectedFrom(), conn.ResourceURL()))
		fmt.Print(formatter.FormatRequest(conn.Request(), conn.ResourceURL()))
		fmt.Print(formatter.FormatResponse(conn.Response(), body))

		if extract != "" {
			value, err := jsonpath.Extract(string(body), extract)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(value)
		}
		if schemaPath != "" {
			schema, err := os.ReadFile(schemaPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			ok, errs := jsonschema.ValidateWithErrors(string(body), string(schema))
			if !ok {
				fmt.Printf("%s schema validation failed: %v\n", output.ErrorIcon(noColor), errs)
				os.Exit(1)
			}
			fmt.Printf("%s response matches schema\n", output.SuccessIcon(noColor))
		}
	},
}

func init() {
	getCmd.Flags().StringArrayP("header", "H", []string{}, "HTTP headers to include (can be used multiple times)")
	getCmd.Flags().StringP("method", "X", "GET", "HTTP method")
	getCmd.Flags().StringP("data", "d", "", "Request body")
	getCmd.Flags().BoolP("verbose", "v", false, "Enable verbose output")
	getCmd.Flags().DurationP("timeout", "t", 30*time.Second, "Request timeout")
	getCmd.Flags().Bool("no-color", false, "Disable colored output")
	getCmd.Flags().BoolP("follow", "L", false, "Follow redirects")
	getCmd.Flags().Bool("no-retry", false, "Disable the reset-triggered retry")
	getCmd.Flags().Int("max-attempts", 0, "Cap total connection attempts (0 = unbounded)")
	getCmd.Flags().String("proxy", "", "Proxy address (host:port) to dial instead of the target")
	getCmd.Flags().String("extract", "", "JSONPath expression to extract from the response body")
	getCmd.Flags().String("validate", "", "JSON schema file to validate the response body against")
}
