package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL   string
	apiKey      string
	callerID    string
	language    string
	mode        string
	templateRef string
)

func main() {
	root := &cobra.Command{
		Use:   "codelab",
		Short: "CLI client for the codelab execution engine",
	}

	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "Server URL")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("CODELAB_API_KEY"), "API key")
	root.PersistentFlags().StringVar(&callerID, "caller", os.Getenv("CODELAB_CALLER"), "Caller ID")

	runCmd := &cobra.Command{
		Use:   "run [source]",
		Short: "Submit source for execution (reads stdin when omitted)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSubmit,
	}
	runCmd.Flags().StringVarP(&language, "language", "l", "python", "Language (python, dsl)")
	runCmd.Flags().StringVarP(&mode, "mode", "m", "quick", "Execution mode (quick, tracked)")
	runCmd.Flags().StringVarP(&templateRef, "template", "t", "", "Execute a catalog template instead of source")
	root.AddCommand(runCmd)

	runFileCmd := &cobra.Command{
		Use:   "run-file [file]",
		Short: "Submit a source file for execution",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubmitFile,
	}
	runFileCmd.Flags().StringVarP(&language, "language", "l", "", "Language (auto-detected from extension)")
	runFileCmd.Flags().StringVarP(&mode, "mode", "m", "quick", "Execution mode (quick, tracked)")
	root.AddCommand(runFileCmd)

	root.AddCommand(&cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an in-flight execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodDelete, "/api/v1/executions/"+url.PathEscape(args[0]), nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Fetch a tracked execution from the ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodGet, "/api/v1/executions/"+url.PathEscape(args[0]), nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "history",
		Short: "List the caller's tracked executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/executions"
			if callerID != "" {
				path += "?caller=" + url.QueryEscape(callerID)
			}
			return doJSON(http.MethodGet, path, nil)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show the caller's session stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			if callerID == "" {
				return fmt.Errorf("--caller is required")
			}
			return doJSON(http.MethodGet, "/api/v1/sessions/"+url.PathEscape(callerID), nil)
		},
	})

	templateCmd := &cobra.Command{
		Use:   "template",
		Short: "Template catalog operations",
	}
	templateCmd.AddCommand(&cobra.Command{
		Use:   "get [id]",
		Short: "Fetch a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/templates/" + url.PathEscape(args[0])
			if callerID != "" {
				path += "?caller=" + url.QueryEscape(callerID)
			}
			return doJSON(http.MethodGet, path, nil)
		},
	})
	root.AddCommand(templateCmd)

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Security policy operations",
	}
	policyCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the active security policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodGet, "/api/v1/policy", nil)
		},
	})
	policyCmd.AddCommand(&cobra.Command{
		Use:   "reload [file]",
		Short: "Replace the active policy from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("reading policy file: %w", err)
			}
			var body json.RawMessage = data
			return doJSON(http.MethodPut, "/api/v1/policy", body)
		},
	})
	root.AddCommand(policyCmd)

	root.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check server health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return doJSON(http.MethodGet, "/health", nil)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runSubmit(cmd *cobra.Command, args []string) error {
	var source string
	if len(args) > 0 {
		source = args[0]
	} else if templateRef == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		source = string(data)
	}

	return submit(source, language)
}

func runSubmitFile(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	if language == "" {
		switch filepath.Ext(args[0]) {
		case ".py":
			language = "python"
		case ".dsl":
			language = "dsl"
		default:
			return fmt.Errorf("cannot detect language for %q, use --language", args[0])
		}
	}

	return submit(string(data), language)
}

func submit(source, lang string) error {
	payload := map[string]any{
		"caller_id":    callerID,
		"language":     lang,
		"mode":         mode,
		"source_text":  source,
		"template_ref": templateRef,
	}
	return doJSON(http.MethodPost, "/api/v1/submit", payload)
}

// doJSON sends the request, pretty-prints the JSON response, and exits
// non-zero for error statuses.
func doJSON(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	if callerID != "" {
		req.Header.Set("X-Caller-ID", callerID)
	}

	client := &http.Client{Timeout: 70 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var result any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil && err != io.EOF {
		return fmt.Errorf("decoding response: %w", err)
	}
	if result != nil {
		formatted, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(formatted))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
