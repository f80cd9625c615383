package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/polisai/polis-chain/pkg/domain"
	"github.com/polisai/polis-chain/pkg/engine"
	"github.com/polisai/polis-chain/pkg/engine/runtime"
	"github.com/polisai/polis-chain/pkg/policy"
	"github.com/polisai/polis-chain/pkg/sandbox"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run URL",
		Short: "Dispatch one request through a request, condition, transform and output graph",
		Long: `run builds a small handler graph: the request node routes 2xx responses
through an optional condition and transform into the output, while failure and
error outcomes go straight to the output.`,
		Args: cobra.ExactArgs(1),
		RunE: runGraph,
	}

	flags := cmd.Flags()
	flags.StringP("method", "X", "GET", "HTTP method")
	flags.StringArrayP("header", "H", nil, "Request header as name:value (repeatable)")
	flags.StringP("data", "d", "", "Request body; JSON is sent as JSON, anything else as text")
	flags.Int("concurrency", 1, "Number of identical concurrent dispatches")
	flags.Duration("delay", 0, "Delay before dispatching")
	flags.String("condition", "", "Expr predicate gating the success path, e.g. 'input.status == 200'")
	flags.String("policy", "", "Rego file gating the success path instead of --condition")
	flags.String("entrypoint", "chain/allow", "Rego decision evaluated with --policy")
	flags.String("transform", "", "Expr script reshaping the value before output")

	return cmd
}

func runGraph(cmd *cobra.Command, args []string) error {
	spec, err := requestFromFlags(cmd, args[0])
	if err != nil {
		return err
	}

	return withApp(cmd, func(a *app) error {
		root, err := buildGraph(cmd, a, spec)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if a.cfg.Engine.MaxDepth > 0 {
			ctx = engine.WithDepthLimit(ctx, a.cfg.Engine.MaxDepth)
		}

		res := root.Run(ctx, spec)
		a.logger.Debug("graph finished", "outcome", res.Outcome, "fired", res.Fired)
		if res.Outcome == runtime.OutcomeAborted {
			return res.Err
		}
		return nil
	})
}

// buildGraph wires request -> [condition] -> [transform] -> output. Failure
// and error edges of the request node lead to the output directly.
func buildGraph(cmd *cobra.Command, a *app, spec domain.RequestSpec) (*engine.Node, error) {
	logger := engine.WithLogger(a.logger)
	output := engine.NewTerminalNode(a.sink, logger, engine.WithName("output"))

	var next engine.Runner = output

	if src, _ := cmd.Flags().GetString("transform"); src != "" {
		next = engine.NewTransformNode(a.sandbox.Bind(sandbox.Source(src)), logger, engine.WithName("transform")).
			SetSuccess(next).
			SetError(output)
	}

	pred, err := predicateFromFlags(cmd, a)
	if err != nil {
		return nil, err
	}
	if pred != nil {
		next = engine.NewConditionNode(pred, logger, engine.WithName("condition")).SetSuccess(next)
	}

	request := engine.NewRequestNode(a.executor, logger,
		engine.WithName("request"),
		engine.WithRequest(spec),
		engine.WithRedaction(a.redaction),
	)
	request.SetSuccess(next).SetFailure(output).SetError(output)
	return request, nil
}

func predicateFromFlags(cmd *cobra.Command, a *app) (runtime.Predicate, error) {
	flags := cmd.Flags()
	condition, _ := flags.GetString("condition")
	policyPath, _ := flags.GetString("policy")

	switch {
	case condition != "" && policyPath != "":
		return nil, errors.New("--condition and --policy are mutually exclusive")
	case condition != "":
		return a.sandbox.Predicate(condition), nil
	case policyPath != "":
		//nolint:gosec // Policy path is supplied by the operator
		src, err := os.ReadFile(policyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		entrypoint, _ := flags.GetString("entrypoint")
		pred, err := policy.NewPredicate(cmd.Context(), policy.Options{
			Entrypoint: entrypoint,
			Modules:    map[string]string{filepath.Base(policyPath): string(src)},
		})
		if err != nil {
			return nil, err
		}
		return pred, nil
	default:
		return nil, nil
	}
}

func requestFromFlags(cmd *cobra.Command, url string) (domain.RequestSpec, error) {
	flags := cmd.Flags()
	method, _ := flags.GetString("method")
	headerArgs, _ := flags.GetStringArray("header")
	data, _ := flags.GetString("data")
	concurrency, _ := flags.GetInt("concurrency")
	delay, _ := flags.GetDuration("delay")

	headers, err := parseHeaders(headerArgs)
	if err != nil {
		return domain.RequestSpec{}, err
	}

	spec := domain.RequestSpec{
		Method:  strings.ToUpper(method),
		URL:     url,
		Headers: headers,
		Body:    parseBody(data),
	}
	if concurrency > 1 || delay > 0 {
		spec.Options = &domain.RequestOptions{Concurrency: concurrency, Delay: delay}
	}
	return spec, spec.Validate()
}

// parseHeaders turns name:value pairs into request headers.
func parseHeaders(args []string) (domain.Headers, error) {
	if len(args) == 0 {
		return nil, nil
	}
	headers := make(domain.Headers, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, expected name:value", arg)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}

// parseBody decodes JSON bodies into plain values and keeps other text as is.
func parseBody(data string) any {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil
	}
	if gjson.Valid(data) {
		return gjson.Parse(data).Value()
	}
	return data
}
